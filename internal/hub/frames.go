package hub

// Frame type discriminators, spec.md §6.1.
const (
	TypeAuth         = "auth"
	TypeMessageSend  = "message:send"
	TypeTypingStart  = "typing:start"
	TypeTypingStop   = "typing:stop"
	TypePing         = "ping"

	TypeConnEstablished  = "connection:established"
	TypeConnAuthenticated = "connection:authenticated"
	TypeConnDisconnected = "connection:disconnected"
	TypeConnError        = "connection:error"
	TypeMessageAck       = "message:ack"
	TypeMessageReceive   = "message:receive"
	TypeMessageStream    = "message:stream"
)

// inboundEnvelope is used only to peek at the discriminator before decoding
// the rest of an inbound frame into its concrete shape.
type inboundEnvelope struct {
	Type string `json:"type"`
}

// AuthFrame is the first client-to-server frame (or the `token` query
// parameter, for browser clients).
type AuthFrame struct {
	Type       string `json:"type"`
	Credential string `json:"credential"`
}

// MessageSendFrame triggers the AI Integration Bridge (O).
type MessageSendFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ModelOverride  string `json:"modelOverride,omitempty"`
}

// TypingFrame drives the Typing Tracker (L).
type TypingFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId"`
}

// outbound frame shapes, spec.md §6.1's server-to-client table.

type connectionEstablishedFrame struct {
	Type string `json:"type"`
}

type connectionAuthenticatedFrame struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

type connectionDisconnectedFrame struct {
	Type   string `json:"type"`
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type connectionErrorFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AckStatus is message:ack's status field.
type AckStatus string

const (
	AckDelivered AckStatus = "delivered"
	AckError     AckStatus = "error"
)

type messageAckFrame struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	Status    AckStatus `json:"status"`
	Kind      string    `json:"kind,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type messageReceiveFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Content        string `json:"content"`
	Timestamp      string `json:"timestamp"`
}

// MessageStreamFrame carries a cumulative content delta (component O).
type MessageStreamFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	IsComplete     bool   `json:"isComplete"`
	Timestamp      string `json:"timestamp"`
}

type typingFrame struct {
	Type           string `json:"type"`
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// Close codes, spec.md §6.1.
const (
	CloseCodePolicyViolation = 1008
	CloseCodeInternal        = 1011
	CloseCodeRateLimitLockout = 4000
)
