// Package models holds the domain entities shared across the hub, the
// provider adapters, and the repository (spec.md §3).
package models

import "time"

// Role is the author role of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// TokenUsage is the token accounting attached to an assistant Message.
type TokenUsage struct {
	Input  int `json:"input" db:"input_tokens"`
	Output int `json:"output" db:"output_tokens"`
	Total  int `json:"total" db:"total_tokens"`
}

// Cost is the dollar accounting attached to an assistant Message.
type Cost struct {
	Input    float64 `json:"input" db:"input_cost"`
	Output   float64 `json:"output" db:"output_cost"`
	Total    float64 `json:"total" db:"total_cost"`
	Currency string  `json:"currency" db:"currency"`
}

// MessageMetadata carries the assistant-only accounting fields (spec.md §3).
type MessageMetadata struct {
	Model        string       `json:"model,omitempty" db:"model"`
	Usage        TokenUsage   `json:"usage" db:"usage"`
	Cost         Cost         `json:"cost" db:"cost"`
	FinishReason string       `json:"finishReason,omitempty" db:"finish_reason"`
	Attachments  []Attachment `json:"attachments,omitempty" db:"-"`
}

// Conversation is owned exclusively by the Repository; owner never mutates
// after creation.
type Conversation struct {
	ID           string    `json:"id" db:"id"`
	OwnerUserID  string    `json:"ownerUserId" db:"owner_user_id"`
	Title        string    `json:"title" db:"title"`
	ModelID      string    `json:"modelId,omitempty" db:"model_id"`
	SystemPrompt string    `json:"systemPrompt,omitempty" db:"system_prompt"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time `json:"updatedAt" db:"updated_at"`
}

// Message is owned exclusively by the Repository; content is immutable
// once persisted, only Metadata is amended after an assistant stream
// completes.
type Message struct {
	ID             string          `json:"id" db:"id"`
	ConversationID string          `json:"conversationId" db:"conversation_id"`
	AuthorUserID   string          `json:"authorUserId,omitempty" db:"author_user_id"`
	Role           Role            `json:"role" db:"role"`
	Content        string          `json:"content" db:"content"`
	Metadata       MessageMetadata `json:"metadata,omitempty" db:"-"`
	CreatedAt      time.Time       `json:"createdAt" db:"created_at"`
}

const MaxMessageContentLength = 50_000

// Attachment supplements Message with an optional object-store reference.
type Attachment struct {
	ID         string    `json:"id" db:"id"`
	MessageID  string    `json:"messageId" db:"message_id"`
	ObjectKey  string    `json:"objectKey" db:"object_key"`
	FileName   string    `json:"fileName" db:"file_name"`
	MimeType   string    `json:"mimeType" db:"mime_type"`
	SizeBytes  int64     `json:"sizeBytes" db:"size_bytes"`
	UploadedAt time.Time `json:"uploadedAt" db:"uploaded_at"`
}

// User is the identity returned by the Token Verifier (component A) and
// persisted by the auth REST surface.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	DisplayName  string    `json:"displayName" db:"display_name"`
	PasswordHash string    `json:"-" db:"password_hash"`
	GoogleSub    string    `json:"-" db:"google_sub"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// Pagination bounds a listForUser page (component B).
type Pagination struct {
	Limit  int
	Offset int
}

// SortOrder for conversations.listForUser.
type SortOrder string

const (
	SortCreatedDesc SortOrder = "created_desc"
	SortUpdatedDesc SortOrder = "updated_desc"
)

// Page wraps a paginated listForUser result.
type Page struct {
	Conversations []Conversation
	Total         int
}

// Direction for messages.listForConversation.
type Direction string

const (
	DirectionAsc  Direction = "asc"
	DirectionDesc Direction = "desc"
)
