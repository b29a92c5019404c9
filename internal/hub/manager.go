// Package hub implements the Connection Manager (I), the Per-Connection
// State Machine (J), the Per-Connection Rate Limiter (K), the Typing
// Tracker (L), the Heartbeat/Liveness Probe (M), and the Cleanup
// Orchestrator (N).
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatbridge/internal/authn"
	"chatbridge/internal/errs"
	"chatbridge/internal/ratelimit"
	"chatbridge/internal/telemetry"
)

// Config carries the tuning knobs components I/J/K/L/M read from
// application configuration.
type Config struct {
	RateLimitMessages int
	RateLimitWindow   time.Duration
	HeartbeatInterval time.Duration
	TypingExpiry      time.Duration
	TypingSpamWindow  time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	AllowedOrigins    func(r *http.Request) bool
}

// MessageSendCommand is what the hub hands the AI Integration Bridge (O)
// once a message:send frame has cleared authentication and rate limiting.
type MessageSendCommand struct {
	ConnectionID   string
	UserID         string
	ConversationID string
	MessageID      string
	Content        string
	ModelOverride  string
}

// Bridge is component O's contract as seen by the hub: it owns the entire
// persist/generate/stream pipeline and reports back only through the
// Broadcaster the hub gave it at construction time.
type Bridge interface {
	HandleMessageSend(ctx context.Context, cmd MessageSendCommand)
}

// Broadcaster is the fan-out surface the bridge and the typing tracker use
// to reach connected sockets without depending on the Manager type itself.
type Broadcaster interface {
	SendToUser(userID, frameType string, v any)
	SendToConversation(conversationID, frameType string, v any, exceptUserID string)
}

// Verifier resolves an auth frame's credential into a user identity
// (component A).
type Verifier interface {
	VerifyAccessToken(credential string) (authn.Identity, error)
}

// Manager is the connection manager: three indexes over live connections
// guarded by one RWMutex.
type Manager struct {
	mu             sync.RWMutex
	byConn         map[string]*Connection
	byUser         map[string]map[string]*Connection
	byConversation map[string]map[string]*Connection

	cfg      Config
	verifier Verifier
	bridge   Bridge
	typing   *typingTracker
	upgrader websocket.Upgrader
}

// NewManager wires the Connection Manager to its verifier and the bridge it
// will hand inbound message:send commands to.
// NewManager builds a Manager. bridge may be nil at construction time —
// the bridge itself typically needs the Manager as its Broadcaster, so
// main.go wires the two in two phases and calls SetBridge before the
// server starts accepting connections.
func NewManager(cfg Config, verifier Verifier, bridge Bridge) *Manager {
	m := &Manager{
		byConn:         make(map[string]*Connection),
		byUser:         make(map[string]map[string]*Connection),
		byConversation: make(map[string]map[string]*Connection),
		cfg:            cfg,
		verifier:       verifier,
		bridge:         bridge,
	}
	m.typing = newTypingTracker(cfg.TypingExpiry, cfg.TypingSpamWindow, func(conversationID, frameType, userID string) {
		m.SendToConversation(conversationID, frameType, typingFrame{Type: frameType, UserID: userID, ConversationID: conversationID}, "")
	})
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: cfg.AllowedOrigins,
	}
	return m
}

// SetBridge assigns the bridge after construction, resolving the
// construction cycle between Manager (which a Bridge needs as its
// Broadcaster) and Bridge (which Manager needs to dispatch message:send).
func (m *Manager) SetBridge(b Bridge) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridge = b
}

// Stats summarizes live hub occupancy.
type Stats struct {
	Connections   int
	Users         int
	Conversations int
}

// Stats reports current occupancy under a read lock.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Connections:   len(m.byConn),
		Users:         len(m.byUser),
		Conversations: len(m.byConversation),
	}
}

func (m *Manager) add(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byConn[c.id] = c
}

func (m *Manager) indexUser(c *Connection, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		set = make(map[string]*Connection)
		m.byUser[userID] = set
	}
	set[c.id] = c
}

// attachToConversation joins a connection to a conversation's broadcast
// group, idempotently, the first time the connection references it.
func (m *Manager) attachToConversation(c *Connection, conversationID string) {
	c.joinConversation(conversationID)
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byConversation[conversationID]
	if !ok {
		set = make(map[string]*Connection)
		m.byConversation[conversationID] = set
	}
	set[c.id] = c
}

// SendToUser implements Broadcaster: deliver a frame to every live
// connection the identified user holds.
func (m *Manager) SendToUser(userID, frameType string, v any) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byUser[userID]))
	for _, c := range m.byUser[userID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.sendFrame(frameType, v)
	}
}

// SendToConversation implements Broadcaster: deliver a frame to every
// connection joined to conversationID, optionally excluding one user (the
// originator of a typing or presence event).
func (m *Manager) SendToConversation(conversationID, frameType string, v any, exceptUserID string) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byConversation[conversationID]))
	for _, c := range m.byConversation[conversationID] {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if exceptUserID != "" && c.UserID() == exceptUserID {
			continue
		}
		c.sendFrame(frameType, v)
	}
}

// ServeWS upgrades an HTTP request to a socket connection and runs its
// lifecycle to completion. Blocks until the connection closes.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	socket, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade failed: %v", err)
		return
	}

	limiter := ratelimit.New(m.cfg.RateLimitMessages, m.cfg.RateLimitWindow)
	conn := newConnection(uuid.NewString(), socket, limiter, m.cfg.WriteWait)
	m.add(conn)

	socket.SetReadLimit(m.cfg.MaxMessageSize)

	go conn.writePump()
	m.runLifecycle(conn)
}

// runLifecycle drives the Per-Connection State Machine (J): connecting ->
// authenticating -> active -> closing, reading frames until the socket
// closes or a terminal error occurs.
func (m *Manager) runLifecycle(conn *Connection) {
	var disconnectCause string

	conn.setState(StateConnecting)
	conn.sendFrame(TypeConnEstablished, connectionEstablishedFrame{Type: TypeConnEstablished})
	conn.setState(StateAuthenticating)

	conn.socket.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatInterval * 2))
	conn.socket.SetPongHandler(func(string) error {
		conn.missedPongs.Store(0)
		conn.socket.SetReadDeadline(time.Now().Add(m.cfg.HeartbeatInterval * 2))
		return nil
	})

	authenticated := false
	defer func() {
		if disconnectCause == "" {
			disconnectCause = "client-close"
		}
		m.cleanup(conn, disconnectCause)
	}()

	for {
		_, raw, err := conn.socket.ReadMessage()
		if err != nil {
			if conn.State() == StateClosing {
				disconnectCause = conn.getCloseCause()
				if disconnectCause == "" {
					disconnectCause = "shutdown"
				}
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				disconnectCause = "write-failure"
			}
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}

		if !authenticated {
			if env.Type != TypeAuth {
				continue
			}
			ok := m.handleAuth(conn, raw)
			if !ok {
				disconnectCause = "auth-failure"
				return
			}
			authenticated = true
			go m.heartbeatLoop(conn)
			continue
		}

		m.dispatch(conn, env.Type, raw)
	}
}

func (m *Manager) handleAuth(conn *Connection, raw []byte) bool {
	var frame AuthFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.rejectAuth(conn, "malformed auth frame")
		return false
	}
	identity, err := m.verifier.VerifyAccessToken(frame.Credential)
	if err != nil {
		m.rejectAuth(conn, "authentication failed")
		return false
	}

	conn.setUserID(identity.UserID)
	conn.setState(StateActive)
	m.indexUser(conn, identity.UserID)
	conn.sendFrame(TypeConnAuthenticated, connectionAuthenticatedFrame{Type: TypeConnAuthenticated, ConnectionID: conn.id})
	return true
}

func (m *Manager) rejectAuth(conn *Connection, message string) {
	conn.sendFrame(TypeConnError, connectionErrorFrame{Type: TypeConnError, Kind: string(errs.KindAuthentication), Message: message})
	conn.setState(StateClosing)
	conn.write(websocket.CloseMessage, websocket.FormatCloseMessage(CloseCodePolicyViolation, message))
}

// dispatch routes an authenticated connection's frame by its socket
// vocabulary. message:send and typing frames count against the rate
// limiter; ping does not.
func (m *Manager) dispatch(conn *Connection, frameType string, raw []byte) {
	switch frameType {
	case TypePing:
		conn.missedPongs.Store(0)

	case TypeTypingStart:
		var f TypingFrame
		if json.Unmarshal(raw, &f) != nil || f.ConversationID == "" {
			return
		}
		m.attachToConversation(conn, f.ConversationID)
		m.typing.Start(conn.UserID(), f.ConversationID)

	case TypeTypingStop:
		var f TypingFrame
		if json.Unmarshal(raw, &f) != nil || f.ConversationID == "" {
			return
		}
		m.typing.Stop(conn.UserID(), f.ConversationID)

	case TypeMessageSend:
		m.handleMessageSend(conn, raw)

	default:
		conn.sendFrame(TypeConnError, connectionErrorFrame{Type: TypeConnError, Kind: string(errs.KindInvalidRequest), Message: "unknown frame type"})
	}
}

func (m *Manager) handleMessageSend(conn *Connection, raw []byte) {
	var f MessageSendFrame
	if err := json.Unmarshal(raw, &f); err != nil || f.ConversationID == "" || f.Content == "" {
		conn.sendFrame(TypeMessageAck, messageAckFrame{Type: TypeMessageAck, MessageID: f.MessageID, Status: AckError, Kind: string(errs.KindInvalidRequest), Message: "conversationId and content are required"})
		return
	}

	if !conn.limiter.Allow() {
		conn.sendFrame(TypeMessageAck, messageAckFrame{Type: TypeMessageAck, MessageID: f.MessageID, Status: AckError, Kind: string(errs.KindRateLimit), Message: "message rate limit exceeded"})
		return
	}

	if f.MessageID == "" {
		f.MessageID = uuid.NewString()
	}

	m.attachToConversation(conn, f.ConversationID)

	cmd := MessageSendCommand{
		ConnectionID:   conn.id,
		UserID:         conn.UserID(),
		ConversationID: f.ConversationID,
		MessageID:      f.MessageID,
		Content:        f.Content,
		ModelOverride:  f.ModelOverride,
	}
	go m.bridge.HandleMessageSend(context.Background(), cmd)
}

// heartbeatLoop is the Heartbeat/Liveness Probe (component M): it pings the
// socket at HeartbeatInterval and terminates the connection once two
// consecutive pings go unanswered.
func (m *Manager) heartbeatLoop(conn *Connection) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if conn.missedPongs.Add(1) > 2 {
				conn.setCloseCause("heartbeat-timeout")
				conn.setState(StateClosing)
				conn.socket.Close()
				return
			}
			if err := conn.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// cleanup is the Cleanup Orchestrator (component N): six fixed, idempotent
// steps run on every disconnect regardless of cause.
func (m *Manager) cleanup(conn *Connection, cause string) {
	userID := conn.UserID()

	// 1: remove from the by-connection-id index.
	m.mu.Lock()
	_, already := m.byConn[conn.id]
	delete(m.byConn, conn.id)
	m.mu.Unlock()
	if !already {
		return // already cleaned up by a concurrent call
	}

	// 2: remove from the by-user and by-conversation indexes.
	m.mu.Lock()
	if set, ok := m.byUser[userID]; ok {
		delete(set, conn.id)
		if len(set) == 0 {
			delete(m.byUser, userID)
		}
	}
	for _, convID := range conn.conversationIDs() {
		if set, ok := m.byConversation[convID]; ok {
			delete(set, conn.id)
			if len(set) == 0 {
				delete(m.byConversation, convID)
			}
		}
	}
	m.mu.Unlock()

	// 3: cancel per-connection timers (rate limiter holds none; heartbeat
	// loop exits via conn.done, closed below).
	conn.closeSend()

	// 4: purge typing-state entries for the user, broadcasting typing:stop.
	if userID != "" {
		m.typing.purgeUser(userID)
	}

	// 5: close the socket if still open.
	if err := conn.socket.Close(); err != nil {
		telemetry.NotifyCleanupFailure(conn.id, "close socket", err)
	}

	// 6: emit one structured disconnect log entry.
	log.Printf("[hub] connection %s closed: user=%s cause=%s", conn.id, userID, cause)
}

// Shutdown marks every live connection closing and lets their read loops
// unwind through the normal cleanup path.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.byConn))
	for _, c := range m.byConn {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		c.setCloseCause("shutdown")
		c.setState(StateClosing)
		c.write(websocket.CloseMessage, websocket.FormatCloseMessage(CloseCodeInternal, "server shutting down"))
		c.socket.Close()
	}
}
