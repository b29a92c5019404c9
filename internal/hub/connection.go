package hub

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatbridge/internal/ratelimit"
)

// State is the Per-Connection State Machine (component J)'s current phase.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateActive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	sendEventTimeout  = 2 * time.Second
	finalEventTimeout = 10 * time.Second
)

// Connection is one socket's server-side state: the union of component J
// (state machine), the per-connection rate limiter (K), and the
// conversation/typing bookkeeping component N must unwind on disconnect.
type Connection struct {
	id     string
	socket *websocket.Conn
	send   chan []byte

	state atomic.Int32

	userID   string
	userIDMu sync.RWMutex

	limiter *ratelimit.Limiter

	writeWait    time.Duration
	missedPongs  atomic.Int32

	closeCauseMu sync.Mutex
	closeCause   string

	conversationsMu sync.Mutex
	conversations   map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}

	writeMu sync.Mutex
}

func newConnection(id string, socket *websocket.Conn, limiter *ratelimit.Limiter, writeWait time.Duration) *Connection {
	c := &Connection{
		id:            id,
		socket:        socket,
		send:          make(chan []byte, 256),
		limiter:       limiter,
		writeWait:     writeWait,
		conversations: make(map[string]struct{}),
		done:          make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID is the connection's opaque identifier (the GLOSSARY's connectionId).
func (c *Connection) ID() string { return c.id }

// State reports the connection's current phase (component J).
func (c *Connection) State() State { return State(c.state.Load()) }

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// setCloseCause records why the connection is being driven into
// StateClosing, first writer wins. runLifecycle reads it back once the
// read loop unwinds so cleanup logs the real cause instead of inferring
// one from the state alone.
func (c *Connection) setCloseCause(cause string) {
	c.closeCauseMu.Lock()
	if c.closeCause == "" {
		c.closeCause = cause
	}
	c.closeCauseMu.Unlock()
}

func (c *Connection) getCloseCause() string {
	c.closeCauseMu.Lock()
	defer c.closeCauseMu.Unlock()
	return c.closeCause
}

// UserID reports the authenticated identity, or "" before authenticating.
func (c *Connection) UserID() string {
	c.userIDMu.RLock()
	defer c.userIDMu.RUnlock()
	return c.userID
}

func (c *Connection) setUserID(id string) {
	c.userIDMu.Lock()
	c.userID = id
	c.userIDMu.Unlock()
}

func (c *Connection) joinConversation(conversationID string) {
	c.conversationsMu.Lock()
	c.conversations[conversationID] = struct{}{}
	c.conversationsMu.Unlock()
}

func (c *Connection) conversationIDs() []string {
	c.conversationsMu.Lock()
	defer c.conversationsMu.Unlock()
	out := make([]string, 0, len(c.conversations))
	for id := range c.conversations {
		out = append(out, id)
	}
	return out
}

// sendFrame marshals v and enqueues it on the outbound channel with a
// non-blocking, timeout-bounded send: a slow client must never stall the
// hub. message:stream completions and message:ack/connection:error frames
// get the longer "final" timeout and one retry attempt, mirroring the
// delivery guarantee a disconnect notice or stream terminus needs.
func (c *Connection) sendFrame(frameType string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("[hub] connection %s: failed to marshal %s frame: %v", c.id, frameType, err)
		return
	}

	final := frameType == TypeMessageAck || frameType == TypeConnError || frameType == TypeConnDisconnected
	timeout := sendEventTimeout
	if final {
		timeout = finalEventTimeout
	}

	select {
	case c.send <- payload:
	case <-time.After(timeout):
		log.Printf("[hub] connection %s: send buffer full, dropping %s frame", c.id, frameType)
		if final {
			go func() {
				select {
				case c.send <- payload:
				case <-time.After(finalEventTimeout):
					log.Printf("[hub] connection %s: failed to deliver final %s frame", c.id, frameType)
				}
			}()
		}
	}
}

func (c *Connection) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.socket.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.socket.WriteMessage(messageType, data)
}

// closeSend idempotently closes the outbound channel, terminating the
// write pump. Safe to call from cleanup and from the write pump itself.
func (c *Connection) closeSend() {
	c.closeOnce.Do(func() {
		close(c.done)
		close(c.send)
	})
}

// writePump drains the outbound channel to the socket until closeSend is
// called or a write fails.
func (c *Connection) writePump() {
	defer c.socket.Close()
	for msg := range c.send {
		if err := c.write(websocket.TextMessage, msg); err != nil {
			log.Printf("[hub] connection %s: write failed: %v", c.id, err)
			return
		}
	}
	_ = c.write(websocket.CloseMessage, []byte{})
}
