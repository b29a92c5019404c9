package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/authn"
)

type fakeVerifier struct {
	identities map[string]authn.Identity
}

func (v *fakeVerifier) VerifyAccessToken(credential string) (authn.Identity, error) {
	id, ok := v.identities[credential]
	if !ok {
		return authn.Identity{}, assertAuthError
	}
	return id, nil
}

var assertAuthError = &authTestErr{}

type authTestErr struct{}

func (*authTestErr) Error() string { return "invalid credential" }

type recordingBridge struct {
	mu   sync.Mutex
	cmds []MessageSendCommand
}

func (b *recordingBridge) HandleMessageSend(ctx context.Context, cmd MessageSendCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds = append(b.cmds, cmd)
}

func (b *recordingBridge) received() []MessageSendCommand {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]MessageSendCommand, len(b.cmds))
	copy(out, b.cmds)
	return out
}

func testManagerConfig() Config {
	return Config{
		RateLimitMessages: 5,
		RateLimitWindow:   time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		TypingExpiry:      200 * time.Millisecond,
		TypingSpamWindow:  50 * time.Millisecond,
		WriteWait:         time.Second,
		MaxMessageSize:    1 << 20,
		AllowedOrigins:    func(r *http.Request) bool { return true },
	}
}

func startTestServer(t *testing.T, mgr *Manager) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(mgr.ServeWS))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func authenticate(t *testing.T, conn *websocket.Conn, credential string) {
	t.Helper()
	// first frame off the wire is always connection:established.
	established := readFrame(t, conn)
	require.Equal(t, TypeConnEstablished, established["type"])

	require.NoError(t, conn.WriteJSON(AuthFrame{Type: TypeAuth, Credential: credential}))
	authed := readFrame(t, conn)
	require.Equal(t, TypeConnAuthenticated, authed["type"])
}

func TestServeWS_AuthenticationHappyPath(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{"good-token": {UserID: "u1"}}}
	mgr := NewManager(testManagerConfig(), verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	conn := dial(t, url)
	authenticate(t, conn, "good-token")

	require.Eventually(t, func() bool { return mgr.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mgr.Stats().Users)
}

func TestServeWS_InvalidCredentialRejectedAndClosed(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{}}
	mgr := NewManager(testManagerConfig(), verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	conn := dial(t, url)
	established := readFrame(t, conn)
	require.Equal(t, TypeConnEstablished, established["type"])

	require.NoError(t, conn.WriteJSON(AuthFrame{Type: TypeAuth, Credential: "bad-token"}))
	errFrame := readFrame(t, conn)
	assert.Equal(t, TypeConnError, errFrame["type"])

	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServeWS_MessageSendDispatchesToBridge(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{"good-token": {UserID: "u1"}}}
	bridge := &recordingBridge{}
	mgr := NewManager(testManagerConfig(), verifier, bridge)
	_, url := startTestServer(t, mgr)

	conn := dial(t, url)
	authenticate(t, conn, "good-token")

	require.NoError(t, conn.WriteJSON(MessageSendFrame{
		Type: TypeMessageSend, ConversationID: "conv1", Content: "hello",
	}))

	require.Eventually(t, func() bool { return len(bridge.received()) == 1 }, time.Second, 10*time.Millisecond)
	cmds := bridge.received()
	assert.Equal(t, "u1", cmds[0].UserID)
	assert.Equal(t, "conv1", cmds[0].ConversationID)
	assert.Equal(t, "hello", cmds[0].Content)
}

func TestServeWS_MalformedMessageSendAcksError(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{"good-token": {UserID: "u1"}}}
	mgr := NewManager(testManagerConfig(), verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	conn := dial(t, url)
	authenticate(t, conn, "good-token")

	require.NoError(t, conn.WriteJSON(MessageSendFrame{Type: TypeMessageSend, ConversationID: "", Content: ""}))
	ack := readFrame(t, conn)
	assert.Equal(t, TypeMessageAck, ack["type"])
	assert.Equal(t, string(AckError), ack["status"])
}

func TestServeWS_RateLimitExceededAcksError(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{"good-token": {UserID: "u1"}}}
	cfg := testManagerConfig()
	cfg.RateLimitMessages = 1
	cfg.RateLimitWindow = time.Minute
	mgr := NewManager(cfg, verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	conn := dial(t, url)
	authenticate(t, conn, "good-token")

	require.NoError(t, conn.WriteJSON(MessageSendFrame{Type: TypeMessageSend, ConversationID: "conv1", Content: "one"}))
	first := readFrame(t, conn)
	require.Equal(t, TypeMessageAck, first["type"])

	require.NoError(t, conn.WriteJSON(MessageSendFrame{Type: TypeMessageSend, ConversationID: "conv1", Content: "two"}))
	second := readFrame(t, conn)
	assert.Equal(t, TypeMessageAck, second["type"])
	assert.Equal(t, string(AckError), second["status"])
}

func TestServeWS_TwoConnectionsSameUserBothReceiveBroadcast(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{"good-token": {UserID: "u1"}}}
	mgr := NewManager(testManagerConfig(), verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	connA := dial(t, url)
	authenticate(t, connA, "good-token")
	connB := dial(t, url)
	authenticate(t, connB, "good-token")

	require.Eventually(t, func() bool { return mgr.Stats().Connections == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, mgr.Stats().Users)

	mgr.SendToUser("u1", TypeMessageStream, map[string]string{"type": TypeMessageStream})

	a := readFrame(t, connA)
	b := readFrame(t, connB)
	assert.Equal(t, TypeMessageStream, a["type"])
	assert.Equal(t, TypeMessageStream, b["type"])
}

func TestServeWS_DisconnectCleansUpIndexes(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{"good-token": {UserID: "u1"}}}
	mgr := NewManager(testManagerConfig(), verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	conn := dial(t, url)
	authenticate(t, conn, "good-token")
	require.Eventually(t, func() bool { return mgr.Stats().Connections == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return mgr.Stats().Connections == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, mgr.Stats().Users)
}

func TestServeWS_HeartbeatTimeoutClosesWithDistinctCause(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{"good-token": {UserID: "u1"}}}
	mgr := NewManager(testManagerConfig(), verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	conn := dial(t, url)
	// Swallow pings without answering them, so the server never sees a pong.
	conn.SetPingHandler(func(string) error { return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	authenticate(t, conn, "good-token")

	var serverConn *Connection
	require.Eventually(t, func() bool {
		mgr.mu.RLock()
		defer mgr.mu.RUnlock()
		for _, c := range mgr.byConn {
			serverConn = c
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return serverConn.getCloseCause() == "heartbeat-timeout"
	}, time.Second, 5*time.Millisecond)
}

func TestServeWS_TypingStartBroadcastsToOtherParticipants(t *testing.T) {
	verifier := &fakeVerifier{identities: map[string]authn.Identity{
		"token-a": {UserID: "u1"},
		"token-b": {UserID: "u2"},
	}}
	mgr := NewManager(testManagerConfig(), verifier, &recordingBridge{})
	_, url := startTestServer(t, mgr)

	connA := dial(t, url)
	authenticate(t, connA, "token-a")
	connB := dial(t, url)
	authenticate(t, connB, "token-b")

	require.NoError(t, connA.WriteJSON(MessageSendFrame{Type: TypeMessageSend, ConversationID: "conv1", Content: "hi"}))
	ackA := readFrame(t, connA)
	require.Equal(t, TypeMessageAck, ackA["type"])

	require.NoError(t, connB.WriteJSON(TypingFrame{Type: TypeTypingStart, ConversationID: "conv1"}))

	found := false
	for i := 0; i < 3 && !found; i++ {
		frame := readFrame(t, connA)
		if frame["type"] == TypeTypingStart {
			found = true
			assert.Equal(t, "u2", frame["userId"])
		}
	}
	assert.True(t, found, "expected connA to observe u2's typing:start broadcast")
}
