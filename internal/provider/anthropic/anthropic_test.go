package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/config"
	"chatbridge/internal/errs"
	"chatbridge/internal/provider"
	"chatbridge/internal/resilience"
)

func testResilient() provider.Resilient {
	return provider.Resilient{
		Breakers:    resilience.NewBreakerRegistry(resilience.DefaultBreakerConfig()),
		Coordinator: resilience.NewCoordinator(resilience.RetryPolicy{MaxAttempts: 1}),
		Provider:    "anthropic",
	}
}

type recordingSink struct {
	started  bool
	deltas   []string
	complete *provider.SendResult
	err      error
}

func (s *recordingSink) OnStart(messageID, model string) { s.started = true }
func (s *recordingSink) OnDelta(content string)           { s.deltas = append(s.deltas, content) }
func (s *recordingSink) OnComplete(result provider.SendResult) {
	r := result
	s.complete = &r
}
func (s *recordingSink) OnError(err error) { s.err = err }

func TestSend_HappyPathParsesUsageAndContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/messages", r.URL.Path)
		require.Equal(t, "test-key", r.Header.Get("x-api-key"))
		_ = json.NewEncoder(w).Encode(response{
			ID: "resp-1", Model: "claude-3-5-sonnet-20241022", StopReason: "end_turn",
			Content: []content{{Type: "text", Text: "hi there"}},
			Usage:   &usage{InputTokens: 10, OutputTokens: 5},
		})
	}))
	defer srv.Close()

	adapter, err := New(config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "claude-3-5-sonnet-20241022"}, testResilient())
	require.NoError(t, err)

	result, err := adapter.Send(context.Background(), provider.SendParams{Messages: []provider.ChatMessage{{Role: "user", Content: "hello"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, 15, result.Usage.Total)
}

func TestSend_OverloadedStatusMapsToNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(529)
		_ = json.NewEncoder(w).Encode(errorResp{})
	}))
	defer srv.Close()

	adapter, err := New(config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "claude-3-5-sonnet-20241022"}, testResilient())
	require.NoError(t, err)

	_, err = adapter.Send(context.Background(), provider.SendParams{Messages: []provider.ChatMessage{{Role: "user", Content: "hello"}}})
	require.Error(t, err)
}

func TestSend_RateLimitPopulatesHintFromHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.Header().Set("anthropic-ratelimit-requests-remaining", "0")
		w.Header().Set("anthropic-ratelimit-tokens-remaining", "200")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(errorResp{})
	}))
	defer srv.Close()

	adapter, err := New(config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "claude-3-5-sonnet-20241022"}, testResilient())
	require.NoError(t, err)

	_, err = adapter.Send(context.Background(), provider.SendParams{Messages: []provider.ChatMessage{{Role: "user", Content: "hello"}}})
	require.Error(t, err)

	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.KindRateLimit, e.Kind)
	hint, ok := e.RateLimitHint()
	require.True(t, ok)
	assert.True(t, hint.HasRetryAfter)
	assert.Equal(t, 5.0, hint.RetryAfterSeconds)
	assert.Equal(t, 0, hint.RequestsRemaining)
	assert.Equal(t, 200, hint.TokensRemaining)
}

func TestSend_SystemPromptExcludedFromMessagesList(t *testing.T) {
	params := provider.SendParams{
		SystemPrompt: "be nice",
		Messages: []provider.ChatMessage{
			{Role: "system", Content: "ignored"},
			{Role: "user", Content: "hello"},
		},
	}
	req := buildRequest(params, provider.ModelDescriptor{ID: "claude-3-5-sonnet-20241022", MaxOutputTokens: 100}, false)
	assert.Equal(t, "be nice", req.System)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "hello", req.Messages[0].Content)
}

func TestStream_HappyPathEmitsDeltasAndCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("data: " + mustJSON(streamEvent{Type: "message_start", Message: &response{Usage: &usage{InputTokens: 3}}}) + "\n"))
		flusher.Flush()
		w.Write([]byte("data: " + mustJSON(streamEvent{Type: "content_block_delta", Delta: &delta{Type: "text_delta", Text: "hel"}}) + "\n"))
		flusher.Flush()
		w.Write([]byte("data: " + mustJSON(streamEvent{Type: "content_block_delta", Delta: &delta{Type: "text_delta", Text: "lo"}}) + "\n"))
		flusher.Flush()
		w.Write([]byte("data: " + mustJSON(streamEvent{Type: "message_delta", Delta: &delta{StopReason: "end_turn"}, Usage: &usage{OutputTokens: 2}}) + "\n"))
		flusher.Flush()
		w.Write([]byte("data: " + mustJSON(streamEvent{Type: "message_stop"}) + "\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	adapter, err := New(config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "claude-3-5-sonnet-20241022"}, testResilient())
	require.NoError(t, err)

	sink := &recordingSink{}
	result, err := adapter.Stream(context.Background(), provider.SendParams{MessageID: "m1"}, sink)
	require.NoError(t, err)
	assert.True(t, sink.started)
	assert.Equal(t, []string{"hel", "lo"}, sink.deltas)
	assert.Equal(t, "hello", result.Content)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, 3, result.Usage.Input)
	assert.Equal(t, 2, result.Usage.Output)
}

func TestStream_EndsBeforeMessageStopReportsInterrupted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		w.Write([]byte("data: " + mustJSON(streamEvent{Type: "content_block_delta", Delta: &delta{Type: "text_delta", Text: "partial"}}) + "\n"))
		flusher.Flush()
	}))
	defer srv.Close()

	adapter, err := New(config.ProviderConfig{APIKey: "test-key", BaseURL: srv.URL, DefaultModel: "claude-3-5-sonnet-20241022"}, testResilient())
	require.NoError(t, err)

	sink := &recordingSink{}
	_, err = adapter.Stream(context.Background(), provider.SendParams{MessageID: "m1"}, sink)
	require.Error(t, err)
	assert.NotNil(t, sink.err)
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
