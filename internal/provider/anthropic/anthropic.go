// Package anthropic implements the Provider Adapter (G) for Anthropic's
// Messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"chatbridge/internal/config"
	"chatbridge/internal/errs"
	"chatbridge/internal/models"
	"chatbridge/internal/provider"
)

const apiVersion = "2023-06-01"

// Adapter implements provider.Adapter for Anthropic.
type Adapter struct {
	cfg    config.ProviderConfig
	client *http.Client
	meta   provider.Metadata
	res    provider.Resilient
}

// New constructs an Anthropic Adapter. Matches provider.Constructor.
func New(cfg config.ProviderConfig, res provider.Resilient) (provider.Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		res:    res,
		meta: provider.Metadata{
			Name:         "anthropic",
			DefaultModel: cfg.DefaultModel,
			Capabilities: provider.Capabilities{Streaming: true, Vision: true, FunctionCalling: true, PromptCaching: true},
			Models: []provider.ModelDescriptor{
				{ID: "claude-3-5-sonnet-20241022", ContextWindow: 200_000, MaxOutputTokens: 8192, InputPricePerMillion: 3, OutputPricePerMillion: 15},
				{ID: "claude-3-5-haiku-20241022", ContextWindow: 200_000, MaxOutputTokens: 8192, InputPricePerMillion: 0.8, OutputPricePerMillion: 4},
				{ID: "claude-3-opus-20240229", ContextWindow: 200_000, MaxOutputTokens: 4096, InputPricePerMillion: 15, OutputPricePerMillion: 75},
			},
		},
	}, nil
}

func (a *Adapter) Metadata() provider.Metadata { return a.meta }

func (a *Adapter) TestConnection(ctx context.Context) (bool, error) {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/models"
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	a.buildHeaders(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, errs.Wrap(errs.KindNetwork, "anthropic health check failed", err).WithProvider(a.meta.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, mapError(resp.StatusCode, readErrMsg(resp.Body), a.meta.Name, resp.Header)
	}
	return true, nil
}

func (a *Adapter) buildHeaders(req *http.Request) {
	req.Header.Set("x-api-key", a.cfg.APIKey)
	req.Header.Set("anthropic-version", apiVersion)
	req.Header.Set("Content-Type", "application/json")
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string    `json:"model"`
	Messages  []message `json:"messages"`
	System    string    `json:"system,omitempty"`
	MaxTokens int       `json:"max_tokens"`
	Stream    bool      `json:"stream,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type response struct {
	ID         string    `json:"id"`
	Model      string    `json:"model"`
	StopReason string    `json:"stop_reason"`
	Content    []content `json:"content"`
	Usage      *usage    `json:"usage,omitempty"`
}

type content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type streamEvent struct {
	Type    string    `json:"type"`
	Delta   *delta    `json:"delta,omitempty"`
	Message *response `json:"message,omitempty"`
	Usage   *usage    `json:"usage,omitempty"`
}

type delta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type errorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildRequest(params provider.SendParams, model provider.ModelDescriptor, stream bool) request {
	msgs := make([]message, 0, len(params.Messages))
	for _, m := range params.Messages {
		if m.Role == models.RoleSystem {
			continue
		}
		msgs = append(msgs, message{Role: string(m.Role), Content: m.Content})
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxOutputTokens
	}
	return request{
		Model:     model.ID,
		Messages:  msgs,
		System:    params.SystemPrompt,
		MaxTokens: maxTokens,
		Stream:    stream,
	}
}

func (a *Adapter) Send(ctx context.Context, params provider.SendParams) (provider.SendResult, error) {
	model, err := provider.SelectModel(a.meta, params.Model)
	if err != nil {
		return provider.SendResult{}, err
	}
	if err := provider.ValidateSystemPrompt(params.SystemPrompt); err != nil {
		return provider.SendResult{}, err
	}

	key := a.res.BreakerKey("send", model.ID)
	return a.res.Call(key, "anthropic.send", func() (provider.SendResult, error) {
		return a.send(ctx, params, model)
	})
}

func (a *Adapter) send(ctx context.Context, params provider.SendParams, model provider.ModelDescriptor) (provider.SendResult, error) {
	body := buildRequest(params, model, false)
	payload, _ := json.Marshal(body)

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/messages"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	a.buildHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return provider.SendResult{}, mapTransportError(ctx, err, a.meta.Name)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return provider.SendResult{}, mapError(resp.StatusCode, readErrMsg(resp.Body), a.meta.Name, resp.Header)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return provider.SendResult{}, errs.Wrap(errs.KindNetwork, "malformed anthropic response", err).WithProvider(a.meta.Name)
	}
	return toResult(r, model), nil
}

func toResult(r response, model provider.ModelDescriptor) provider.SendResult {
	var text strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	var usage models.TokenUsage
	if r.Usage != nil {
		usage = models.TokenUsage{Input: r.Usage.InputTokens, Output: r.Usage.OutputTokens, Total: r.Usage.InputTokens + r.Usage.OutputTokens}
	}
	return provider.SendResult{
		Content:    text.String(),
		Usage:      usage,
		Cost:       provider.ComputeCost(model, usage),
		Model:      r.Model,
		StopReason: r.StopReason,
		ProviderID: r.ID,
	}
}

// Stream implements streaming per spec.md §4.6/§4.11: start once, delta*
// with incremental text, complete once with cumulative content, or error
// at most once followed by stream_interrupted if the provider closes the
// connection before message_stop.
func (a *Adapter) Stream(ctx context.Context, params provider.SendParams, sink provider.Sink) (provider.SendResult, error) {
	model, err := provider.SelectModel(a.meta, params.Model)
	if err != nil {
		return provider.SendResult{}, err
	}
	if err := provider.ValidateSystemPrompt(params.SystemPrompt); err != nil {
		return provider.SendResult{}, err
	}

	key := a.res.BreakerKey("stream", model.ID)
	return a.res.Call(key, "anthropic.stream", func() (provider.SendResult, error) {
		return a.stream(ctx, params, model, sink)
	})
}

func (a *Adapter) stream(ctx context.Context, params provider.SendParams, model provider.ModelDescriptor, sink provider.Sink) (provider.SendResult, error) {
	body := buildRequest(params, model, true)
	payload, _ := json.Marshal(body)

	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/messages"
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	a.buildHeaders(httpReq)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		e := mapTransportError(ctx, err, a.meta.Name)
		sink.OnError(e)
		return provider.SendResult{}, e
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		e := mapError(resp.StatusCode, readErrMsg(resp.Body), a.meta.Name, resp.Header)
		sink.OnError(e)
		return provider.SendResult{}, e
	}
	defer resp.Body.Close()

	sink.OnStart(params.MessageID, model.ID)

	var cumulative strings.Builder
	var finishReason string
	var tokUsage models.TokenUsage
	sawMessageStop := false

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				e := errs.Wrap(errs.KindNetwork, "anthropic stream read failed", err).WithProvider(a.meta.Name)
				sink.OnError(e)
				return provider.SendResult{}, e
			}
			break
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		switch ev.Type {
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" {
				cumulative.WriteString(ev.Delta.Text)
				sink.OnDelta(ev.Delta.Text)
			}
		case "message_delta":
			if ev.Delta != nil && ev.Delta.StopReason != "" {
				finishReason = ev.Delta.StopReason
			}
			if ev.Usage != nil {
				tokUsage.Output = ev.Usage.OutputTokens
			}
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				tokUsage.Input = ev.Message.Usage.InputTokens
			}
		case "message_stop":
			sawMessageStop = true
		}
	}

	if !sawMessageStop {
		e := errs.New(errs.KindStreamInterrupted, "anthropic stream ended before completion").
			WithProvider(a.meta.Name).
			WithContext("partial_content", cumulative.String())
		sink.OnError(e)
		return provider.SendResult{}, e
	}

	tokUsage.Total = tokUsage.Input + tokUsage.Output
	result := provider.SendResult{
		Content:    cumulative.String(),
		Usage:      tokUsage,
		Cost:       provider.ComputeCost(model, tokUsage),
		Model:      model.ID,
		StopReason: finishReason,
	}
	sink.OnComplete(result)
	return result, nil
}

func readErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var e errorResp
	if err := json.Unmarshal(data, &e); err == nil && e.Error.Message != "" {
		return fmt.Sprintf("%s (%s)", e.Error.Message, e.Error.Type)
	}
	return string(data)
}

func mapTransportError(ctx context.Context, err error, providerName string) *errs.Error {
	if ctx.Err() != nil {
		return errs.Wrap(errs.KindTimeout, "anthropic request timed out", err).WithProvider(providerName)
	}
	return errs.Wrap(errs.KindNetwork, "anthropic request failed", err).WithProvider(providerName)
}

// mapError maps Anthropic's native HTTP status codes into the taxonomy,
// including its nonstandard 529 "overloaded" status.
func mapError(status int, msg, providerName string, header http.Header) *errs.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.New(errs.KindAuthentication, msg).WithProvider(providerName)
	case http.StatusTooManyRequests:
		return errs.New(errs.KindRateLimit, msg).WithProvider(providerName).WithRateLimitHint(rateLimitHint(header))
	case http.StatusBadRequest:
		return errs.New(errs.KindInvalidRequest, msg).WithProvider(providerName)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errs.New(errs.KindNetwork, msg).WithProvider(providerName)
	case 529:
		return errs.New(errs.KindOverloaded, msg).WithProvider(providerName).WithRetryable(false)
	default:
		if status >= 500 {
			return errs.New(errs.KindInternal, msg).WithProvider(providerName)
		}
		return errs.New(errs.KindUnknown, msg).WithProvider(providerName)
	}
}

// rateLimitHint reads Anthropic's rate-limit response headers: a
// Retry-After in seconds, plus the anthropic-ratelimit-*-remaining quota
// counters.
func rateLimitHint(header http.Header) errs.RateLimitHint {
	var hint errs.RateLimitHint
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			hint.RetryAfterSeconds = secs
			hint.HasRetryAfter = true
		}
	}
	if v := header.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		hint.RequestsRemaining, _ = strconv.Atoi(v)
	}
	if v := header.Get("anthropic-ratelimit-tokens-remaining"); v != "" {
		hint.TokensRemaining, _ = strconv.Atoi(v)
	}
	return hint
}
