// Package openai implements the Provider Adapter (G) for OpenAI's chat
// completions API.
package openai

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

// Adapter implements provider.Adapter for OpenAI.
type Adapter struct {
	cfg    config.ProviderConfig
	client *http.Client
	meta   provider.Metadata
	res    provider.Resilient
}

// New constructs an OpenAI Adapter. Matches provider.Constructor.
func New(cfg config.ProviderConfig, res provider.Resilient) (provider.Adapter, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		res:    res,
		meta: provider.Metadata{
			Name:         "openai",
			DefaultModel: cfg.DefaultModel,
			Capabilities: provider.Capabilities{Streaming: true, Vision: true, FunctionCalling: true, JSONMode: true},
			Models: []provider.ModelDescriptor{
				{ID: "gpt-4o", ContextWindow: 128_000, MaxOutputTokens: 16384, InputPricePerMillion: 2.5, OutputPricePerMillion: 10},
				{ID: "gpt-4o-mini", ContextWindow: 128_000, MaxOutputTokens: 16384, InputPricePerMillion: 0.15, OutputPricePerMillion: 0.6},
				{ID: "o1-mini", ContextWindow: 128_000, MaxOutputTokens: 65536, InputPricePerMillion: 1.1, OutputPricePerMillion: 4.4},
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
		return false, errs.Wrap(errs.KindNetwork, "openai health check failed", err).WithProvider(a.meta.Name)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, mapError(resp.StatusCode, readErrMsg(resp.Body), a.meta.Name, resp.Header)
	}
	return true, nil
}

func (a *Adapter) buildHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Organization != "" {
		req.Header.Set("OpenAI-Organization", a.cfg.Organization)
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type request struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream,omitempty"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type choice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
	Delta        chatMessage `json:"delta"`
}

type response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   *usage   `json:"usage,omitempty"`
}

type errorResp struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildRequest(params provider.SendParams, model provider.ModelDescriptor, stream bool) request {
	msgs := make([]chatMessage, 0, len(params.Messages)+1)
	if params.SystemPrompt != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: params.SystemPrompt})
	}
	for _, m := range params.Messages {
		msgs = append(msgs, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = model.MaxOutputTokens
	}
	return request{Model: model.ID, Messages: msgs, MaxTokens: maxTokens, Stream: stream}
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
	return a.res.Call(key, "openai.send", func() (provider.SendResult, error) {
		return a.send(ctx, params, model)
	})
}

func (a *Adapter) send(ctx context.Context, params provider.SendParams, model provider.ModelDescriptor) (provider.SendResult, error) {
	payload, _ := json.Marshal(buildRequest(params, model, false))
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
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
		return provider.SendResult{}, errs.Wrap(errs.KindNetwork, "malformed openai response", err).WithProvider(a.meta.Name)
	}
	return toResult(r, model), nil
}

func toResult(r response, model provider.ModelDescriptor) provider.SendResult {
	content, finish := "", ""
	if len(r.Choices) > 0 {
		content = r.Choices[0].Message.Content
		finish = r.Choices[0].FinishReason
	}
	var tokUsage models.TokenUsage
	if r.Usage != nil {
		tokUsage = models.TokenUsage{Input: r.Usage.PromptTokens, Output: r.Usage.CompletionTokens, Total: r.Usage.TotalTokens}
	}
	return provider.SendResult{
		Content:    content,
		Usage:      tokUsage,
		Cost:       provider.ComputeCost(model, tokUsage),
		Model:      r.Model,
		StopReason: finish,
		ProviderID: r.ID,
	}
}

// Stream implements streaming per the OpenAI SSE chunk format: events are
// "data: {json}\n\n" blocks terminated by "data: [DONE]\n\n", scanned by
// splitting on the blank-line delimiter.
func (a *Adapter) Stream(ctx context.Context, params provider.SendParams, sink provider.Sink) (provider.SendResult, error) {
	model, err := provider.SelectModel(a.meta, params.Model)
	if err != nil {
		return provider.SendResult{}, err
	}
	if err := provider.ValidateSystemPrompt(params.SystemPrompt); err != nil {
		return provider.SendResult{}, err
	}

	key := a.res.BreakerKey("stream", model.ID)
	return a.res.Call(key, "openai.stream", func() (provider.SendResult, error) {
		return a.stream(ctx, params, model, sink)
	})
}

func (a *Adapter) stream(ctx context.Context, params provider.SendParams, model provider.ModelDescriptor, sink provider.Sink) (provider.SendResult, error) {
	payload, _ := json.Marshal(buildRequest(params, model, true))
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") + "/chat/completions"
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

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	scanner.Split(splitOnDoubleNewline)

	var cumulative strings.Builder
	var finishReason, respID string
	var tokUsage models.TokenUsage
	sawDone := false

	for scanner.Scan() {
		if ctx.Err() != nil {
			e := errs.Wrap(errs.KindTimeout, "openai stream context canceled", ctx.Err()).WithProvider(a.meta.Name)
			sink.OnError(e)
			return provider.SendResult{}, e
		}

		block := bytes.TrimSpace(scanner.Bytes())
		if !bytes.HasPrefix(block, []byte("data:")) {
			continue
		}
		jsonPayload := bytes.TrimSpace(bytes.TrimPrefix(block, []byte("data:")))
		if len(jsonPayload) == 0 {
			continue
		}
		if string(jsonPayload) == "[DONE]" {
			sawDone = true
			break
		}

		var chunk response
		if err := json.Unmarshal(jsonPayload, &chunk); err != nil {
			continue
		}
		respID = chunk.ID
		if chunk.Usage != nil {
			tokUsage = models.TokenUsage{Input: chunk.Usage.PromptTokens, Output: chunk.Usage.CompletionTokens, Total: chunk.Usage.TotalTokens}
		}
		if len(chunk.Choices) > 0 {
			c := chunk.Choices[0]
			if c.Delta.Content != "" {
				cumulative.WriteString(c.Delta.Content)
				sink.OnDelta(c.Delta.Content)
			}
			if c.FinishReason != "" {
				finishReason = c.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		e := errs.Wrap(errs.KindNetwork, "openai stream read failed", err).WithProvider(a.meta.Name)
		sink.OnError(e)
		return provider.SendResult{}, e
	}
	if !sawDone {
		e := errs.New(errs.KindStreamInterrupted, "openai stream ended before [DONE]").
			WithProvider(a.meta.Name).
			WithContext("partial_content", cumulative.String())
		sink.OnError(e)
		return provider.SendResult{}, e
	}

	result := provider.SendResult{
		Content:    cumulative.String(),
		Usage:      tokUsage,
		Cost:       provider.ComputeCost(model, tokUsage),
		Model:      model.ID,
		StopReason: finishReason,
		ProviderID: respID,
	}
	sink.OnComplete(result)
	return result, nil
}

func splitOnDoubleNewline(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[0:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
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
		return errs.Wrap(errs.KindTimeout, "openai request timed out", err).WithProvider(providerName)
	}
	return errs.Wrap(errs.KindNetwork, "openai request failed", err).WithProvider(providerName)
}

func mapError(status int, msg, providerName string, header http.Header) *errs.Error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errs.New(errs.KindAuthentication, msg).WithProvider(providerName)
	case http.StatusTooManyRequests:
		return errs.New(errs.KindRateLimit, msg).WithProvider(providerName).WithRateLimitHint(rateLimitHint(header))
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errs.New(errs.KindInvalidRequest, msg).WithProvider(providerName)
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return errs.New(errs.KindOverloaded, msg).WithProvider(providerName)
	default:
		if status >= 500 {
			return errs.New(errs.KindInternal, msg).WithProvider(providerName)
		}
		return errs.New(errs.KindUnknown, msg).WithProvider(providerName)
	}
}

// rateLimitHint reads OpenAI's rate-limit response headers: a Retry-After
// in seconds, plus the x-ratelimit-remaining-* quota counters.
func rateLimitHint(header http.Header) errs.RateLimitHint {
	var hint errs.RateLimitHint
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			hint.RetryAfterSeconds = secs
			hint.HasRetryAfter = true
		}
	}
	if v := header.Get("x-ratelimit-remaining-requests"); v != "" {
		hint.RequestsRemaining, _ = strconv.Atoi(v)
	}
	if v := header.Get("x-ratelimit-remaining-tokens"); v != "" {
		hint.TokensRemaining, _ = strconv.Atoi(v)
	}
	return hint
}
