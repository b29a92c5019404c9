// Package provider implements the Provider Adapter contract (G), the Model
// Registry (C), and the Provider Factory (H).
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"chatbridge/internal/config"
	"chatbridge/internal/errs"
	"chatbridge/internal/models"
	"chatbridge/internal/resilience"
)

// Capabilities flags a provider's supported features.
type Capabilities struct {
	Streaming       bool
	Vision          bool
	FunctionCalling bool
	PromptCaching   bool
	JSONMode        bool
}

// ModelDescriptor is one entry of the Model Registry (component C).
type ModelDescriptor struct {
	ID                    string
	ContextWindow         int
	MaxOutputTokens       int
	InputPricePerMillion  float64
	OutputPricePerMillion float64
	Deprecated            bool
}

// Metadata is what metadata() returns per spec.md §4.6.
type Metadata struct {
	Name         string
	Capabilities Capabilities
	Models       []ModelDescriptor
	DefaultModel string
}

// ChatMessage is one entry of the conversation history passed to Send/Stream.
type ChatMessage struct {
	Role    models.Role
	Content string
}

// SendParams is the uniform input to Send and Stream.
type SendParams struct {
	MessageID     string
	Model         string // optional override; empty selects the adapter default
	Messages      []ChatMessage
	SystemPrompt  string
	MaxTokens     int
}

// SendResult is the uniform output of Send and Stream.
type SendResult struct {
	Content    string
	Usage      models.TokenUsage
	Cost       models.Cost
	Model      string
	StopReason string
	ProviderID string
}

// Sink receives streaming events per spec.md §9's sink interface guidance:
// a single producer, a single consumer, no implicit back-pressure — the
// adapter must not block its read loop waiting on the consumer.
type Sink interface {
	OnStart(messageID, model string)
	OnDelta(content string)
	OnComplete(result SendResult)
	OnError(err error)
}

// Adapter is component G's uniform contract, implemented once per upstream
// vendor.
type Adapter interface {
	Metadata() Metadata
	TestConnection(ctx context.Context) (bool, error)
	Send(ctx context.Context, params SendParams) (SendResult, error)
	Stream(ctx context.Context, params SendParams, sink Sink) (SendResult, error)
}

// SelectModel implements the model-selection half of spec.md §4.6: an
// explicit override wins, falling back to the adapter's default; unknown
// or deprecated models are rejected with invalid_request.
func SelectModel(meta Metadata, override string) (ModelDescriptor, error) {
	id := override
	if id == "" {
		id = meta.DefaultModel
	}
	for _, m := range meta.Models {
		if m.ID == id {
			if m.Deprecated {
				return ModelDescriptor{}, errs.New(errs.KindInvalidRequest,
					fmt.Sprintf("model %q is deprecated", id))
			}
			return m, nil
		}
	}
	return ModelDescriptor{}, errs.New(errs.KindInvalidRequest, fmt.Sprintf("unknown model %q", id))
}

// ValidateSystemPrompt implements spec.md §4.6's system-prompt range check.
func ValidateSystemPrompt(prompt string) error {
	if prompt == "" {
		return nil
	}
	if len(prompt) < 10 || len(prompt) > 10_000 {
		return errs.New(errs.KindInvalidRequest, "system prompt must be between 10 and 10000 characters")
	}
	return nil
}

// ComputeCost applies a model's per-million pricing to reported token usage.
func ComputeCost(m ModelDescriptor, usage models.TokenUsage) models.Cost {
	in := float64(usage.Input) / 1_000_000 * m.InputPricePerMillion
	out := float64(usage.Output) / 1_000_000 * m.OutputPricePerMillion
	return models.Cost{Input: in, Output: out, Total: in + out, Currency: "USD"}
}

// Resilient wraps every Send/Stream call with the Circuit Breaker (F) and
// then the Rate-Limit Coordinator (E), as required by spec.md §4.6:
// "Every send and stream is wrapped (inside the adapter) by the Circuit
// Breaker ... and then by the Rate-Limit Coordinator."
type Resilient struct {
	Breakers    *resilience.BreakerRegistry
	Coordinator *resilience.Coordinator
	Provider    string
}

// BreakerKey is the (provider, operation kind, model) tuple the GLOSSARY
// names.
func (r Resilient) BreakerKey(op, model string) string {
	return fmt.Sprintf("%s:%s:%s", r.Provider, op, model)
}

// Call runs thunk through the breaker then the coordinator, and returns the
// thunk's typed result.
func (r Resilient) Call(key, label string, thunk func() (SendResult, error)) (SendResult, error) {
	var out SendResult
	err := r.Breakers.Execute(key, nil, func() error {
		res, err := r.Coordinator.Execute(label, func() (any, error) {
			return thunk()
		})
		if err != nil {
			return err
		}
		out = res.(SendResult)
		return nil
	})
	return out, err
}

// --- Provider Factory (component H) ---

// Constructor builds an Adapter from provider config plus the shared
// resilience layer it must wrap its own calls with.
type Constructor func(cfg config.ProviderConfig, res Resilient) (Adapter, error)

// Factory is component H: a singleton registry of adapter constructors and
// a cache of already-built adapters keyed by (kind, credential hash, org).
type Factory struct {
	mu            sync.Mutex
	constructors  map[string]Constructor
	cache         map[string]Adapter
	breakers      *resilience.BreakerRegistry
	defaultPolicy resilience.RetryPolicy
}

// NewFactory returns an empty Factory. Breaker/coordinator configuration is
// shared across every adapter it constructs.
func NewFactory(breakers *resilience.BreakerRegistry, policy resilience.RetryPolicy) *Factory {
	return &Factory{
		constructors:  make(map[string]Constructor),
		cache:         make(map[string]Adapter),
		breakers:      breakers,
		defaultPolicy: policy,
	}
}

// Register associates a provider kind with its constructor.
func (f *Factory) Register(kind string, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

func cacheKey(cfg config.ProviderConfig) string {
	sum := sha256.Sum256([]byte(cfg.APIKey))
	return fmt.Sprintf("%s:%s:%s", cfg.Kind, hex.EncodeToString(sum[:8]), cfg.Organization)
}

// Create returns a cached adapter for cfg, or builds and caches a new one.
// forceNew bypasses the cache. Validation follows spec.md §4.7.
func (f *Factory) Create(cfg config.ProviderConfig, forceNew bool) (Adapter, error) {
	if err := validateProviderConfig(f, cfg); err != nil {
		return nil, err
	}

	key := cacheKey(cfg)
	f.mu.Lock()
	if !forceNew {
		if a, ok := f.cache[key]; ok {
			f.mu.Unlock()
			return a, nil
		}
	}
	ctor := f.constructors[cfg.Kind]
	f.mu.Unlock()

	adapter, err := ctor(cfg, Resilient{
		Breakers:    f.breakers,
		Coordinator: resilience.NewCoordinator(f.defaultPolicy),
		Provider:    cfg.Kind,
	})
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.cache[key] = adapter
	f.mu.Unlock()
	return adapter, nil
}

// ClearCache calls Close (if implemented) on every cached adapter and
// empties the cache.
func (f *Factory) ClearCache() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, a := range f.cache {
		if closer, ok := a.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		delete(f.cache, key)
	}
}

func validateProviderConfig(f *Factory, cfg config.ProviderConfig) error {
	f.mu.Lock()
	_, registered := f.constructors[cfg.Kind]
	f.mu.Unlock()

	switch {
	case !registered:
		return errs.New(errs.KindValidation, fmt.Sprintf("provider kind %q is not registered", cfg.Kind))
	case cfg.APIKey == "":
		return errs.New(errs.KindValidation, "provider credential must not be empty")
	case cfg.DefaultModel == "":
		return errs.New(errs.KindValidation, "provider default model must not be empty")
	case cfg.MaxTokens <= 0:
		return errs.New(errs.KindValidation, "provider max tokens must be > 0")
	case cfg.Timeout <= 0:
		return errs.New(errs.KindValidation, "provider timeout must be > 0")
	case cfg.MaxRetries < 0:
		return errs.New(errs.KindValidation, "provider max retries must be >= 0")
	}
	return nil
}
