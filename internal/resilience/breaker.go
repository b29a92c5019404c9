// Package resilience implements the Rate-Limit Coordinator (E) and the
// Circuit Breaker Registry (F), the two layers every Provider Adapter call
// is wrapped in before it ever reaches the upstream LLM.
package resilience

import (
	"fmt"
	"log"
	"sync"
	"time"

	"chatbridge/internal/errs"
)

// State is a breaker's position in the closed/open/half-open machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures one keyed breaker (spec.md §4.5 defaults).
type BreakerConfig struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	MonitorWindow    time.Duration
	OnStateChange    func(key string, from, to State)
}

// DefaultBreakerConfig returns spec.md §4.5's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MonitorWindow:    120 * time.Second,
	}
}

// BreakerStats is the snapshot returned by getStats(key).
type BreakerStats struct {
	State             State
	ConsecutiveOK     int
	FailuresInWindow  int
	NextAttemptTime   time.Time
	TotalCalls        uint64
	TotalFailures     uint64
	TotalRejections   uint64
}

type breaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           State
	failureTimes    []time.Time
	consecutiveOK   int
	nextAttemptTime time.Time
	halfOpenInUse   bool

	totalCalls      uint64
	totalFailures   uint64
	totalRejections uint64
}

// BreakerRegistry is component F: a keyed set of circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	defaults BreakerConfig
}

// NewBreakerRegistry returns a registry applying def to any key that has no
// explicit per-call config.
func NewBreakerRegistry(def BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{breakers: make(map[string]*breaker), defaults: def}
}

func (r *BreakerRegistry) get(key string, cfg *BreakerConfig) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	c := r.defaults
	if cfg != nil {
		c = *cfg
	}
	b := &breaker{cfg: c, state: StateClosed}
	r.breakers[key] = b
	return b
}

// Execute runs thunk under the breaker keyed by key, per the state machine
// in spec.md §4.5. A nil cfg uses the registry's default config for a
// first-seen key.
func (r *BreakerRegistry) Execute(key string, cfg *BreakerConfig, thunk func() error) error {
	b := r.get(key, cfg)
	return b.call(key, thunk)
}

func (b *breaker) call(key string, thunk func() error) error {
	b.mu.Lock()
	b.totalCalls++
	switch b.state {
	case StateOpen:
		if time.Now().Before(b.nextAttemptTime) {
			b.totalRejections++
			wait := time.Until(b.nextAttemptTime)
			b.mu.Unlock()
			return errs.New(errs.KindOverloaded,
				fmt.Sprintf("circuit open for %q, try again in %.0fs", key, wait.Seconds())).
				WithRetryable(false)
		}
		b.setState(key, StateHalfOpen)
		b.halfOpenInUse = true
	case StateHalfOpen:
		if b.halfOpenInUse {
			b.totalRejections++
			b.mu.Unlock()
			return errs.New(errs.KindOverloaded,
				fmt.Sprintf("circuit half-open for %q, trial call already in flight", key)).
				WithRetryable(false)
		}
		b.halfOpenInUse = true
	}
	b.mu.Unlock()

	err := thunk()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.halfOpenInUse = false
	}
	if err != nil {
		b.onFailure(key)
		return err
	}
	b.onSuccess(key)
	return nil
}

func (b *breaker) onSuccess(key string) {
	switch b.state {
	case StateClosed:
		b.failureTimes = nil
	case StateHalfOpen:
		b.consecutiveOK++
		if b.consecutiveOK >= b.cfg.SuccessThreshold {
			b.setState(key, StateClosed)
			b.failureTimes = nil
			b.consecutiveOK = 0
		}
	}
}

func (b *breaker) onFailure(key string) {
	b.totalFailures++
	now := time.Now()
	b.failureTimes = append(b.failureTimes, now)
	b.pruneFailures(now)

	switch b.state {
	case StateClosed:
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.nextAttemptTime = now.Add(b.cfg.Timeout)
			b.setState(key, StateOpen)
		}
	case StateHalfOpen:
		b.consecutiveOK = 0
		b.nextAttemptTime = now.Add(b.cfg.Timeout)
		b.setState(key, StateOpen)
	}
}

// pruneFailures discards failure timestamps older than the monitoring
// window, per spec.md §4.5.
func (b *breaker) pruneFailures(now time.Time) {
	cutoff := now.Add(-b.cfg.MonitorWindow)
	kept := b.failureTimes[:0]
	for _, t := range b.failureTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failureTimes = kept
}

func (b *breaker) setState(key string, to State) {
	from := b.state
	b.state = to
	log.Printf("[Breaker] %s: %s -> %s", key, from, to)
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(key, from, to)
	}
}

// GetStats returns a snapshot for key, or false if the key has never been
// called through this registry.
func (r *BreakerRegistry) GetStats(key string) (BreakerStats, bool) {
	r.mu.Lock()
	b, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return BreakerStats{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneFailures(time.Now())
	return BreakerStats{
		State:            b.state,
		ConsecutiveOK:    b.consecutiveOK,
		FailuresInWindow: len(b.failureTimes),
		NextAttemptTime:  b.nextAttemptTime,
		TotalCalls:       b.totalCalls,
		TotalFailures:    b.totalFailures,
		TotalRejections:  b.totalRejections,
	}, true
}

// ResetAll forces every known breaker back to closed.
func (r *BreakerRegistry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.breakers {
		b.mu.Lock()
		b.state = StateClosed
		b.failureTimes = nil
		b.consecutiveOK = 0
		b.halfOpenInUse = false
		b.mu.Unlock()
		log.Printf("[Breaker] %s: reset to closed", key)
	}
}
