// Package ratelimit implements the Per-Connection Rate Limiter (component
// K): a token-bucket-style counter bounding inbound message-producing
// frames per connection per window.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds one connection's inbound message-producing frames to N per
// W, refilling continuously rather than on a hard window boundary — the
// conceptual token bucket spec.md §4.3 and the GLOSSARY both describe.
type Limiter struct {
	mu  sync.Mutex
	lim *rate.Limiter
}

// New returns a Limiter allowing messages inbound events per window,
// bursting up to the full allowance immediately (so a freshly connected
// client can send its first `messages` frames without delay).
func New(messages int, window time.Duration) *Limiter {
	if messages <= 0 {
		messages = 1
	}
	every := rate.Every(window / time.Duration(messages))
	return &Limiter{lim: rate.NewLimiter(every, messages)}
}

// Allow reports whether a new message-producing frame may be accepted now.
// It consumes a token on success and leaves the bucket untouched on
// rejection.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lim.Allow()
}
