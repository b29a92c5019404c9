package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNew_AllowsBurstUpToMessages(t *testing.T) {
	l := New(5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow(), "message %d within burst should be allowed", i+1)
	}
	assert.False(t, l.Allow(), "6th message should be rejected once the burst is spent")
}

func TestNew_ZeroOrNegativeMessagesFloorsToOne(t *testing.T) {
	l := New(0, time.Minute)

	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
}

func TestLimiter_RefillsOverTime(t *testing.T) {
	l := New(1, 20*time.Millisecond)

	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	time.Sleep(30 * time.Millisecond)
	assert.True(t, l.Allow(), "token should have refilled after the window elapsed")
}
