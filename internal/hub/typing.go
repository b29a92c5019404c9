package hub

import (
	"sync"
	"time"
)

// typingTracker is the Typing Tracker (component L): per-(user,conversation)
// typing state that auto-expires and rate-limits its own start broadcasts.
type typingTracker struct {
	mu         sync.Mutex
	entries    map[string]*typingEntry
	expiry     time.Duration
	spamWindow time.Duration
	broadcast  func(conversationID, frameType, userID string)
}

type typingEntry struct {
	timer     *time.Timer
	lastStart time.Time
}

func newTypingTracker(expiry, spamWindow time.Duration, broadcast func(conversationID, frameType, userID string)) *typingTracker {
	return &typingTracker{
		entries:    make(map[string]*typingEntry),
		expiry:     expiry,
		spamWindow: spamWindow,
		broadcast:  broadcast,
	}
}

func typingKey(userID, conversationID string) string { return userID + "|" + conversationID }

// Start records a typing:start for (userID, conversationID). Within the
// spam-prevention window of a prior start, the event is ignored entirely:
// no broadcast, and the expiry timer is left running rather than refreshed.
func (t *typingTracker) Start(userID, conversationID string) {
	key := typingKey(userID, conversationID)
	now := time.Now()

	t.mu.Lock()
	entry, exists := t.entries[key]
	if exists && now.Sub(entry.lastStart) < t.spamWindow {
		t.mu.Unlock()
		return
	}
	if !exists {
		entry = &typingEntry{}
		t.entries[key] = entry
	}
	entry.lastStart = now
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(t.expiry, func() { t.expire(userID, conversationID) })
	t.mu.Unlock()

	t.broadcast(conversationID, TypeTypingStart, userID)
}

// Stop clears typing state for (userID, conversationID) and broadcasts
// typing:stop, whether the client asked explicitly or the entry expired.
func (t *typingTracker) Stop(userID, conversationID string) {
	key := typingKey(userID, conversationID)

	t.mu.Lock()
	entry, exists := t.entries[key]
	if exists {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if exists {
		t.broadcast(conversationID, TypeTypingStop, userID)
	}
}

func (t *typingTracker) expire(userID, conversationID string) {
	t.Stop(userID, conversationID)
}

// purgeUser clears every typing entry the given user holds, broadcasting
// typing:stop for each — step 4 of the Cleanup Orchestrator (N).
func (t *typingTracker) purgeUser(userID string) {
	t.mu.Lock()
	var toStop []string
	for key, entry := range t.entries {
		if len(key) > len(userID) && key[:len(userID)] == userID && key[len(userID)] == '|' {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(t.entries, key)
			toStop = append(toStop, key[len(userID)+1:])
		}
	}
	t.mu.Unlock()

	for _, conversationID := range toStop {
		t.broadcast(conversationID, TypeTypingStop, userID)
	}
}
