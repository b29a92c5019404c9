package hub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingBroadcast struct {
	conversationID string
	frameType      string
	userID         string
}

func newRecordingTracker(expiry, spamWindow time.Duration) (*typingTracker, func() []typingBroadcast) {
	var mu sync.Mutex
	var events []typingBroadcast
	tracker := newTypingTracker(expiry, spamWindow, func(conversationID, frameType, userID string) {
		mu.Lock()
		events = append(events, typingBroadcast{conversationID, frameType, userID})
		mu.Unlock()
	})
	return tracker, func() []typingBroadcast {
		mu.Lock()
		defer mu.Unlock()
		out := make([]typingBroadcast, len(events))
		copy(out, events)
		return out
	}
}

func TestTypingTracker_StartBroadcastsOnce(t *testing.T) {
	tracker, events := newRecordingTracker(time.Minute, time.Minute)
	tracker.Start("u1", "c1")

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, TypeTypingStart, got[0].frameType)
}

func TestTypingTracker_RepeatedStartWithinSpamWindowSuppressed(t *testing.T) {
	tracker, events := newRecordingTracker(time.Minute, time.Minute)
	tracker.Start("u1", "c1")
	tracker.Start("u1", "c1")
	tracker.Start("u1", "c1")

	assert.Len(t, events(), 1, "starts inside the spam window should not re-broadcast")
}

func TestTypingTracker_SuppressedStartDoesNotRefreshExpiry(t *testing.T) {
	tracker, events := newRecordingTracker(30*time.Millisecond, time.Minute)
	tracker.Start("u1", "c1")
	time.Sleep(20 * time.Millisecond)
	tracker.Start("u1", "c1") // within the one-minute spam window: ignored entirely

	// If the suppressed call had refreshed the timer it would expire around
	// t+50ms; it must instead still expire around the original t+30ms.
	require.Eventually(t, func() bool {
		got := events()
		return len(got) == 2 && got[1].frameType == TypeTypingStop
	}, 40*time.Millisecond, 2*time.Millisecond)
}

func TestTypingTracker_StartAfterSpamWindowBroadcastsAgain(t *testing.T) {
	tracker, events := newRecordingTracker(time.Minute, 10*time.Millisecond)
	tracker.Start("u1", "c1")
	time.Sleep(15 * time.Millisecond)
	tracker.Start("u1", "c1")

	assert.Len(t, events(), 2)
}

func TestTypingTracker_StopBroadcasts(t *testing.T) {
	tracker, events := newRecordingTracker(time.Minute, time.Minute)
	tracker.Start("u1", "c1")
	tracker.Stop("u1", "c1")

	got := events()
	require.Len(t, got, 2)
	assert.Equal(t, TypeTypingStop, got[1].frameType)
}

func TestTypingTracker_StopOnUnknownEntryIsNoop(t *testing.T) {
	tracker, events := newRecordingTracker(time.Minute, time.Minute)
	tracker.Stop("ghost", "nowhere")

	assert.Empty(t, events())
}

func TestTypingTracker_ExpiresAutomatically(t *testing.T) {
	tracker, events := newRecordingTracker(15*time.Millisecond, time.Minute)
	tracker.Start("u1", "c1")

	require.Eventually(t, func() bool {
		got := events()
		return len(got) == 2 && got[1].frameType == TypeTypingStop
	}, time.Second, 5*time.Millisecond)
}

func TestTypingTracker_PurgeUserStopsAllConversations(t *testing.T) {
	tracker, events := newRecordingTracker(time.Minute, time.Minute)
	tracker.Start("u1", "c1")
	tracker.Start("u1", "c2")
	tracker.Start("u2", "c1")

	tracker.purgeUser("u1")

	got := events()
	stopsForU1 := 0
	for _, e := range got {
		if e.userID == "u1" && e.frameType == TypeTypingStop {
			stopsForU1++
		}
	}
	assert.Equal(t, 2, stopsForU1)
}
