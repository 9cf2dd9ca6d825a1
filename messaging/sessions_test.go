package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/tradeyard-sync/internal/models"
)

func conv(id string, lastAt time.Time, unread map[string]int) models.Conversation {
	return models.Conversation{
		ID:            id,
		ListingID:     "listing-" + id,
		BuyerID:       "buyer",
		SellerID:      "seller",
		LastMessage:   "preview " + id,
		LastMessageAt: lastAt,
		UnreadCount:   unread,
	}
}

// --- mergeSnapshot ---

func TestSessions_MergeSnapshotInsertsNew(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 2}), "buyer")

	got, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, 2, got.UnreadCount["buyer"])
}

func TestSessions_MergeSnapshotIsIdempotent(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	c := conv("c1", at, map[string]int{"buyer": 3})

	s.mergeSnapshot(c, "buyer")
	s.mergeSnapshot(c, "buyer")
	s.mergeSnapshot(c, "buyer")

	assert.Equal(t, 3, s.Unread("c1", "buyer"), "replaying the same snapshot changes nothing")
}

func TestSessions_MergeNeverLowersUnread(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 1}), "buyer")
	s.incrementUnread("c1", "buyer")
	s.incrementUnread("c1", "buyer")
	require.Equal(t, 3, s.Unread("c1", "buyer"))

	// A snapshot taken before the pushed increments carries a lower count.
	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 1}), "buyer")

	assert.Equal(t, 3, s.Unread("c1", "buyer"), "merge must not decrease the counter")
}

func TestSessions_MergeKeepsNewerLocalPreview(t *testing.T) {
	s := NewSessionStore()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", base, nil), "buyer")
	s.bumpPreview("c1", "fresh from push", base.Add(time.Minute))

	// Stale snapshot with the older preview.
	s.mergeSnapshot(conv("c1", base, nil), "buyer")

	got, _ := s.Get("c1")
	assert.Equal(t, "fresh from push", got.LastMessage)
	assert.Equal(t, base.Add(time.Minute), got.LastMessageAt)
}

// --- unread lifecycle ---

func TestSessions_IncrementsCommute(t *testing.T) {
	a := NewSessionStore()
	b := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	a.mergeSnapshot(conv("c1", at, nil), "buyer")
	b.mergeSnapshot(conv("c1", at, nil), "buyer")

	// Same increments in different order.
	a.incrementUnread("c1", "buyer")
	a.incrementUnread("c1", "seller")
	a.incrementUnread("c1", "buyer")

	b.incrementUnread("c1", "buyer")
	b.incrementUnread("c1", "buyer")
	b.incrementUnread("c1", "seller")

	assert.Equal(t, a.Unread("c1", "buyer"), b.Unread("c1", "buyer"))
	assert.Equal(t, a.Unread("c1", "seller"), b.Unread("c1", "seller"))
}

func TestSessions_ResetOnlyByExplicitRead(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 5}), "buyer")
	s.resetUnread("c1", "buyer")
	assert.Equal(t, 0, s.Unread("c1", "buyer"))

	// A stale snapshot from before the read carries the old count. The
	// recorded read time suppresses it.
	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 5}), "buyer")
	assert.Equal(t, 0, s.Unread("c1", "buyer"), "stale snapshot must not resurrect the count")
}

func TestSessions_IncrementAfterResetWins(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 5}), "buyer")
	s.resetUnread("c1", "buyer")

	// New message lands after the read.
	s.incrementUnread("c1", "buyer")
	s.bumpPreview("c1", "new one", time.Now())

	assert.Equal(t, 1, s.Unread("c1", "buyer"))

	// A snapshot reflecting the post-read message keeps the count.
	s.mergeSnapshot(conv("c1", time.Now(), map[string]int{"buyer": 1}), "buyer")
	assert.Equal(t, 1, s.Unread("c1", "buyer"))
}

func TestSessions_UnreadTrackedPerParticipant(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 2, "seller": 7}), "buyer")

	assert.Equal(t, 2, s.Unread("c1", "buyer"))
	assert.Equal(t, 7, s.Unread("c1", "seller"))

	s.resetUnread("c1", "buyer")
	assert.Equal(t, 0, s.Unread("c1", "buyer"))
	assert.Equal(t, 7, s.Unread("c1", "seller"), "resetting one participant leaves the other")
}

func TestSessions_TotalUnread(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 2}), "buyer")
	s.mergeSnapshot(conv("c2", at, map[string]int{"buyer": 3}), "buyer")

	assert.Equal(t, 5, s.TotalUnread("buyer"))
}

// --- ordering ---

func TestSessions_ListSortsByLastMessageDesc(t *testing.T) {
	s := NewSessionStore()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("old", base, nil), "buyer")
	s.mergeSnapshot(conv("new", base.Add(time.Hour), nil), "buyer")
	s.mergeSnapshot(conv("mid", base.Add(time.Minute), nil), "buyer")

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "mid", list[1].ID)
	assert.Equal(t, "old", list[2].ID)
}

func TestSessions_BumpPreviewIgnoresOlder(t *testing.T) {
	s := NewSessionStore()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	s.mergeSnapshot(conv("c1", base, nil), "buyer")
	s.bumpPreview("c1", "stale", base.Add(-time.Hour))

	got, _ := s.Get("c1")
	assert.Equal(t, "preview c1", got.LastMessage)
}

func TestSessions_GetReturnsCopy(t *testing.T) {
	s := NewSessionStore()
	at := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	s.mergeSnapshot(conv("c1", at, map[string]int{"buyer": 1}), "buyer")

	got, _ := s.Get("c1")
	got.UnreadCount["buyer"] = 99

	assert.Equal(t, 1, s.Unread("c1", "buyer"), "callers cannot mutate store state")
}
