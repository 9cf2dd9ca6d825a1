package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/tradeyard-sync/internal/models"
)

func notif(id string, read bool, at time.Time) models.Notification {
	return models.Notification{
		ID:          id,
		RecipientID: "u1",
		Type:        models.NotificationInfo,
		Title:       "title " + id,
		Message:     "body " + id,
		IsRead:      read,
		CreatedAt:   at,
	}
}

// --- merge ---

func TestFeed_MergeInsertsAndDeduplicates(t *testing.T) {
	f := NewFeed()
	n := notif("n1", false, time.Now())

	assert.True(t, f.merge(n))
	assert.False(t, f.merge(n), "same record again is a no-op")
	assert.Equal(t, 1, f.UnreadCount())
}

func TestFeed_MergeReadFlagOnlyFlipsForward(t *testing.T) {
	f := NewFeed()
	at := time.Now()

	require.True(t, f.merge(notif("n1", false, at)))
	require.True(t, f.merge(notif("n1", true, at)), "unread to read is a change")

	// A stale unread copy cannot flip it back.
	assert.False(t, f.merge(notif("n1", false, at)))

	got, _ := f.Get("n1")
	assert.True(t, got.IsRead)
}

// --- read actions ---

func TestFeed_MarkReadIdempotent(t *testing.T) {
	f := NewFeed()
	f.merge(notif("n1", false, time.Now()))

	assert.True(t, f.markRead("n1"))
	assert.False(t, f.markRead("n1"))
	assert.False(t, f.markRead("ghost"))
	assert.Equal(t, 0, f.UnreadCount())
}

func TestFeed_MarkAllReadThenNewArrival(t *testing.T) {
	f := NewFeed()
	at := time.Now()

	f.merge(notif("n1", false, at))
	f.merge(notif("n2", false, at))
	f.merge(notif("n3", true, at))

	flipped := f.markAllRead()
	assert.ElementsMatch(t, []string{"n1", "n2"}, flipped)
	assert.Equal(t, 0, f.UnreadCount())

	// A notification arriving after the bulk read is unaffected by it.
	f.merge(notif("n4", false, at.Add(time.Second)))
	assert.Equal(t, 1, f.UnreadCount())

	got, _ := f.Get("n4")
	assert.False(t, got.IsRead)
}

// --- views ---

func TestFeed_ListFiltersAndSortsNewestFirst(t *testing.T) {
	f := NewFeed()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	f.merge(notif("old-unread", false, base))
	f.merge(notif("new-read", true, base.Add(time.Hour)))
	f.merge(notif("mid-unread", false, base.Add(time.Minute)))

	all := f.List(FilterAll)
	require.Len(t, all, 3)
	assert.Equal(t, "new-read", all[0].ID)
	assert.Equal(t, "mid-unread", all[1].ID)
	assert.Equal(t, "old-unread", all[2].ID)

	unread := f.List(FilterUnread)
	require.Len(t, unread, 2)
	assert.Equal(t, "mid-unread", unread[0].ID)

	read := f.List(FilterRead)
	require.Len(t, read, 1)
	assert.Equal(t, "new-read", read[0].ID)
}
