package messaging

import (
	"sort"
	"sync"

	"github.com/tradeyard/tradeyard-sync/internal/models"
)

// FeedFilter selects a notification view.
type FeedFilter string

const (
	FilterAll    FeedFilter = "all"
	FilterUnread FeedFilter = "unread"
	FilterRead   FeedFilter = "read"
)

// Feed holds the notification list. Same single-writer shape as the
// other stores; lighter weight than the timeline since notifications
// have no edit or delete lifecycle, only insertion and a one-way read
// flip.
type Feed struct {
	mu   sync.RWMutex
	byID map[string]models.Notification
}

// NewFeed creates an empty notification feed.
func NewFeed() *Feed {
	return &Feed{byID: make(map[string]models.Notification)}
}

// List returns the filtered view, newest first.
func (f *Feed) List(filter FeedFilter) []models.Notification {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]models.Notification, 0, len(f.byID))
	for _, n := range f.byID {
		switch filter {
		case FilterUnread:
			if n.IsRead {
				continue
			}
		case FilterRead:
			if !n.IsRead {
				continue
			}
		}

		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// Get returns one notification by identity.
func (f *Feed) Get(id string) (models.Notification, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	n, ok := f.byID[id]

	return n, ok
}

// UnreadCount returns the aggregate unread total for the bell badge.
func (f *Feed) UnreadCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	count := 0
	for _, n := range f.byID {
		if !n.IsRead {
			count++
		}
	}

	return count
}

// merge folds a pushed or pulled notification into the feed. The read
// flag only flips false to true; replaying the same record is a no-op.
// Returns true when the merge changed local state.
func (f *Feed) merge(n models.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, ok := f.byID[n.ID]
	if !ok {
		f.byID[n.ID] = n
		return true
	}

	if n.IsRead && !existing.IsRead {
		existing.IsRead = true
		f.byID[n.ID] = existing

		return true
	}

	return false
}

// markRead flips one notification. Idempotent.
func (f *Feed) markRead(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, ok := f.byID[id]
	if !ok || n.IsRead {
		return false
	}

	n.IsRead = true
	f.byID[id] = n

	return true
}

// markAllRead flips every currently-known notification and returns the
// identities it changed. A notification arriving after this call is
// unaffected and correctly reintroduces an unread count of one.
func (f *Feed) markAllRead() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var flipped []string

	for id, n := range f.byID {
		if n.IsRead {
			continue
		}

		n.IsRead = true
		f.byID[id] = n
		flipped = append(flipped, id)
	}

	return flipped
}
