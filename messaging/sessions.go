package messaging

import (
	"sort"
	"sync"
	"time"

	"github.com/tradeyard/tradeyard-sync/internal/models"
)

// SessionStore holds the conversation list with per-participant unread
// counters and last-message previews. Single writer (the reconciler),
// many readers (the rendering layer).
//
// Unread counts are monotone under merge: a pulled snapshot can only
// raise a counter, never lower it. The only way a counter drops is the
// explicit read action, whose timestamp is recorded so a stale snapshot
// taken before the read cannot resurrect the old count.
type SessionStore struct {
	mu     sync.RWMutex
	byID   map[string]models.Conversation
	readAt map[string]time.Time
}

// NewSessionStore creates an empty conversation store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:   make(map[string]models.Conversation),
		readAt: make(map[string]time.Time),
	}
}

// List returns the conversations sorted by lastMessageAt descending.
func (s *SessionStore) List() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Conversation, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, cloneConversation(c))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// Get returns one conversation by identity.
func (s *SessionStore) Get(id string) (models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	if !ok {
		return models.Conversation{}, false
	}

	return cloneConversation(c), true
}

// Unread returns the unread badge for one conversation and participant.
func (s *SessionStore) Unread(conversationID, participantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return 0
	}

	return c.UnreadCount[participantID]
}

// TotalUnread returns the aggregate unread count for a participant.
func (s *SessionStore) TotalUnread(participantID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, c := range s.byID {
		total += c.UnreadCount[participantID]
	}

	return total
}

// mergeSnapshot folds a pulled conversation into the store. Counters
// only ratchet upward; a snapshot predating the local read action for
// the conversation cannot restore the pre-read count.
func (s *SessionStore) mergeSnapshot(c models.Conversation, selfID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := cloneConversation(c)
	if merged.UnreadCount == nil {
		merged.UnreadCount = make(map[string]int)
	}

	if local, ok := s.byID[c.ID]; ok {
		for participant, n := range local.UnreadCount {
			if n > merged.UnreadCount[participant] {
				merged.UnreadCount[participant] = n
			}
		}

		if local.LastMessageAt.After(merged.LastMessageAt) {
			merged.LastMessage = local.LastMessage
			merged.LastMessageAt = local.LastMessageAt
		}
	}

	if readAt, ok := s.readAt[c.ID]; ok && !merged.LastMessageAt.After(readAt) {
		merged.UnreadCount[selfID] = 0
	}

	s.byID[c.ID] = merged
}

// bumpPreview updates the last-message preview if the event is newer.
func (s *SessionStore) bumpPreview(conversationID, preview string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return
	}

	if at.Before(c.LastMessageAt) {
		return
	}

	c.LastMessage = preview
	c.LastMessageAt = at
	s.byID[conversationID] = c
}

// incrementUnread adds exactly one to a participant's counter. Increment
// events commute, so arrival order does not affect the final count.
func (s *SessionStore) incrementUnread(conversationID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return
	}

	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}

	c.UnreadCount[participantID]++
	s.byID[conversationID] = c
}

// resetUnread zeroes a participant's counter. This is the explicit read
// action, the only operation allowed to lower a counter. The read time
// is recorded so later snapshot merges cannot undo it; an increment that
// is logically after the reset still wins.
func (s *SessionStore) resetUnread(conversationID, participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return
	}

	if c.UnreadCount == nil {
		c.UnreadCount = make(map[string]int)
	}

	c.UnreadCount[participantID] = 0
	s.byID[conversationID] = c
	s.readAt[conversationID] = time.Now()
}

func cloneConversation(c models.Conversation) models.Conversation {
	out := c
	out.UnreadCount = make(map[string]int, len(c.UnreadCount))
	for k, v := range c.UnreadCount {
		out.UnreadCount[k] = v
	}

	return out
}
