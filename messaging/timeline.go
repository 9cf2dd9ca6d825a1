package messaging

import (
	"sync"
	"time"

	"github.com/tradeyard/tradeyard-sync/internal/models"
)

// Timeline is the ordered message state for one conversation. The
// ordering key is createdAt; optimistic entries sort after all confirmed
// entries with an earlier or equal timestamp. Deleted messages stay in
// the sequence as tombstones so the relative position of surrounding
// messages never shifts.
//
// The reconciler is the only writer; any number of readers may call
// Messages/Get concurrently.
type Timeline struct {
	mu             sync.RWMutex
	conversationID string
	messages       []models.Message
	index          map[string]int
}

// NewTimeline creates an empty timeline for one conversation.
func NewTimeline(conversationID string) *Timeline {
	return &Timeline{
		conversationID: conversationID,
		index:          make(map[string]int),
	}
}

// ConversationID returns the owning conversation.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}

// Messages returns a copy of the ordered sequence, tombstones included.
func (t *Timeline) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Message, len(t.messages))
	copy(out, t.messages)

	return out
}

// Get returns one message by identity.
func (t *Timeline) Get(id string) (models.Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[id]
	if !ok {
		return models.Message{}, false
	}

	return t.messages[i], true
}

// Len returns the number of entries, tombstones included.
func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.messages)
}

func (t *Timeline) contains(id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	_, ok := t.index[id]

	return ok
}

// orderedBefore reports whether a must render before b. Confirmed entries
// win ties against optimistic ones; otherwise equal keys keep arrival
// order (the new entry is placed after existing equals, so confirmed
// messages already rendered never move).
func orderedBefore(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}

	return !a.Pending && b.Pending
}

// insert places a new message at the last position consistent with the
// ordering, leaving the relative order of existing entries untouched.
// The identity must not already be present.
func (t *Timeline) insert(m models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := len(t.messages)
	for pos > 0 && orderedBefore(m, t.messages[pos-1]) {
		pos--
	}

	t.messages = append(t.messages, models.Message{})
	copy(t.messages[pos+1:], t.messages[pos:])
	t.messages[pos] = m

	t.reindexFrom(pos)
}

// applyEdit mutates the body of a live message. Returns false when the
// edit is a duplicate (editedAt not newer), the target is a tombstone,
// or the identity is unknown, making repeated application a no-op.
func (t *Timeline) applyEdit(id, body string, editedAt *time.Time) bool {
	if editedAt == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return false
	}

	msg := &t.messages[i]
	if msg.IsDeleted {
		return false
	}

	if msg.EditedAt != nil && !editedAt.After(*msg.EditedAt) {
		return false
	}

	msg.Body = body
	at := *editedAt
	msg.EditedAt = &at

	return true
}

// applyDelete tombstones a message. The entry keeps its identity and
// position; the body is blanked so it cannot be rendered. Idempotent.
func (t *Timeline) applyDelete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return false
	}

	msg := &t.messages[i]
	if msg.IsDeleted {
		return false
	}

	msg.IsDeleted = true
	msg.Body = ""

	return true
}

// findPending returns the oldest optimistic entry from the given sender
// whose normalized body matches. Used to replace, never duplicate, an
// optimistic entry when its confirmation arrives.
func (t *Timeline) findPending(senderID, normalizedBody string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, m := range t.messages {
		if m.Pending && m.SenderID == senderID && normalizeBody(m.Body) == normalizedBody {
			return m.ID, true
		}
	}

	return "", false
}

// remove drops an entry entirely. Only used for optimistic placeholders;
// confirmed messages are tombstoned, never removed.
func (t *Timeline) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return false
	}

	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	delete(t.index, id)
	t.reindexFrom(i)

	return true
}

// discardPending drops every optimistic entry. Called on teardown so
// cancelled surfaces leave no in-flight local state behind.
func (t *Timeline) discardPending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var dropped []string
	kept := t.messages[:0]

	for _, m := range t.messages {
		if m.Pending {
			dropped = append(dropped, m.ID)
			delete(t.index, m.ID)
			continue
		}

		kept = append(kept, m)
	}

	t.messages = kept
	t.reindexFrom(0)

	return dropped
}

// reindexFrom rebuilds the identity index for positions >= start.
// Callers hold the write lock.
func (t *Timeline) reindexFrom(start int) {
	for i := start; i < len(t.messages); i++ {
		t.index[t.messages[i].ID] = i
	}
}
