package messaging

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tradeyard/tradeyard-sync/internal/metrics"
	"github.com/tradeyard/tradeyard-sync/internal/models"
	"github.com/tradeyard/tradeyard-sync/internal/state"
	"golang.org/x/text/unicode/norm"
)

// optimisticPrefix namespaces client-generated identities so they can
// never collide with server-assigned ones.
const optimisticPrefix = "optimistic-"

// maxMutationRefetches bounds how many message snapshots may land without
// the base message before a buffered mutation is dropped. Covers targets
// older than the snapshot page, which no refetch will ever return.
const maxMutationRefetches = 3

// refetchFunc requests a forced message fetch for one conversation.
type refetchFunc func(conversationID string)

// Reconciler merges push events and pull snapshots into one consistent
// local view. Identity is the merge key: a pushed event and a pulled
// record for the same entity converge to the same final state regardless
// of arrival order, and applying the same change twice is a no-op.
//
// All mutating methods must be called from the engine loop goroutine;
// the stores it writes to are safe for concurrent readers.
type Reconciler struct {
	logger *slog.Logger

	selfID   string
	sessions *SessionStore
	feed     *Feed

	timelines   map[string]*Timeline
	timelinesMu sync.RWMutex

	// open is the conversation currently on screen. New messages for any
	// other conversation bump that conversation's unread badge and do not
	// trigger a message fetch (lazy load on open).
	open string

	// buffered holds edit/delete events that raced ahead of their base
	// message, keyed by message identity. Replayed once the base lands,
	// dropped after maxMutationRefetches snapshots miss it.
	buffered map[string][]Event
	misses   map[string]int

	// loaded marks conversations whose cached messages have been folded
	// into the timeline.
	loaded map[string]bool

	refetch refetchFunc

	// refetchConversations forces a conversation-list fetch. Used when a
	// message arrives for a conversation not yet in the store.
	refetchConversations func()

	store *state.State
}

// NewReconciler wires the reconciler to its stores. store may be nil in
// tests; persistence is best effort and never affects merge results.
func NewReconciler(selfID string, sessions *SessionStore, feed *Feed, appState *state.State, refetch refetchFunc, refetchConversations func(), logger *slog.Logger) *Reconciler {
	if refetch == nil {
		refetch = func(string) {}
	}

	if refetchConversations == nil {
		refetchConversations = func() {}
	}

	return &Reconciler{
		logger:               logger,
		selfID:               selfID,
		sessions:             sessions,
		feed:                 feed,
		timelines:            make(map[string]*Timeline),
		buffered:             make(map[string][]Event),
		misses:               make(map[string]int),
		loaded:               make(map[string]bool),
		refetch:              refetch,
		refetchConversations: refetchConversations,
		store:                appState,
	}
}

// normalizeBody canonicalizes message text for optimistic matching.
// The server may return a different Unicode representation of the same
// body, so comparison happens on the NFC form.
func normalizeBody(body string) string {
	return norm.NFC.String(strings.TrimSpace(body))
}

// Timeline returns the timeline for a conversation, or nil when no
// messages have been seen for it.
func (r *Reconciler) Timeline(conversationID string) *Timeline {
	r.timelinesMu.RLock()
	defer r.timelinesMu.RUnlock()

	return r.timelines[conversationID]
}

func (r *Reconciler) ensureTimeline(conversationID string) *Timeline {
	r.timelinesMu.Lock()
	defer r.timelinesMu.Unlock()

	tl, ok := r.timelines[conversationID]
	if !ok {
		tl = NewTimeline(conversationID)
		r.timelines[conversationID] = tl
	}

	return tl
}

// SetOpenConversation records which conversation is on screen. Cached
// messages are folded into its timeline on first open.
func (r *Reconciler) SetOpenConversation(conversationID string) {
	r.open = conversationID

	if conversationID != "" && !r.loaded[conversationID] {
		r.loadCachedMessages(conversationID)
		r.loaded[conversationID] = true
	}
}

// OpenConversation returns the conversation currently on screen.
func (r *Reconciler) OpenConversation() string {
	return r.open
}

// WarmStart seeds the stores from the persistent cache so the UI has
// data before the first snapshot or event arrives.
func (r *Reconciler) WarmStart() {
	if r.store == nil {
		return
	}

	conversations, err := r.store.AllConversations(r.selfID)
	if err != nil {
		r.logger.Warn("loading cached conversations", slog.String("error", err.Error()))
	}
	for _, c := range conversations {
		r.sessions.mergeSnapshot(c, r.selfID)
	}

	notifications, err := r.store.AllNotifications(r.selfID)
	if err != nil {
		r.logger.Warn("loading cached notifications", slog.String("error", err.Error()))
	}
	for _, n := range notifications {
		r.feed.merge(n)
	}
}

func (r *Reconciler) loadCachedMessages(conversationID string) {
	if r.store == nil {
		return
	}

	cached, err := r.store.AllMessages(r.selfID, conversationID)
	if err != nil {
		r.logger.Warn("loading cached messages",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)
		return
	}

	tl := r.ensureTimeline(conversationID)
	for _, m := range cached {
		if !tl.contains(m.ID) {
			tl.insert(m)
		}
	}
}

// ApplyEvent routes one push event into the stores.
func (r *Reconciler) ApplyEvent(ev Event) {
	switch ev.Kind {
	case EventNewMessage:
		r.applyNewMessage(ev)
	case EventMessageUpdated:
		r.applyMessageUpdated(ev, true)
	case EventMessageDeleted:
		r.applyMessageDeleted(ev, true)
	case EventNewNotification:
		r.applyNewNotification(ev)
	}
}

// applyNewMessage inserts a confirmed message. An optimistic entry for
// the same logical send is replaced, never duplicated; a message already
// known by identity is a no-op. For a conversation other than the open
// one, the recipient's unread badge increments by exactly one and the
// preview updates, but no message fetch is issued.
func (r *Reconciler) applyNewMessage(ev Event) {
	m := *ev.Message
	m.Pending = false

	tl := r.ensureTimeline(ev.ConversationID)

	if tl.contains(m.ID) {
		metrics.DuplicatesDropped.Inc()
		return
	}

	if m.SenderID == r.selfID {
		if optimisticID, ok := tl.findPending(m.SenderID, normalizeBody(m.Body)); ok {
			tl.remove(optimisticID)
		}
	}

	tl.insert(m)
	metrics.EventsApplied.WithLabelValues("message").Inc()
	r.persistMessage(m)

	r.replayBuffered(m.ID)

	// A message for an unseen conversation means the list is stale; the
	// badge and preview have nowhere to land until the list arrives.
	if _, known := r.sessions.Get(ev.ConversationID); !known {
		r.refetchConversations()
	}

	if ev.ConversationID != r.open && m.SenderID != r.selfID {
		r.sessions.incrementUnread(ev.ConversationID, r.selfID)
	}

	r.sessions.bumpPreview(ev.ConversationID, m.Body, m.CreatedAt)
	r.persistConversation(ev.ConversationID)
}

// applyMessageUpdated applies an edit by identity. If the base message
// has not been seen yet the event is buffered and a forced refetch of
// the conversation is triggered; the mutation replays once the base
// lands, so edits are never silently dropped.
func (r *Reconciler) applyMessageUpdated(ev Event, allowBuffer bool) {
	if ev.Message == nil || ev.Message.EditedAt == nil {
		r.logger.Warn("dropping edit without editedAt",
			slog.String("message", ev.MessageID),
		)
		return
	}

	tl := r.Timeline(ev.ConversationID)
	if tl == nil || !tl.contains(ev.MessageID) {
		if allowBuffer {
			r.bufferMutation(ev)
		}
		return
	}

	if tl.applyEdit(ev.MessageID, ev.Message.Body, ev.Message.EditedAt) {
		metrics.EventsApplied.WithLabelValues("message-updated").Inc()
		if m, ok := tl.Get(ev.MessageID); ok {
			r.persistMessage(m)
		}
	} else {
		metrics.DuplicatesDropped.Inc()
	}
}

// applyMessageDeleted tombstones a message by identity, buffering like
// applyMessageUpdated when the base is missing. Tombstones are final.
func (r *Reconciler) applyMessageDeleted(ev Event, allowBuffer bool) {
	tl := r.Timeline(ev.ConversationID)
	if tl == nil || !tl.contains(ev.MessageID) {
		if allowBuffer {
			r.bufferMutation(ev)
		}
		return
	}

	if tl.applyDelete(ev.MessageID) {
		metrics.EventsApplied.WithLabelValues("message-deleted").Inc()
		if m, ok := tl.Get(ev.MessageID); ok {
			r.persistMessage(m)
		}
	} else {
		metrics.DuplicatesDropped.Inc()
	}
}

func (r *Reconciler) applyNewNotification(ev Event) {
	if r.feed.merge(*ev.Notification) {
		metrics.EventsApplied.WithLabelValues("notification").Inc()
		r.persistNotification(*ev.Notification)
	} else {
		metrics.DuplicatesDropped.Inc()
	}
}

func (r *Reconciler) bufferMutation(ev Event) {
	r.buffered[ev.MessageID] = append(r.buffered[ev.MessageID], ev)
	metrics.MutationsBuffered.Inc()

	r.logger.Debug("buffered mutation ahead of base message",
		slog.String("conversation", ev.ConversationID),
		slog.String("message", ev.MessageID),
		slog.String("kind", ev.Kind.String()),
	)

	r.refetch(ev.ConversationID)
}

// replayBuffered applies mutations that were waiting for this identity.
func (r *Reconciler) replayBuffered(messageID string) {
	events, ok := r.buffered[messageID]
	if !ok {
		return
	}

	delete(r.buffered, messageID)
	delete(r.misses, messageID)

	for _, ev := range events {
		metrics.MutationsReplayed.Inc()

		switch ev.Kind {
		case EventMessageUpdated:
			r.applyMessageUpdated(ev, false)
		case EventMessageDeleted:
			r.applyMessageDeleted(ev, false)
		}
	}
}

// ApplyConversationsSnapshot merges a pulled conversation list. Counters
// only ratchet upward here; explicit reads are the only path down.
func (r *Reconciler) ApplyConversationsSnapshot(conversations []models.Conversation) {
	for _, c := range conversations {
		r.sessions.mergeSnapshot(c, r.selfID)
		r.persistConversation(c.ID)
	}
}

// ApplyMessagesSnapshot merges a pulled message page. Known identities
// converge field-by-field (newer edit wins, tombstones stick); unknown
// ones insert and replay any buffered mutations. Unread counters are
// untouched: the conversation snapshot is authoritative for those.
func (r *Reconciler) ApplyMessagesSnapshot(conversationID string, messages []models.Message) {
	tl := r.ensureTimeline(conversationID)
	r.loaded[conversationID] = true

	for _, m := range messages {
		m.Pending = false
		m.ConversationID = conversationID

		if tl.contains(m.ID) {
			changed := false
			if m.EditedAt != nil && tl.applyEdit(m.ID, m.Body, m.EditedAt) {
				changed = true
			}

			if m.IsDeleted && tl.applyDelete(m.ID) {
				changed = true
			}

			if changed {
				if merged, ok := tl.Get(m.ID); ok {
					r.persistMessage(merged)
				}
				metrics.EventsApplied.WithLabelValues("message").Inc()
			} else {
				metrics.DuplicatesDropped.Inc()
			}

			continue
		}

		if m.SenderID == r.selfID {
			if optimisticID, ok := tl.findPending(m.SenderID, normalizeBody(m.Body)); ok {
				tl.remove(optimisticID)
			}
		}

		tl.insert(m)
		metrics.EventsApplied.WithLabelValues("message").Inc()
		r.persistMessage(m)
		r.replayBuffered(m.ID)
	}

	r.expireBuffered(conversationID)
}

// expireBuffered drops buffered mutations for this conversation whose
// base message is still missing after repeated snapshots. Recovery has
// failed; holding the mutation longer cannot succeed.
func (r *Reconciler) expireBuffered(conversationID string) {
	tl := r.Timeline(conversationID)

	for id, events := range r.buffered {
		if len(events) == 0 || events[0].ConversationID != conversationID {
			continue
		}

		if tl != nil && tl.contains(id) {
			continue
		}

		r.misses[id]++
		if r.misses[id] < maxMutationRefetches {
			continue
		}

		delete(r.buffered, id)
		delete(r.misses, id)

		r.logger.Warn("dropping buffered mutations, base message never arrived",
			slog.String("conversation", conversationID),
			slog.String("message", id),
			slog.Int("count", len(events)),
		)
	}
}

// ApplyNotificationsSnapshot merges a pulled notification page.
func (r *Reconciler) ApplyNotificationsSnapshot(notifications []models.Notification) {
	for _, n := range notifications {
		if r.feed.merge(n) {
			r.persistNotification(n)
		}
	}
}

// LocalSend inserts an optimistic message at the tail of the timeline
// with a client-generated identity, a provisional client-clock
// timestamp, and the pending marker. The caller then attempts transport.
func (r *Reconciler) LocalSend(conversationID, body string) models.Message {
	m := models.Message{
		ID:             optimisticPrefix + uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       r.selfID,
		Body:           body,
		Type:           models.MessageTypeText,
		CreatedAt:      time.Now(),
		Pending:        true,
	}

	tl := r.ensureTimeline(conversationID)
	tl.insert(m)

	r.sessions.bumpPreview(conversationID, body, m.CreatedAt)

	return m
}

// DropOptimistic removes a single optimistic entry after its transport
// failed. The user re-invokes the send; nothing retries automatically.
func (r *Reconciler) DropOptimistic(conversationID, messageID string) {
	if tl := r.Timeline(conversationID); tl != nil {
		tl.remove(messageID)
	}
}

// DiscardOptimistic drops every pending entry on teardown.
func (r *Reconciler) DiscardOptimistic() {
	r.timelinesMu.RLock()
	timelines := make([]*Timeline, 0, len(r.timelines))
	for _, tl := range r.timelines {
		timelines = append(timelines, tl)
	}
	r.timelinesMu.RUnlock()

	for _, tl := range timelines {
		if dropped := tl.discardPending(); len(dropped) > 0 {
			r.logger.Debug("discarded optimistic entries",
				slog.String("conversation", tl.ConversationID()),
				slog.Int("count", len(dropped)),
			)
		}
	}
}

// MarkConversationRead is the explicit read action for a conversation.
func (r *Reconciler) MarkConversationRead(conversationID string) {
	r.sessions.resetUnread(conversationID, r.selfID)
	r.persistConversation(conversationID)
}

// MarkNotificationRead flips one notification locally.
func (r *Reconciler) MarkNotificationRead(notificationID string) {
	if r.feed.markRead(notificationID) {
		if n, ok := r.feed.Get(notificationID); ok {
			r.persistNotification(n)
		}
	}
}

// MarkAllNotificationsRead flips every currently-known notification.
func (r *Reconciler) MarkAllNotificationsRead() {
	for _, id := range r.feed.markAllRead() {
		if n, ok := r.feed.Get(id); ok {
			r.persistNotification(n)
		}
	}
}

// Persistence is best effort: a failed write leaves the cache stale but
// never changes merge results; the next snapshot repairs it.

func (r *Reconciler) persistMessage(m models.Message) {
	if r.store == nil || m.Pending {
		return
	}

	if err := r.store.SetMessage(r.selfID, m); err != nil {
		r.logger.Warn("persisting message",
			slog.String("message", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reconciler) persistConversation(conversationID string) {
	if r.store == nil {
		return
	}

	c, ok := r.sessions.Get(conversationID)
	if !ok {
		return
	}

	if err := r.store.SetConversation(r.selfID, c); err != nil {
		r.logger.Warn("persisting conversation",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reconciler) persistNotification(n models.Notification) {
	if r.store == nil {
		return
	}

	if err := r.store.SetNotification(r.selfID, n); err != nil {
		r.logger.Warn("persisting notification",
			slog.String("notification", n.ID),
			slog.String("error", err.Error()),
		)
	}
}
