package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tradeyard/tradeyard-sync/internal/metrics"
	"github.com/tradeyard/tradeyard-sync/internal/models"
	"golang.org/x/sync/singleflight"
)

// snapshotPageLimit is the page size for every polled resource. One page
// per cycle; older history loads through explicit pagination, not polling.
const snapshotPageLimit = 50

// SnapshotKind identifies which resource a snapshot covers.
type SnapshotKind int

const (
	SnapshotConversations SnapshotKind = iota
	SnapshotMessages
	SnapshotNotifications
)

func (k SnapshotKind) String() string {
	switch k {
	case SnapshotConversations:
		return "conversations"
	case SnapshotMessages:
		return "messages"
	case SnapshotNotifications:
		return "notifications"
	default:
		return "unknown"
	}
}

// Snapshot is one fetched page, delivered to the engine loop for merging.
type Snapshot struct {
	Kind           SnapshotKind
	ConversationID string
	Conversations  []models.Conversation
	Messages       []models.Message
	Notifications  []models.Notification
}

// FetcherConfig carries the polling cadences.
type FetcherConfig struct {
	ConversationInterval    time.Duration
	MessageInterval         time.Duration
	MessagePullOnlyInterval time.Duration
	NotificationInterval    time.Duration
}

// Fetcher drives the pull side of synchronization: periodic snapshot
// fetches on independent cadences, forced refetches on demand, and a
// tighter message cadence while the push channel is in pull-only mode.
//
// A tick that fires while the previous fetch for the same resource is
// still in flight is skipped, not queued; concurrent requests for the
// same resource are collapsed through singleflight.
type Fetcher struct {
	client *Client
	logger *slog.Logger
	cfg    FetcherConfig

	snapshots     chan Snapshot
	refetchCh     chan string
	convRefetchCh chan struct{}

	group    singleflight.Group
	inflight sync.Map

	mu       sync.Mutex
	open     string
	pullOnly bool
}

// NewFetcher creates a fetcher polling through the given client.
func NewFetcher(client *Client, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		client:    client,
		logger:    logger,
		cfg:       cfg,
		snapshots:     make(chan Snapshot, 16),
		refetchCh:     make(chan string, 16),
		convRefetchCh: make(chan struct{}, 1),
	}
}

// Snapshots returns the channel snapshots are delivered on. The engine
// loop is the sole consumer.
func (f *Fetcher) Snapshots() <-chan Snapshot {
	return f.snapshots
}

// SetOpenConversation switches which conversation's messages are polled.
// Empty clears it; only the open conversation is polled for messages.
func (f *Fetcher) SetOpenConversation(conversationID string) {
	f.mu.Lock()
	f.open = conversationID
	f.mu.Unlock()
}

// SetPullOnly toggles the degraded cadence. While pull-only, the open
// conversation's messages poll at the tighter interval since polling is
// the only delivery path.
func (f *Fetcher) SetPullOnly(pullOnly bool) {
	f.mu.Lock()
	f.pullOnly = pullOnly
	f.mu.Unlock()
}

// Refetch forces a message fetch for one conversation outside the
// regular cadence. Used when a mutation arrives ahead of its base
// message. Non-blocking; drops if the queue is full since a forced
// fetch is already pending in that case.
func (f *Fetcher) Refetch(conversationID string) {
	select {
	case f.refetchCh <- conversationID:
	default:
	}
}

// RefetchConversations forces a conversation-list fetch outside the
// regular cadence. Used when a message arrives for a conversation the
// list does not know yet. Non-blocking; drops when one is pending.
func (f *Fetcher) RefetchConversations() {
	select {
	case f.convRefetchCh <- struct{}{}:
	default:
	}
}

// RefetchAll fetches every polled resource immediately. Called after a
// reconnect to cover the delivery gap while the channel was down.
func (f *Fetcher) RefetchAll(ctx context.Context) {
	go f.fetchConversations(ctx)
	go f.fetchNotifications(ctx)

	if open := f.openConversation(); open != "" {
		go f.fetchMessages(ctx, open)
	}
}

func (f *Fetcher) openConversation() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.open
}

func (f *Fetcher) messageInterval() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pullOnly {
		return f.cfg.MessagePullOnlyInterval
	}

	return f.cfg.MessageInterval
}

// Run polls until the context is cancelled. The message timer is re-armed
// every cycle so pull-only cadence changes take effect within one tick.
func (f *Fetcher) Run(ctx context.Context) error {
	f.RefetchAll(ctx)

	conversationTicker := time.NewTicker(f.cfg.ConversationInterval)
	defer conversationTicker.Stop()

	notificationTicker := time.NewTicker(f.cfg.NotificationInterval)
	defer notificationTicker.Stop()

	messageTimer := time.NewTimer(f.messageInterval())
	defer messageTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-conversationTicker.C:
			go f.fetchConversations(ctx)
		case <-notificationTicker.C:
			go f.fetchNotifications(ctx)
		case <-messageTimer.C:
			if open := f.openConversation(); open != "" {
				go f.fetchMessages(ctx, open)
			}

			messageTimer.Reset(f.messageInterval())
		case conversationID := <-f.refetchCh:
			go f.fetchMessages(ctx, conversationID)
		case <-f.convRefetchCh:
			go f.fetchConversations(ctx)
		}
	}
}

// fetchResource runs one deduplicated fetch. The inflight marker makes a
// tick during an outstanding fetch a no-op instead of a queued request.
func (f *Fetcher) fetchResource(key string, fetch func() (Snapshot, error)) (Snapshot, bool) {
	if _, busy := f.inflight.LoadOrStore(key, struct{}{}); busy {
		return Snapshot{}, false
	}
	defer f.inflight.Delete(key)

	result, err, _ := f.group.Do(key, func() (interface{}, error) {
		snap, err := fetch()
		if err != nil {
			return nil, err
		}

		return snap, nil
	})
	if err != nil {
		f.logger.Warn("snapshot fetch failed",
			slog.String("resource", key),
			slog.String("error", err.Error()),
		)

		return Snapshot{}, false
	}

	return result.(Snapshot), true
}

func (f *Fetcher) deliver(ctx context.Context, snap Snapshot) {
	select {
	case f.snapshots <- snap:
	case <-ctx.Done():
	}
}

func (f *Fetcher) fetchConversations(ctx context.Context) {
	snap, ok := f.fetchResource("conversations", func() (Snapshot, error) {
		conversations, err := f.client.ListConversations(ctx, Page{Page: 1, Limit: snapshotPageLimit}, false)
		if err != nil {
			return Snapshot{}, err
		}

		metrics.Fetches.WithLabelValues("conversations").Inc()

		return Snapshot{Kind: SnapshotConversations, Conversations: conversations}, nil
	})
	if ok {
		f.deliver(ctx, snap)
	}
}

func (f *Fetcher) fetchMessages(ctx context.Context, conversationID string) {
	snap, ok := f.fetchResource("messages:"+conversationID, func() (Snapshot, error) {
		messages, err := f.client.ListMessages(ctx, conversationID, Page{Page: 1, Limit: snapshotPageLimit})
		if err != nil {
			return Snapshot{}, err
		}

		metrics.Fetches.WithLabelValues("messages").Inc()

		return Snapshot{
			Kind:           SnapshotMessages,
			ConversationID: conversationID,
			Messages:       messages,
		}, nil
	})
	if ok {
		f.deliver(ctx, snap)
	}
}

func (f *Fetcher) fetchNotifications(ctx context.Context) {
	snap, ok := f.fetchResource("notifications", func() (Snapshot, error) {
		notifications, err := f.client.ListNotifications(ctx, Page{Page: 1, Limit: snapshotPageLimit}, nil)
		if err != nil {
			return Snapshot{}, err
		}

		metrics.Fetches.WithLabelValues("notifications").Inc()

		return Snapshot{Kind: SnapshotNotifications, Notifications: notifications}, nil
	})
	if ok {
		f.deliver(ctx, snap)
	}
}
