package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tradeyard/tradeyard-sync/internal/models"
	"github.com/tradeyard/tradeyard-sync/internal/state"
	"golang.org/x/sync/errgroup"
)

// Engine ties the push channel, the fetcher, and the reconciler together
// behind one facade. A single loop goroutine owns every store mutation:
// socket events, pulled snapshots, and caller operations all funnel
// through it, so merges never race each other.
type Engine struct {
	logger *slog.Logger

	client  *Client
	socket  *SocketClient
	fetcher *Fetcher
	rec     *Reconciler

	sessions *SessionStore
	feed     *Feed

	// ops carries caller mutations into the loop goroutine.
	ops chan engineOp
}

type engineOp struct {
	apply func()
	done  chan struct{}
}

// EngineConfig assembles the engine's collaborators.
type EngineConfig struct {
	SelfID  string
	Client  *Client
	Socket  *SocketClient
	Fetcher *Fetcher
	State   *state.State
}

// NewEngine wires the synchronization engine for one account.
func NewEngine(cfg EngineConfig, logger *slog.Logger) *Engine {
	sessions := NewSessionStore()
	feed := NewFeed()

	e := &Engine{
		logger:   logger,
		client:   cfg.Client,
		socket:   cfg.Socket,
		fetcher:  cfg.Fetcher,
		sessions: sessions,
		feed:     feed,
		ops:      make(chan engineOp, 64),
	}

	e.rec = NewReconciler(cfg.SelfID, sessions, feed, cfg.State, cfg.Fetcher.Refetch, cfg.Fetcher.RefetchConversations, logger)

	return e
}

// Sessions returns the conversation store for rendering.
func (e *Engine) Sessions() *SessionStore {
	return e.sessions
}

// Feed returns the notification feed for rendering.
func (e *Engine) Feed() *Feed {
	return e.feed
}

// Timeline returns the timeline for one conversation, nil if unseen.
func (e *Engine) Timeline(conversationID string) *Timeline {
	return e.rec.Timeline(conversationID)
}

// ConnectionState returns the push channel state.
func (e *Engine) ConnectionState() ConnState {
	return e.socket.State()
}

// Run drives the engine until ctx is cancelled. It starts the push
// channel, the fetcher, and the merge loop; optimistic entries are
// discarded on the way out so teardown leaves no in-flight local state.
func (e *Engine) Run(ctx context.Context) error {
	e.rec.WarmStart()

	if err := e.socket.JoinNotifications(ctx); err != nil {
		return fmt.Errorf("registering notification room: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Listen returning with the context still live means pull-only
		// degradation: the connection is already released and the terminal
		// state must stay observable, so Close only runs on teardown.
		defer func() {
			if gctx.Err() != nil {
				e.socket.Close()
			}
		}()

		return e.socket.Listen(gctx)
	})

	g.Go(func() error {
		return e.fetcher.Run(gctx)
	})

	g.Go(func() error {
		defer e.rec.DiscardOptimistic()
		return e.loop(gctx)
	})

	return g.Wait()
}

// loop is the single writer for every local store.
func (e *Engine) loop(ctx context.Context) error {
	// Tracks whether the channel has dropped since the last connect, so a
	// reconnect triggers a full refetch to close the delivery gap.
	sawDisconnect := false

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev := <-e.socket.Events():
			switch ev.Kind {
			case EventConnected:
				e.fetcher.SetPullOnly(false)
				if sawDisconnect {
					sawDisconnect = false
					e.logger.Info("push channel restored, refetching snapshots")
					e.fetcher.RefetchAll(ctx)
				}
			case EventDisconnected:
				sawDisconnect = true
			case EventPullOnly:
				e.fetcher.SetPullOnly(true)
			default:
				e.rec.ApplyEvent(ev)
			}

		case snap := <-e.fetcher.Snapshots():
			switch snap.Kind {
			case SnapshotConversations:
				e.rec.ApplyConversationsSnapshot(snap.Conversations)
			case SnapshotMessages:
				e.rec.ApplyMessagesSnapshot(snap.ConversationID, snap.Messages)
			case SnapshotNotifications:
				e.rec.ApplyNotificationsSnapshot(snap.Notifications)
			}

		case op := <-e.ops:
			op.apply()
			close(op.done)
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (e *Engine) do(ctx context.Context, fn func()) error {
	op := engineOp{apply: fn, done: make(chan struct{})}

	select {
	case e.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-op.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenConversation marks a conversation as on screen: its room is joined,
// cached messages are loaded, message polling switches to it, and a fetch
// is issued immediately.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	if err := e.do(ctx, func() {
		e.rec.SetOpenConversation(conversationID)
	}); err != nil {
		return err
	}

	e.fetcher.SetOpenConversation(conversationID)

	if err := e.socket.JoinChat(ctx, conversationID); err != nil {
		e.logger.Warn("joining conversation room",
			slog.String("conversation", conversationID),
			slog.String("error", err.Error()),
		)
	}

	e.fetcher.Refetch(conversationID)

	return nil
}

// CloseConversation clears the on-screen conversation.
func (e *Engine) CloseConversation(ctx context.Context) error {
	e.fetcher.SetOpenConversation("")

	return e.do(ctx, func() {
		e.rec.SetOpenConversation("")
	})
}

// SendMessage performs an optimistic send: the message appears in the
// timeline immediately with a pending marker, then transport is attempted
// over the push channel, falling back to REST when the channel is down.
// On transport failure the optimistic entry is removed and the error
// returned; the user retries, nothing resends automatically.
func (e *Engine) SendMessage(ctx context.Context, conversationID, body string) (models.Message, error) {
	var optimistic models.Message

	if err := e.do(ctx, func() {
		optimistic = e.rec.LocalSend(conversationID, body)
	}); err != nil {
		return models.Message{}, err
	}

	err := e.socket.SendMessage(ctx, conversationID, body, string(models.MessageTypeText))
	if err == nil {
		// Confirmation arrives as a new-message event and replaces the
		// optimistic entry there.
		return optimistic, nil
	}

	confirmed, restErr := e.client.SendMessage(ctx, conversationID, body, models.MessageTypeText)
	if restErr != nil {
		dropErr := e.do(ctx, func() {
			e.rec.DropOptimistic(conversationID, optimistic.ID)
		})
		if dropErr != nil {
			return models.Message{}, dropErr
		}

		return models.Message{}, fmt.Errorf("sending message: %w", restErr)
	}

	confirmed.ConversationID = conversationID
	if err := e.do(ctx, func() {
		e.rec.ApplyEvent(Event{
			Kind:           EventNewMessage,
			ConversationID: conversationID,
			MessageID:      confirmed.ID,
			Message:        confirmed,
		})
	}); err != nil {
		return models.Message{}, err
	}

	return *confirmed, nil
}

// EditMessage edits via REST and applies the confirmed record locally, so
// the edit lands even if the push echo is delayed or lost.
func (e *Engine) EditMessage(ctx context.Context, conversationID, messageID, body string) error {
	edited, err := e.client.EditMessage(ctx, conversationID, messageID, body)
	if err != nil {
		return err
	}

	edited.ID = messageID
	edited.ConversationID = conversationID

	return e.do(ctx, func() {
		e.rec.ApplyEvent(Event{
			Kind:           EventMessageUpdated,
			ConversationID: conversationID,
			MessageID:      messageID,
			Message:        edited,
		})
	})
}

// DeleteMessage tombstones via REST and applies the tombstone locally.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	if err := e.client.DeleteMessage(ctx, conversationID, messageID); err != nil {
		return err
	}

	return e.do(ctx, func() {
		e.rec.ApplyEvent(Event{
			Kind:           EventMessageDeleted,
			ConversationID: conversationID,
			MessageID:      messageID,
		})
	})
}

// MarkConversationRead is the explicit read action for a conversation.
// Local only: the unread counter is client state, and the reset is
// protected against stale snapshots by the recorded read time.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) error {
	return e.do(ctx, func() {
		e.rec.MarkConversationRead(conversationID)
	})
}

// MarkNotificationRead flips one notification on the server, then locally.
func (e *Engine) MarkNotificationRead(ctx context.Context, notificationID string) error {
	if err := e.client.MarkNotificationRead(ctx, notificationID); err != nil {
		return err
	}

	return e.do(ctx, func() {
		e.rec.MarkNotificationRead(notificationID)
	})
}

// MarkAllNotificationsRead flips every known notification on the server,
// then locally. A notification arriving after the server call is not
// flipped and correctly shows as unread.
func (e *Engine) MarkAllNotificationsRead(ctx context.Context) error {
	if err := e.client.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}

	return e.do(ctx, func() {
		e.rec.MarkAllNotificationsRead()
	})
}
