package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/tradeyard-sync/internal/models"
)

// newTestEngine wires an engine against an httptest backend with the
// merge loop running and the push channel left disconnected.
func newTestEngine(t *testing.T, handler http.HandlerFunc) *Engine {
	t.Helper()

	client := newTestClient(t, handler)
	socket := newTestSocket(t)
	fetcher := NewFetcher(client, FetcherConfig{
		ConversationInterval:    time.Hour,
		MessageInterval:         time.Hour,
		MessagePullOnlyInterval: time.Second,
		NotificationInterval:    time.Hour,
	}, slog.Default())

	e := NewEngine(EngineConfig{
		SelfID:  testSelfID,
		Client:  client,
		Socket:  socket,
		Fetcher: fetcher,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go e.loop(ctx)

	return e
}

// --- SendMessage ---

func TestEngine_SendMessageFallsBackToREST(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chats/c1/messages", r.URL.Path)
		w.Write([]byte(`{"id":"srv1","chatId":"c1","senderId":"self","message":"hello","createdAt":"2026-08-01T10:00:00Z"}`))
	})

	msg, err := e.SendMessage(context.Background(), "c1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "srv1", msg.ID)

	tl := e.Timeline("c1")
	require.NotNil(t, tl)
	assert.Equal(t, 1, tl.Len(), "placeholder replaced by the REST confirmation")

	confirmed, ok := tl.Get("srv1")
	require.True(t, ok)
	assert.False(t, confirmed.Pending)
}

func TestEngine_SendMessageFailureDropsOptimistic(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := e.SendMessage(context.Background(), "c1", "doomed")
	require.Error(t, err)

	assert.Equal(t, 0, e.Timeline("c1").Len(), "failed transport removes the placeholder; the user retries")
}

// --- edits and deletes ---

func TestEngine_EditMessageAppliesConfirmedRecord(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"id":"m1","chatId":"c1","senderId":"self","message":"original","createdAt":"2026-08-01T10:00:00Z"}`))
			return
		}

		assert.Equal(t, http.MethodPut, r.Method)
		w.Write([]byte(`{"id":"m1","chatId":"c1","message":"edited","editedAt":"2026-08-01T11:00:00Z"}`))
	})

	_, err := e.SendMessage(context.Background(), "c1", "original")
	require.NoError(t, err)

	require.NoError(t, e.EditMessage(context.Background(), "c1", "m1", "edited"))

	m, ok := e.Timeline("c1").Get("m1")
	require.True(t, ok)
	assert.Equal(t, "edited", m.Body)
	assert.True(t, m.Edited())
}

func TestEngine_DeleteMessageTombstones(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Write([]byte(`{"id":"m1","chatId":"c1","senderId":"self","message":"bye","createdAt":"2026-08-01T10:00:00Z"}`))
			return
		}
		w.Write([]byte(`{}`))
	})

	_, err := e.SendMessage(context.Background(), "c1", "bye")
	require.NoError(t, err)

	require.NoError(t, e.DeleteMessage(context.Background(), "c1", "m1"))

	m, ok := e.Timeline("c1").Get("m1")
	require.True(t, ok)
	assert.True(t, m.IsDeleted)
	assert.Equal(t, 1, e.Timeline("c1").Len(), "tombstone keeps its slot")
}

// --- push events feed the stores ---

func TestEngine_SocketEventsReachStores(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})

	e.socket.events <- Event{
		Kind:           EventNewMessage,
		ConversationID: "c1",
		MessageID:      "m1",
		Message: &models.Message{
			ID:             "m1",
			ConversationID: "c1",
			SenderID:       "other",
			Body:           "pushed",
			CreatedAt:      time.Now(),
		},
	}

	require.Eventually(t, func() bool {
		tl := e.Timeline("c1")
		return tl != nil && tl.Len() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_PullOnlyIsTerminalConnectionState(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chats":[],"notifications":[]}`))
	})

	socket := newTestSocket(t)
	withMockDial(socket, nil, fmt.Errorf("connection refused"))

	fetcher := NewFetcher(client, FetcherConfig{
		ConversationInterval:    time.Hour,
		MessageInterval:         time.Hour,
		MessagePullOnlyInterval: time.Hour,
		NotificationInterval:    time.Hour,
	}, slog.Default())

	e := NewEngine(EngineConfig{
		SelfID:  testSelfID,
		Client:  client,
		Socket:  socket,
		Fetcher: fetcher,
	}, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.ConnectionState() == StatePullOnly
	}, time.Second, 5*time.Millisecond)

	// Listen has exited by now; the terminal state must survive its
	// teardown path for the rest of the session.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StatePullOnly, e.ConnectionState())

	cancel()
	assert.NoError(t, <-done)
}

func TestEngine_PullOnlyEventTightensPolling(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})

	e.socket.events <- Event{Kind: EventPullOnly}

	require.Eventually(t, func() bool {
		return e.fetcher.messageInterval() == time.Second
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_ReconnectAfterGapRefetchesEverything(t *testing.T) {
	var chats atomic.Int64

	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/chats" {
			chats.Add(1)
		}
		w.Write([]byte(`{"chats":[],"notifications":[]}`))
	})

	go func() {
		for range e.fetcher.Snapshots() {
		}
	}()

	e.socket.events <- Event{Kind: EventDisconnected}
	e.socket.events <- Event{Kind: EventConnected}

	require.Eventually(t, func() bool {
		return chats.Load() >= 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngine_FirstConnectDoesNotRefetch(t *testing.T) {
	var requests atomic.Int64

	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte(`{}`))
	})

	e.socket.events <- Event{Kind: EventConnected}

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, requests.Load(), "the startup fetch covers the initial state")
}

// --- conversation lifecycle ---

func TestEngine_OpenConversationWiresEverything(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {})

	require.NoError(t, e.OpenConversation(context.Background(), "c1"))

	assert.Equal(t, "c1", e.rec.OpenConversation())
	assert.Equal(t, "c1", e.fetcher.openConversation())

	e.socket.roomsMu.Lock()
	_, joined := e.socket.chatRooms["c1"]
	e.socket.roomsMu.Unlock()
	assert.True(t, joined, "room registered for join on connect")

	require.NoError(t, e.CloseConversation(context.Background()))
	assert.Empty(t, e.rec.OpenConversation())
	assert.Empty(t, e.fetcher.openConversation())
}

// --- read actions ---

func TestEngine_MarkConversationReadIsLocal(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("conversation reads never call the server")
	})

	e.socket.events <- Event{
		Kind:           EventNewMessage,
		ConversationID: "c1",
		MessageID:      "m1",
		Message:        &models.Message{ID: "m1", ConversationID: "c1", SenderID: "other", Body: "x", CreatedAt: time.Now()},
	}

	require.Eventually(t, func() bool {
		return e.Timeline("c1") != nil && e.Timeline("c1").Len() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.MarkConversationRead(context.Background(), "c1"))
	assert.Equal(t, 0, e.Sessions().Unread("c1", testSelfID))
}

func TestEngine_MarkNotificationReadServerThenLocal(t *testing.T) {
	var called atomic.Bool

	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
		assert.Equal(t, "/notifications/n1/read", r.URL.Path)
		w.Write([]byte(`{}`))
	})

	e.socket.events <- Event{
		Kind:         EventNewNotification,
		Notification: &models.Notification{ID: "n1", CreatedAt: time.Now()},
	}

	require.Eventually(t, func() bool {
		return e.Feed().UnreadCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, e.MarkNotificationRead(context.Background(), "n1"))
	assert.True(t, called.Load())
	assert.Equal(t, 0, e.Feed().UnreadCount())
}

func TestEngine_MarkNotificationReadServerFailureLeavesLocal(t *testing.T) {
	e := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	e.socket.events <- Event{
		Kind:         EventNewNotification,
		Notification: &models.Notification{ID: "n1", CreatedAt: time.Now()},
	}

	require.Eventually(t, func() bool {
		return e.Feed().UnreadCount() == 1
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, e.MarkNotificationRead(context.Background(), "n1"))
	assert.Equal(t, 1, e.Feed().UnreadCount(), "local state only flips after the server accepts")
}
