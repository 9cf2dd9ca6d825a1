package state

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tradeyard/tradeyard-sync/internal/models"
)

func newTestState(t *testing.T) *State {
	t.Helper()

	s, err := LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestToken_RoundTrip(t *testing.T) {
	s := newTestState(t)

	assert.Empty(t, s.Token())
	require.NoError(t, s.SetToken("session-token"))
	assert.Equal(t, "session-token", s.Token())
}

func TestConversations_RoundTrip(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.InitAccountBuckets("u1"))

	c := models.Conversation{
		ID:            "c1",
		ListingID:     "l1",
		BuyerID:       "u1",
		SellerID:      "u2",
		LastMessage:   "hello",
		LastMessageAt: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
		UnreadCount:   map[string]int{"u1": 2},
	}
	require.NoError(t, s.SetConversation("u1", c))

	all, err := s.AllConversations("u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all["c1"].UnreadCount["u1"])
}

func TestConversations_UninitializedBucketErrors(t *testing.T) {
	s := newTestState(t)

	err := s.SetConversation("nobody", models.Conversation{ID: "c1"})
	assert.Error(t, err)
}

func TestMessages_BucketCreatedOnDemand(t *testing.T) {
	s := newTestState(t)

	m := models.Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "u2",
		Body:           "hi",
		CreatedAt:      time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SetMessage("u1", m))

	all, err := s.AllMessages("u1", "c1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "hi", all["m1"].Body)
}

func TestMessages_DeleteAndMissingBucket(t *testing.T) {
	s := newTestState(t)

	require.NoError(t, s.SetMessage("u1", models.Message{ID: "m1", ConversationID: "c1"}))
	require.NoError(t, s.DeleteMessage("u1", "c1", "m1"))

	all, err := s.AllMessages("u1", "c1")
	require.NoError(t, err)
	assert.Empty(t, all)

	// Deleting from a conversation never seen is a no-op.
	assert.NoError(t, s.DeleteMessage("u1", "ghost", "m1"))
}

func TestNotifications_RoundTrip(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.InitAccountBuckets("u1"))

	n := models.Notification{ID: "n1", Type: models.NotificationInfo, Title: "Offer", IsRead: true}
	require.NoError(t, s.SetNotification("u1", n))

	all, err := s.AllNotifications("u1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all["n1"].IsRead)
}

func TestAccounts_Isolated(t *testing.T) {
	s := newTestState(t)
	require.NoError(t, s.InitAccountBuckets("a"))
	require.NoError(t, s.InitAccountBuckets("b"))

	require.NoError(t, s.SetConversation("a", models.Conversation{ID: "c1"}))

	other, err := s.AllConversations("b")
	require.NoError(t, err)
	assert.Empty(t, other, "accounts never see each other's cache")
}
