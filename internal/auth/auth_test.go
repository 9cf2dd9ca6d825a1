package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_TokenRoundTrip(t *testing.T) {
	s := NewState("")
	assert.False(t, s.Authenticated())

	s.SetToken("abc")
	assert.True(t, s.Authenticated())
	assert.Equal(t, "abc", s.Token())

	s.Clear()
	assert.False(t, s.Authenticated())
}

func TestState_SubscribeReceivesChanges(t *testing.T) {
	s := NewState("initial")
	ch, cancel := s.Subscribe()
	defer cancel()

	s.SetToken("next")

	select {
	case got := <-ch:
		assert.Equal(t, "next", got)
	default:
		t.Fatal("expected a notification")
	}
}

func TestState_SameTokenDoesNotNotify(t *testing.T) {
	s := NewState("same")
	ch, cancel := s.Subscribe()
	defer cancel()

	s.SetToken("same")
	assert.Empty(t, ch)
}

func TestState_SlowSubscriberKeepsLatest(t *testing.T) {
	s := NewState("")
	ch, cancel := s.Subscribe()
	defer cancel()

	s.SetToken("first")
	s.SetToken("second")
	s.SetToken("third")

	// The buffer holds one value; coalescing keeps only the newest.
	require.Len(t, ch, 1)
	assert.Equal(t, "third", <-ch)
}

func TestState_CancelStopsNotifications(t *testing.T) {
	s := NewState("")
	ch, cancel := s.Subscribe()
	cancel()

	s.SetToken("after-cancel")
	assert.Empty(t, ch)
}
