package auth

import (
	"sync"
)

// State holds the current bearer credential and notifies subscribers when
// it changes. Connection and request logic react to credential changes
// through Subscribe instead of re-reading a stored token on a timer.
type State struct {
	mu    sync.RWMutex
	token string
	subs  map[int]chan string
	next  int
}

// NewState creates an auth state seeded with the given token. An empty
// token means unauthenticated.
func NewState(token string) *State {
	return &State{
		token: token,
		subs:  make(map[int]chan string),
	}
}

// Token returns the current bearer token, or empty string when cleared.
func (s *State) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.token
}

// SetToken replaces the credential and notifies subscribers. Setting the
// same value again is a no-op.
func (s *State) SetToken(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}

	s.token = token
	subs := make([]chan string, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		// Coalesce: a slow subscriber keeps only the latest value.
		select {
		case ch <- token:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- token:
			default:
			}
		}
	}
}

// Clear drops the credential. Used when an identity-sensitive endpoint
// rejects the token; messaging 401s must not call this.
func (s *State) Clear() {
	s.SetToken("")
}

// Authenticated reports whether a credential is currently held.
func (s *State) Authenticated() bool {
	return s.Token() != ""
}

// Subscribe registers for credential-change notifications. The returned
// channel has a buffer of one and always carries the most recent token.
// The cancel func removes the subscription.
func (s *State) Subscribe() (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++

	ch := make(chan string, 1)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.subs, id)
	}

	return ch, cancel
}
