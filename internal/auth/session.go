package auth

import (
	"context"
	"sync"
)

// AuthState is the narrow authentication surface the sync core observes.
type AuthState struct {
	SignedIn bool
	UserID   string
}

// Session holds the agent's current credentials and exposes a live auth-state
// stream. Subscribers receive the current state immediately; consecutive
// identical states are de-duplicated.
type Session struct {
	mu          sync.RWMutex
	state       AuthState
	token       string
	subscribers map[int64]*sessionSubscriber
	nextID      int64
	bufferSize  int
}

type sessionSubscriber struct {
	id     int64
	stream chan AuthState
}

// NewSession constructs a signed-out session.
func NewSession() *Session {
	return &Session{
		subscribers: make(map[int64]*sessionSubscriber),
		bufferSize:  4,
	}
}

// SignIn records the authenticated user and their token.
func (s *Session) SignIn(userID, token string) {
	s.setState(AuthState{SignedIn: true, UserID: userID}, token)
}

// SignOut clears the credentials.
func (s *Session) SignOut() {
	s.setState(AuthState{}, "")
}

// CurrentUserID returns the signed-in user id, or "" when signed out.
func (s *Session) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.UserID
}

// Token returns the current bearer token, or "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Subscribe registers an auth-state observer. The current state is delivered
// immediately. The returned cleanup releases the subscription; cancelling ctx
// does the same.
func (s *Session) Subscribe(ctx context.Context) (<-chan AuthState, func()) {
	subscriber := &sessionSubscriber{stream: make(chan AuthState, s.bufferSize)}

	// Replay under the lock so a concurrent state change cannot be delivered
	// ahead of it; the fresh buffered channel makes the send non-blocking.
	s.mu.Lock()
	s.nextID++
	subscriber.id = s.nextID
	s.subscribers[subscriber.id] = subscriber
	subscriber.stream <- s.state
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.subscribers, subscriber.id)
		s.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (s *Session) setState(state AuthState, token string) {
	s.mu.Lock()
	if s.state == state && s.token == token {
		s.mu.Unlock()
		return
	}
	changed := s.state != state
	s.state = state
	s.token = token
	copies := make([]*sessionSubscriber, 0, len(s.subscribers))
	for _, subscriber := range s.subscribers {
		copies = append(copies, subscriber)
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- state:
		default:
		}
	}
}
