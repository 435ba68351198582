package payment

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound indicates an unknown session ID.
	ErrSessionNotFound = errors.New("checkout session not found")
	// ErrDuplicateSession indicates a Pending session already exists for the
	// order. Callers must wait for it to resolve or expire first.
	ErrDuplicateSession = errors.New("active checkout session already exists")
	// ErrStatusConflict indicates the session left the expected status before
	// the update landed. The caller lost a race and must re-read.
	ErrStatusConflict = errors.New("session status changed concurrently")
)

// SessionStore persists checkout sessions. Insert enforces at most one
// Pending session per order atomically, so two concurrent checkout commands
// cannot both succeed.
type SessionStore interface {
	Insert(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Update persists s only while the stored status still equals expected,
	// returning ErrStatusConflict otherwise. Every status transition goes
	// through this CAS so concurrent writers cannot overwrite each other.
	Update(ctx context.Context, s *Session, expected SessionStatus) error
	// ExpireOlderThan moves Pending sessions created before cutoff to Expired
	// and returns how many were transitioned.
	ExpireOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemorySessionStore is an in-process SessionStore for tests and development.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]*Session)}
}

func (s *MemorySessionStore) Insert(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.OrderID == sess.OrderID && (existing.Status == SessionPending || existing.Status == SessionResolving) {
			return ErrDuplicateSession
		}
	}
	s.sessions[sess.ID] = sess.clone()
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess.clone(), nil
}

func (s *MemorySessionStore) Update(_ context.Context, sess *Session, expected SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.sessions[sess.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if cur.Status != expected {
		return ErrStatusConflict
	}
	s.sessions[sess.ID] = sess.clone()
	return nil
}

func (s *MemorySessionStore) ExpireOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Status == SessionPending && sess.CreatedAt.Before(cutoff) {
			sess.Status = SessionExpired
			sess.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}
