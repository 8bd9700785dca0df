// Package memorystore is an in-process sessions.Store for single-node
// deployments and tests.
package memorystore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cocomposer/cocomposer/sessions"
)

// Store implements sessions.Store on a mutex-guarded map.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*sessions.Session
}

// New creates an empty store.
func New() *Store {
	return &Store{sessions: make(map[string]*sessions.Session)}
}

// Create implements sessions.Store.
func (s *Store) Create(ctx context.Context, identity sessions.Identity) (*sessions.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := &sessions.Session{
		ID:        uuid.NewString(),
		Identity:  identity,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	cp := *sess
	return &cp, nil
}

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, sid string) (*sessions.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	sess, ok := s.sessions[sid]
	if !ok {
		s.mu.RUnlock()
		return nil, sessions.ErrNotFound
	}
	cp := *sess
	s.mu.RUnlock()
	return &cp, nil
}

// SetCSRF implements sessions.Store. The store mutex is the single-writer
// point for the token slot.
func (s *Store) SetCSRF(ctx context.Context, sid, headerName, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sid]
	if !ok {
		return sessions.ErrNotFound
	}
	sess.CSRFHeader = headerName
	sess.CSRFToken = token
	return nil
}

// Delete implements sessions.Store.
func (s *Store) Delete(ctx context.Context, sid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
	return nil
}

var _ sessions.Store = (*Store)(nil)
