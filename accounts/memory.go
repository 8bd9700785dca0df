package accounts

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MemoryStore implements Store in process. Credentials are bcrypt
// hashes; plaintext passwords are never retained.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*record
	byName  map[string]string // username -> id
	byEmail map[string]string // email -> id
}

type record struct {
	member Member
	hash   []byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*record),
		byName:  make(map[string]string),
		byEmail: make(map[string]string),
	}
}

// Create implements Store.
func (s *MemoryStore) Create(ctx context.Context, username, email, password string) (*Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[username]; taken {
		return nil, ErrDuplicate
	}
	if _, taken := s.byEmail[email]; taken {
		return nil, ErrDuplicate
	}
	m := Member{ID: uuid.NewString(), Username: username, Email: email}
	s.byID[m.ID] = &record{member: m, hash: hash}
	s.byName[username] = m.ID
	s.byEmail[email] = m.ID
	return &m, nil
}

// Authenticate implements Store.
func (s *MemoryStore) Authenticate(ctx context.Context, username, password string) (*Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	id, ok := s.byName[username]
	var rec *record
	if ok {
		rec = s.byID[id]
	}
	s.mu.RUnlock()
	if rec == nil {
		// Burn comparable time so unknown usernames are not
		// distinguishable by latency.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0123456789012345678901"), []byte(password))
		return nil, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(password)); err != nil {
		return nil, ErrBadCredentials
	}
	m := rec.member
	return &m, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Member, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	m := rec.member
	return &m, nil
}

// UpdatePassword implements Store.
func (s *MemoryStore) UpdatePassword(ctx context.Context, id, currentPassword, newPassword string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword(rec.hash, []byte(currentPassword)); err != nil {
		return ErrBadCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	rec.hash = hash
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byName, rec.member.Username)
	delete(s.byEmail, rec.member.Email)
	delete(s.byID, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
