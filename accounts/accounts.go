// Package accounts stores members and checks their credentials. It is a
// thin collaborator of the session layer: the interesting security logic
// (sessions, CSRF, topic authorization) lives elsewhere.
package accounts

import (
	"context"
	"errors"
)

var (
	// ErrBadCredentials covers unknown usernames and wrong passwords
	// alike so login failures do not leak which one it was.
	ErrBadCredentials = errors.New("accounts: bad credentials")

	// ErrNotFound indicates the member does not exist.
	ErrNotFound = errors.New("accounts: member not found")

	// ErrDuplicate indicates the username or email is already taken.
	ErrDuplicate = errors.New("accounts: username or email already registered")
)

// Member is a registered user.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Store persists members and their credentials.
type Store interface {
	// Create registers a member, or returns ErrDuplicate.
	Create(ctx context.Context, username, email, password string) (*Member, error)

	// Authenticate returns the member matching the credentials, or
	// ErrBadCredentials.
	Authenticate(ctx context.Context, username, password string) (*Member, error)

	// Get returns the member, or ErrNotFound.
	Get(ctx context.Context, id string) (*Member, error)

	// UpdatePassword replaces a member's password after checking the
	// current one (ErrBadCredentials on mismatch).
	UpdatePassword(ctx context.Context, id, currentPassword, newPassword string) error

	// Delete removes the member and its credentials.
	Delete(ctx context.Context, id string) error
}
