// Package sessions binds an authenticated identity to a transport
// session. A session is created on login, resolved on each request (REST
// or realtime handshake) and destroyed on logout. Each session carries a
// single mutable CSRF token slot: replacing the slot invalidates the
// previous token for all subsequent requests.
package sessions

import (
	"context"
	"errors"
	"time"
)

// CookieName is the HTTP cookie carrying the signed session token. The
// name matches what deployed clients already expect.
const CookieName = "JSESSIONID"

var (
	// ErrNotFound indicates the session ID resolves to nothing: the
	// caller is unauthenticated.
	ErrNotFound = errors.New("sessions: session not found")

	// ErrAlreadyAuthenticated indicates a login attempt on a transport
	// that already holds a live session for a different identity. The
	// existing session must not be silently replaced.
	ErrAlreadyAuthenticated = errors.New("sessions: transport already authenticated")
)

// Identity is the authenticated principal behind a session.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Session is a snapshot of one transport session. Mutations go through
// the Store so that concurrent requests observe a consistent token slot.
type Session struct {
	ID       string
	Identity Identity

	// CSRFHeader is the header name the current token was issued under
	// (X-TOKEN-CSRF or X-TOKEN-XSRF). Empty until the first issuance.
	CSRFHeader string
	// CSRFToken is the single currently-valid token for this session.
	CSRFToken string

	CreatedAt time.Time
}

// Store persists sessions. Implementations must serialize SetCSRF per
// session so two racing rotations leave exactly one valid token.
type Store interface {
	// Create allocates a new session for identity and returns it.
	Create(ctx context.Context, identity Identity) (*Session, error)

	// Get returns the session for sid, or ErrNotFound.
	Get(ctx context.Context, sid string) (*Session, error)

	// SetCSRF atomically replaces the session's token slot.
	SetCSRF(ctx context.Context, sid, headerName, token string) error

	// Delete destroys the session. Deleting an unknown sid is a no-op.
	Delete(ctx context.Context, sid string) error
}
