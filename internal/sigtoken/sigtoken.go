// Package sigtoken mints and verifies the signed values carried in the
// session cookie. The cookie holds a compact HS256 JWS whose subject is
// the opaque session ID; the server never trusts a session ID that does
// not verify against the configured key.
package sigtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalid indicates the token failed signature or claim validation
// and the bearer must be treated as unauthenticated.
var ErrInvalid = errors.New("sigtoken: invalid token")

const issuer = "cocomposer"

// Signer signs and verifies session cookie values.
type Signer struct {
	key    []byte
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// Option customizes a Signer.
type Option func(*Signer)

// WithTTL bounds token lifetime. Zero means no expiry claim; the
// session store's own TTL is then the only bound.
func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) { s.ttl = ttl }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New creates a Signer. The key must be non-empty.
func New(key []byte, opts ...Option) (*Signer, error) {
	if len(key) == 0 {
		return nil, errors.New("sigtoken: signing key is required")
	}
	s := &Signer{
		key:    append([]byte(nil), key...),
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sign wraps the session ID in a signed token suitable for a cookie value.
func (s *Signer) Sign(sessionID string) (string, error) {
	if sessionID == "" {
		return "", errors.New("sigtoken: session ID is required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  sessionID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
}

// Verify checks the token and returns the embedded session ID.
func (s *Signer) Verify(token string) (string, error) {
	if token == "" {
		return "", ErrInvalid
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(s.leeway),
		jwt.WithTimeFunc(s.now),
	)
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalid)
	}
	return claims.Subject, nil
}
