// Package csrf implements the anti-forgery token rotation service.
//
// Each session holds a single mutable token slot. On every
// state-changing exchange the service may replace the slot and announce
// the new value in a rotation header on the response. The rotation
// header name is not fixed: it is chosen per issuance from two synonyms
// (X-TOKEN-CSRF and X-TOKEN-XSRF), and the client must echo the token
// back under whichever name it last received. Before any rotation has
// happened on a session, requests may instead present the double-submit
// cookie value (XSRF-TOKEN) under the fixed X-XSRF-TOKEN header.
//
// Requests are verified before any rotation within the same exchange, so
// an in-flight request that captured the prior token is honored even if
// a concurrent request rotates the slot while it is being processed.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/cocomposer/cocomposer/sessions"
)

const (
	// HeaderCSRF and HeaderXSRF are the two synonymous rotation headers.
	HeaderCSRF = "X-TOKEN-CSRF"
	HeaderXSRF = "X-TOKEN-XSRF"

	// HeaderDoubleSubmit is the fixed request header for the cookie
	// fallback path.
	HeaderDoubleSubmit = "X-XSRF-TOKEN"

	// CookieName is the double-submit cookie.
	CookieName = "XSRF-TOKEN"
)

// ErrStaleToken indicates a mutating request carried no token, an
// outdated token, or a token that does not match the double-submit
// cookie. The request must be rejected before any domain logic runs.
var ErrStaleToken = errors.New("csrf: missing or stale token")

// NewToken returns a fresh random token.
func NewToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("csrf: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Rotator issues, rotates and verifies per-session tokens.
type Rotator struct {
	store sessions.Store
	// flip alternates the issuance header between the two synonyms so
	// both names are exercised; callers must track the name they last
	// received rather than hardcoding one.
	flip atomic.Uint64
}

// NewRotator creates a Rotator backed by the given session store.
func NewRotator(store sessions.Store) *Rotator {
	return &Rotator{store: store}
}

// nextHeaderName picks the rotation header for one issuance.
func (r *Rotator) nextHeaderName() string {
	if r.flip.Add(1)%2 == 0 {
		return HeaderXSRF
	}
	return HeaderCSRF
}

// Rotate replaces the session's token slot with a fresh token and
// attaches the rotation header to the response. It returns the header
// name and token issued.
func (r *Rotator) Rotate(ctx context.Context, w http.ResponseWriter, sid string) (headerName, token string, err error) {
	token, err = NewToken()
	if err != nil {
		return "", "", err
	}
	headerName = r.nextHeaderName()
	if err := r.store.SetCSRF(ctx, sid, headerName, token); err != nil {
		return "", "", fmt.Errorf("csrf: rotate: %w", err)
	}
	w.Header().Set(headerName, token)
	return headerName, token, nil
}

// Current returns the session's valid token, issuing one if the slot is
// still empty. Used by the /csrf bootstrap endpoint consumed before the
// realtime handshake.
func (r *Rotator) Current(ctx context.Context, sess *sessions.Session) (headerName, token string, err error) {
	if sess.CSRFToken != "" {
		return sess.CSRFHeader, sess.CSRFToken, nil
	}
	token, err = NewToken()
	if err != nil {
		return "", "", err
	}
	headerName = r.nextHeaderName()
	if err := r.store.SetCSRF(ctx, sess.ID, headerName, token); err != nil {
		return "", "", fmt.Errorf("csrf: issue: %w", err)
	}
	return headerName, token, nil
}

// EnsureCookie guarantees the double-submit cookie is present, setting a
// fresh one when the request carried none. It returns the cookie value
// in effect for this exchange.
func EnsureCookie(w http.ResponseWriter, req *http.Request) (string, error) {
	if c, err := req.Cookie(CookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false, // the SPA reads it to fill X-XSRF-TOKEN
		SameSite: http.SameSiteLaxMode,
	})
	return token, nil
}

// safeMethod reports whether the request can never mutate state and is
// therefore exempt from token checks.
func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// VerifyHandshake checks the realtime upgrade request. The upgrade is a
// GET but still requires the token captured from the bootstrap endpoint,
// presented under the header name it was issued with; the double-submit
// fallback does not apply here.
func (r *Rotator) VerifyHandshake(req *http.Request, sess *sessions.Session) error {
	if sess == nil || sess.CSRFToken == "" {
		return ErrStaleToken
	}
	got := req.Header.Get(sess.CSRFHeader)
	if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(sess.CSRFToken)) != 1 {
		return ErrStaleToken
	}
	return nil
}

// Verify checks the request's token. sess may be nil for requests on an
// unauthenticated transport (login itself is a mutating endpoint and is
// protected by the double-submit path).
func (r *Rotator) Verify(req *http.Request, sess *sessions.Session) error {
	if safeMethod(req.Method) {
		return nil
	}

	// Session token slot takes precedence once a rotation has happened:
	// the token must arrive under the name it was issued with.
	if sess != nil && sess.CSRFToken != "" {
		got := req.Header.Get(sess.CSRFHeader)
		if got == "" {
			return ErrStaleToken
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(sess.CSRFToken)) != 1 {
			return ErrStaleToken
		}
		return nil
	}

	// Double-submit fallback: header must match the cookie.
	got := req.Header.Get(HeaderDoubleSubmit)
	if got == "" {
		return ErrStaleToken
	}
	c, err := req.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return ErrStaleToken
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(c.Value)) != 1 {
		return ErrStaleToken
	}
	return nil
}
