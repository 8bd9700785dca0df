package csrf

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cocomposer/cocomposer/sessions"
	"github.com/cocomposer/cocomposer/sessions/memorystore"
)

func newSession(t *testing.T, store sessions.Store) *sessions.Session {
	t.Helper()
	sess, err := store.Create(context.Background(), sessions.Identity{
		UserID: "u-1", Username: "alice", Email: "alice@example.org",
	})
	if err != nil {
		t.Fatalf("Create session: %v", err)
	}
	return sess
}

func TestRotateInvalidatesPriorToken(t *testing.T) {
	store := memorystore.New()
	r := NewRotator(store)
	sess := newSession(t, store)
	ctx := context.Background()

	name1, tok1, err := r.Rotate(ctx, httptest.NewRecorder(), sess.ID)
	if err != nil {
		t.Fatalf("first Rotate: %v", err)
	}
	name2, tok2, err := r.Rotate(ctx, httptest.NewRecorder(), sess.ID)
	if err != nil {
		t.Fatalf("second Rotate: %v", err)
	}
	if tok1 == tok2 {
		t.Fatal("rotation reissued the same token")
	}

	cur, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// The stale token is rejected even under its original header name.
	stale := httptest.NewRequest(http.MethodPost, "/api/v1/rest/compositions", nil)
	stale.Header.Set(name1, tok1)
	if err := r.Verify(stale, cur); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("stale token: got %v, want ErrStaleToken", err)
	}

	fresh := httptest.NewRequest(http.MethodPost, "/api/v1/rest/compositions", nil)
	fresh.Header.Set(name2, tok2)
	if err := r.Verify(fresh, cur); err != nil {
		t.Fatalf("fresh token rejected: %v", err)
	}
}

func TestRotationHeaderAlternates(t *testing.T) {
	store := memorystore.New()
	r := NewRotator(store)
	sess := newSession(t, store)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		name, tok, err := r.Rotate(ctx, rec, sess.ID)
		if err != nil {
			t.Fatalf("Rotate %d: %v", i, err)
		}
		if name != HeaderCSRF && name != HeaderXSRF {
			t.Fatalf("unexpected rotation header %q", name)
		}
		if rec.Header().Get(name) != tok {
			t.Fatalf("rotation header not attached to response")
		}
		seen[name] = true
	}
	if !seen[HeaderCSRF] || !seen[HeaderXSRF] {
		t.Fatalf("both header synonyms should be exercised, saw %v", seen)
	}
}

func TestSafeMethodsExempt(t *testing.T) {
	store := memorystore.New()
	r := NewRotator(store)
	sess := newSession(t, store)

	if _, _, err := r.Rotate(context.Background(), httptest.NewRecorder(), sess.ID); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	cur, _ := store.Get(context.Background(), sess.ID)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/rest/compositions", nil)
	if err := r.Verify(req, cur); err != nil {
		t.Fatalf("GET without token rejected: %v", err)
	}
}

func TestDoubleSubmitFallback(t *testing.T) {
	r := NewRotator(memorystore.New())

	// No session token issued yet: cookie + fixed header must pass.
	req := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "bootstrap-token"})
	req.Header.Set(HeaderDoubleSubmit, "bootstrap-token")
	if err := r.Verify(req, nil); err != nil {
		t.Fatalf("double-submit rejected: %v", err)
	}

	// Header/cookie mismatch fails.
	bad := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	bad.AddCookie(&http.Cookie{Name: CookieName, Value: "bootstrap-token"})
	bad.Header.Set(HeaderDoubleSubmit, "wrong")
	if err := r.Verify(bad, nil); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("mismatch: got %v, want ErrStaleToken", err)
	}

	// Missing header fails.
	missing := httptest.NewRequest(http.MethodPost, "/api/login", nil)
	missing.AddCookie(&http.Cookie{Name: CookieName, Value: "bootstrap-token"})
	if err := r.Verify(missing, nil); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("missing header: got %v, want ErrStaleToken", err)
	}
}

func TestSessionTokenTakesPrecedenceOverCookie(t *testing.T) {
	store := memorystore.New()
	r := NewRotator(store)
	sess := newSession(t, store)

	name, tok, err := r.Rotate(context.Background(), httptest.NewRecorder(), sess.ID)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	cur, _ := store.Get(context.Background(), sess.ID)

	// Once rotated, the double-submit path no longer satisfies checks.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/rest/compositions", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "cookie-token"})
	req.Header.Set(HeaderDoubleSubmit, "cookie-token")
	if err := r.Verify(req, cur); !errors.Is(err, ErrStaleToken) {
		t.Fatalf("cookie fallback after rotation: got %v, want ErrStaleToken", err)
	}

	good := httptest.NewRequest(http.MethodPost, "/api/v1/rest/compositions", nil)
	good.Header.Set(name, tok)
	if err := r.Verify(good, cur); err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
}

func TestEnsureCookie(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	v1, err := EnsureCookie(rec, req)
	if err != nil {
		t.Fatalf("EnsureCookie: %v", err)
	}
	if v1 == "" {
		t.Fatal("no cookie value generated")
	}
	found := false
	for _, c := range rec.Result().Cookies() {
		if c.Name == CookieName && c.Value == v1 {
			found = true
		}
	}
	if !found {
		t.Fatal("double-submit cookie not set on response")
	}

	// An existing cookie is kept as-is.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.AddCookie(&http.Cookie{Name: CookieName, Value: "existing"})
	v2, err := EnsureCookie(rec2, req2)
	if err != nil {
		t.Fatalf("EnsureCookie existing: %v", err)
	}
	if v2 != "existing" {
		t.Fatalf("existing cookie replaced: %q", v2)
	}
	if len(rec2.Result().Cookies()) != 0 {
		t.Fatal("cookie re-set although it already existed")
	}
}
