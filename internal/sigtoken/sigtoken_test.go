package sigtoken

import (
	"errors"
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	s, err := New([]byte("0123456789abcdef0123456789abcdef"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tok, err := s.Sign("sess-1234")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	got, err := s.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != "sess-1234" {
		t.Fatalf("session ID = %q", got)
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	a, _ := New([]byte("key-a-key-a-key-a-key-a-key-a-ka"))
	b, _ := New([]byte("key-b-key-b-key-b-key-b-key-b-kb"))
	tok, err := a.Sign("sess-1234")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := b.Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("cross-key verify: got %v, want ErrInvalid", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	s, _ := New([]byte("0123456789abcdef0123456789abcdef"))
	for _, tok := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := s.Verify(tok); !errors.Is(err, ErrInvalid) {
			t.Fatalf("Verify(%q): got %v, want ErrInvalid", tok, err)
		}
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	s, _ := New([]byte("0123456789abcdef0123456789abcdef"),
		WithTTL(time.Hour),
		WithClock(func() time.Time { return clock }),
	)
	tok, err := s.Sign("sess-1234")
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	clock = base.Add(2 * time.Hour)
	if _, err := s.Verify(tok); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expired verify: got %v, want ErrInvalid", err)
	}
}
