// Package storetest provides a conformance suite run against every
// sessions.Store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cocomposer/cocomposer/sessions"
)

// Factory creates a fresh store for one test.
type Factory func(t *testing.T) sessions.Store

// Run executes the conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("CSRFSlotReplaces", func(t *testing.T) { testCSRFSlotReplaces(t, factory) })
	t.Run("ConcurrentRotationLeavesOneToken", func(t *testing.T) { testConcurrentRotation(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
}

var alice = sessions.Identity{UserID: "u-1", Username: "alice", Email: "alice@example.org"}

func testCreateAndGet(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	created, err := store.Create(ctx, alice)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("Create returned empty session ID")
	}
	if created.CSRFToken != "" || created.CSRFHeader != "" {
		t.Fatalf("new session must have an empty token slot, got %q/%q", created.CSRFHeader, created.CSRFToken)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Identity != alice {
		t.Fatalf("Get identity = %+v, want %+v", got.Identity, alice)
	}
}

func testGetUnknown(t *testing.T, factory Factory) {
	store := factory(t)
	if _, err := store.Get(context.Background(), "no-such-session"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Get unknown: got %v, want ErrNotFound", err)
	}
}

func testCSRFSlotReplaces(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, alice)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.SetCSRF(ctx, sess.ID, "X-TOKEN-CSRF", "tok-1"); err != nil {
		t.Fatalf("SetCSRF: %v", err)
	}
	if err := store.SetCSRF(ctx, sess.ID, "X-TOKEN-XSRF", "tok-2"); err != nil {
		t.Fatalf("SetCSRF rotate: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CSRFHeader != "X-TOKEN-XSRF" || got.CSRFToken != "tok-2" {
		t.Fatalf("token slot = %q/%q, want rotated value only", got.CSRFHeader, got.CSRFToken)
	}

	if err := store.SetCSRF(ctx, "no-such-session", "X-TOKEN-CSRF", "tok"); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("SetCSRF unknown: got %v, want ErrNotFound", err)
	}
}

func testConcurrentRotation(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, alice)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.SetCSRF(ctx, sess.ID, "X-TOKEN-CSRF", fmt.Sprintf("tok-%d", i))
		}(i)
	}
	wg.Wait()

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	// Whichever write won, the slot must hold exactly one coherent pair.
	if got.CSRFHeader != "X-TOKEN-CSRF" || got.CSRFToken == "" {
		t.Fatalf("token slot incoherent after racing rotations: %q/%q", got.CSRFHeader, got.CSRFToken)
	}
}

func testDelete(t *testing.T, factory Factory) {
	store := factory(t)
	ctx := context.Background()

	sess, err := store.Create(ctx, alice)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, sess.ID); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
	// Idempotent.
	if err := store.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}
