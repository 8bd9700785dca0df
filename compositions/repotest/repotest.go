// Package repotest provides a conformance suite run against every
// compositions.Repository implementation.
package repotest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cocomposer/cocomposer/compositions"
)

// Factory creates a fresh repository for one test.
type Factory func(t *testing.T) compositions.Repository

// Run executes the conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("GetUnknown", func(t *testing.T) { testGetUnknown(t, factory) })
	t.Run("Summaries", func(t *testing.T) { testSummaries(t, factory) })
	t.Run("GuestAppendOnce", func(t *testing.T) { testGuestAppendOnce(t, factory) })
	t.Run("ConcurrentGuestAppend", func(t *testing.T) { testConcurrentGuestAppend(t, factory) })
	t.Run("ElementLifecycle", func(t *testing.T) { testElementLifecycle(t, factory) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, factory) })
}

func seed(t *testing.T, repo compositions.Repository, owner string) *compositions.Composition {
	t.Helper()
	compo := &compositions.Composition{Title: "Symphony sketch", OwnerID: owner}
	if err := repo.Create(context.Background(), compo); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return compo
}

func testCreateAndGet(t *testing.T, factory Factory) {
	repo := factory(t)
	compo := seed(t, repo, "owner-1")
	if compo.ID == "" {
		t.Fatal("Create did not assign an ID")
	}

	got, err := repo.Get(context.Background(), compo.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Symphony sketch" || got.OwnerID != "owner-1" {
		t.Fatalf("Get returned %+v", got)
	}
	if len(got.GuestIDs) != 0 {
		t.Fatalf("new composition has guests: %v", got.GuestIDs)
	}
}

func testGetUnknown(t *testing.T, factory Factory) {
	repo := factory(t)
	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, compositions.ErrNotFound) {
		t.Fatalf("Get unknown: got %v, want ErrNotFound", err)
	}
}

func testSummaries(t *testing.T, factory Factory) {
	repo := factory(t)
	ctx := context.Background()

	mine := seed(t, repo, "u-1")
	other := seed(t, repo, "u-2")
	if _, err := repo.AddGuest(ctx, other.ID, "u-1"); err != nil {
		t.Fatalf("AddGuest: %v", err)
	}

	owned, guested, err := repo.Summaries(ctx, "u-1")
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if len(owned) != 1 || owned[0].ID != mine.ID {
		t.Fatalf("owned = %+v", owned)
	}
	if len(guested) != 1 || guested[0].ID != other.ID {
		t.Fatalf("guested = %+v", guested)
	}
}

func testGuestAppendOnce(t *testing.T, factory Factory) {
	repo := factory(t)
	ctx := context.Background()
	compo := seed(t, repo, "owner-1")

	added, err := repo.AddGuest(ctx, compo.ID, "guest-1")
	if err != nil || !added {
		t.Fatalf("first AddGuest: added=%v err=%v", added, err)
	}
	added, err = repo.AddGuest(ctx, compo.ID, "guest-1")
	if err != nil {
		t.Fatalf("second AddGuest: %v", err)
	}
	if added {
		t.Fatal("second AddGuest reported a duplicate append")
	}

	got, _ := repo.Get(ctx, compo.ID)
	if len(got.GuestIDs) != 1 {
		t.Fatalf("guest list = %v, want single entry", got.GuestIDs)
	}
}

func testConcurrentGuestAppend(t *testing.T, factory Factory) {
	repo := factory(t)
	ctx := context.Background()
	compo := seed(t, repo, "owner-1")

	const guests = 8
	var wg sync.WaitGroup
	addedCount := make(chan bool, guests*2)
	for i := 0; i < guests; i++ {
		// Two racing appends per guest; exactly one may win.
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				added, err := repo.AddGuest(ctx, compo.ID, fmt.Sprintf("guest-%d", i))
				if err != nil {
					t.Errorf("AddGuest: %v", err)
					return
				}
				addedCount <- added
			}(i)
		}
	}
	wg.Wait()
	close(addedCount)

	wins := 0
	for added := range addedCount {
		if added {
			wins++
		}
	}
	if wins != guests {
		t.Fatalf("%d appends won, want exactly %d", wins, guests)
	}

	got, _ := repo.Get(ctx, compo.ID)
	if len(got.GuestIDs) != guests {
		t.Fatalf("guest list has %d entries, want %d: %v", len(got.GuestIDs), guests, got.GuestIDs)
	}
}

func testElementLifecycle(t *testing.T, factory Factory) {
	repo := factory(t)
	ctx := context.Background()
	compo := seed(t, repo, "owner-1")

	el := compositions.Element{ID: "el-1", ElementType: "note", X: 10, Y: 20}
	if err := repo.AddElement(ctx, compo.ID, el); err != nil {
		t.Fatalf("AddElement: %v", err)
	}

	if err := repo.MoveElement(ctx, compo.ID, "el-1", 30, 40); err != nil {
		t.Fatalf("MoveElement: %v", err)
	}
	got, _ := repo.Get(ctx, compo.ID)
	if len(got.Elements) != 1 || got.Elements[0].X != 30 || got.Elements[0].Y != 40 {
		t.Fatalf("after move: %+v", got.Elements)
	}

	el.Style = "color:red"
	el.X = 5
	if err := repo.UpdateElement(ctx, compo.ID, el); err != nil {
		t.Fatalf("UpdateElement: %v", err)
	}
	got, _ = repo.Get(ctx, compo.ID)
	if got.Elements[0].Style != "color:red" || got.Elements[0].X != 5 {
		t.Fatalf("after update: %+v", got.Elements)
	}

	if err := repo.RemoveElement(ctx, compo.ID, "el-1"); err != nil {
		t.Fatalf("RemoveElement: %v", err)
	}
	got, _ = repo.Get(ctx, compo.ID)
	if len(got.Elements) != 0 {
		t.Fatalf("after remove: %+v", got.Elements)
	}

	if err := repo.RemoveElement(ctx, compo.ID, "el-1"); !errors.Is(err, compositions.ErrNotFound) {
		t.Fatalf("remove missing element: got %v, want ErrNotFound", err)
	}
	if err := repo.MoveElement(ctx, compo.ID, "ghost", 0, 0); !errors.Is(err, compositions.ErrNotFound) {
		t.Fatalf("move missing element: got %v, want ErrNotFound", err)
	}
}

func testDelete(t *testing.T, factory Factory) {
	repo := factory(t)
	ctx := context.Background()
	compo := seed(t, repo, "owner-1")

	if err := repo.Delete(ctx, compo.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repo.Get(ctx, compo.ID); !errors.Is(err, compositions.ErrNotFound) {
		t.Fatalf("Get after delete: got %v, want ErrNotFound", err)
	}
	if err := repo.Delete(ctx, compo.ID); !errors.Is(err, compositions.ErrNotFound) {
		t.Fatalf("second Delete: got %v, want ErrNotFound", err)
	}
}
