package compositions_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cocomposer/cocomposer/broker"
	"github.com/cocomposer/cocomposer/broker/memorybroker"
	"github.com/cocomposer/cocomposer/compositions"
	"github.com/cocomposer/cocomposer/compositions/memoryrepo"
	"github.com/cocomposer/cocomposer/sessions"
)

var (
	owner    = sessions.Identity{UserID: "u-owner", Username: "owner", Email: "owner@example.org"}
	guest    = sessions.Identity{UserID: "u-guest", Username: "guest", Email: "guest@example.org"}
	stranger = sessions.Identity{UserID: "u-stranger", Username: "stranger", Email: "stranger@example.org"}
)

type gateFixture struct {
	repo *memoryrepo.Repository
	bk   *memorybroker.Broker
	gate *compositions.Gate
}

func newGateFixture(t *testing.T) *gateFixture {
	t.Helper()
	repo := memoryrepo.New()
	bk := memorybroker.New()
	t.Cleanup(func() { _ = bk.Close() })
	return &gateFixture{repo: repo, bk: bk, gate: compositions.NewGate(repo, bk, nil)}
}

func (f *gateFixture) seed(t *testing.T, collaborative bool, guests ...string) *compositions.Composition {
	t.Helper()
	compo := &compositions.Composition{
		Title:         "Quartet in D",
		Collaborative: collaborative,
		OwnerID:       owner.UserID,
		GuestIDs:      guests,
	}
	if err := f.repo.Create(context.Background(), compo); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return compo
}

func expectNoEvent(t *testing.T, sub broker.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if env, err := sub.Next(ctx); err == nil {
		t.Fatalf("unexpected event published: %s", env.Data)
	}
}

func TestGateOwnerAllowedWithoutMutation(t *testing.T) {
	f := newGateFixture(t)
	compo := f.seed(t, false)

	dec, err := f.gate.Authorize(context.Background(), owner, compo.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !dec.Allowed || dec.GuestAdded {
		t.Fatalf("owner decision = %+v", dec)
	}
	got, _ := f.repo.Get(context.Background(), compo.ID)
	if len(got.GuestIDs) != 0 {
		t.Fatalf("owner authorization mutated guests: %v", got.GuestIDs)
	}
}

func TestGateExistingGuestAllowedWithoutReAnnounce(t *testing.T) {
	f := newGateFixture(t)
	compo := f.seed(t, true, guest.UserID)

	sub, err := f.bk.Subscribe(context.Background(), broker.TopicForComposition(compo.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	dec, err := f.gate.Authorize(context.Background(), guest, compo.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !dec.Allowed || dec.GuestAdded {
		t.Fatalf("existing guest decision = %+v", dec)
	}

	got, _ := f.repo.Get(context.Background(), compo.ID)
	if len(got.GuestIDs) != 1 {
		t.Fatalf("guest list changed: %v", got.GuestIDs)
	}
	expectNoEvent(t, sub)
}

func TestGateStrangerDeniedOnPrivateComposition(t *testing.T) {
	f := newGateFixture(t)
	compo := f.seed(t, false)

	sub, err := f.bk.Subscribe(context.Background(), broker.TopicForComposition(compo.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	dec, err := f.gate.Authorize(context.Background(), stranger, compo.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if dec.Allowed {
		t.Fatal("stranger allowed on non-collaborative composition")
	}

	got, _ := f.repo.Get(context.Background(), compo.ID)
	if len(got.GuestIDs) != 0 {
		t.Fatalf("deny mutated guest list: %v", got.GuestIDs)
	}
	expectNoEvent(t, sub)
}

func TestGateUnknownCompositionDeniesLikeForbidden(t *testing.T) {
	f := newGateFixture(t)

	dec, err := f.gate.Authorize(context.Background(), stranger, "no-such-composition")
	if err != nil {
		t.Fatalf("Authorize must not surface not-found as an error, got %v", err)
	}
	if dec.Allowed {
		t.Fatal("unknown composition allowed")
	}
}

func TestGateFirstJoinAppendsGuestAndAnnounces(t *testing.T) {
	f := newGateFixture(t)
	compo := f.seed(t, true)
	ctx := context.Background()

	sub, err := f.bk.Subscribe(ctx, broker.TopicForComposition(compo.ID))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	dec, err := f.gate.Authorize(ctx, guest, compo.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if !dec.Allowed || !dec.GuestAdded {
		t.Fatalf("first join decision = %+v", dec)
	}

	got, _ := f.repo.Get(ctx, compo.ID)
	if len(got.GuestIDs) != 1 || got.GuestIDs[0] != guest.UserID {
		t.Fatalf("guest list = %v", got.GuestIDs)
	}

	nctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	env, err := sub.Next(nctx)
	if err != nil {
		t.Fatalf("prior subscriber missed MEMBER_JOINED: %v", err)
	}
	var info compositions.SubscriptionInfo
	if err := json.Unmarshal(env.Data, &info); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if info.InfoType != compositions.InfoMemberJoined || info.Email != guest.Email {
		t.Fatalf("event = %+v", info)
	}

	// Re-authorizing must not duplicate the entry or re-announce.
	dec, err = f.gate.Authorize(ctx, guest, compo.ID)
	if err != nil || !dec.Allowed || dec.GuestAdded {
		t.Fatalf("re-authorize decision = %+v err=%v", dec, err)
	}
	got, _ = f.repo.Get(ctx, compo.ID)
	if len(got.GuestIDs) != 1 {
		t.Fatalf("guest duplicated: %v", got.GuestIDs)
	}
	expectNoEvent(t, sub)
}

func TestGateJoinAnnouncedBeforeGuestAuthoredEvents(t *testing.T) {
	f := newGateFixture(t)
	compo := f.seed(t, true)
	ctx := context.Background()
	topic := broker.TopicForComposition(compo.ID)

	sub, err := f.bk.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := f.gate.Authorize(ctx, guest, compo.ID); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	// The guest's first action can only start after Authorize returned,
	// so its event is sequenced after the MEMBER_JOINED publish.
	svc := compositions.NewService(f.repo, f.bk, nil)
	if _, err := svc.AddElement(ctx, guest, compo.ID, compositions.Element{ElementType: "note"}); err != nil {
		t.Fatalf("AddElement: %v", err)
	}

	nctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	first, err := sub.Next(nctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var info compositions.SubscriptionInfo
	if err := json.Unmarshal(first.Data, &info); err != nil || info.InfoType != compositions.InfoMemberJoined {
		t.Fatalf("first event = %s, want MEMBER_JOINED", first.Data)
	}
	second, err := sub.Next(nctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	var order compositions.Order
	if err := json.Unmarshal(second.Data, &order); err != nil || order.OrderType != compositions.OrderElementAdded {
		t.Fatalf("second event = %s, want elementAdded", second.Data)
	}
	if order.AuthorEmail != guest.Email {
		t.Fatalf("order author = %q", order.AuthorEmail)
	}
}
