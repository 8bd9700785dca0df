// Package brokertest provides a conformance suite run against every
// broker.Broker implementation.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/cocomposer/cocomposer/broker"
)

// Factory creates a fresh broker for one test.
type Factory func(t *testing.T) broker.Broker

// Run executes the conformance suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("DeliversInPublishOrder", func(t *testing.T) { testDeliversInPublishOrder(t, factory) })
	t.Run("FanOutSameOrder", func(t *testing.T) { testFanOutSameOrder(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("SubscribeSeesOnlyLaterEvents", func(t *testing.T) { testSubscribeSeesOnlyLaterEvents(t, factory) })
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) { testUnsubscribeStopsDelivery(t, factory) })
	t.Run("SlowConsumerIsDropped", func(t *testing.T) { testSlowConsumerIsDropped(t, factory) })
}

func collect(t *testing.T, sub broker.Subscription, n int) []broker.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := make([]broker.Envelope, 0, n)
	for len(out) < n {
		env, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next after %d events: %v", len(out), err)
		}
		out = append(out, env)
	}
	return out
}

func testDeliversInPublishOrder(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "compositions.alpha")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	const n = 20
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Publish(ctx, "compositions.alpha", []byte(fmt.Sprintf("ev-%d", i)))
		if err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	got := collect(t, sub, n)
	for i, env := range got {
		if string(env.Data) != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("event %d: got %q", i, env.Data)
		}
		if env.ID != ids[i] {
			t.Fatalf("event %d: id %q, published as %q", i, env.ID, ids[i])
		}
	}
}

func testFanOutSameOrder(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	var subs []broker.Subscription
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe(ctx, "compositions.beta")
		if err != nil {
			t.Fatalf("Subscribe %d: %v", i, err)
		}
		defer sub.Close()
		subs = append(subs, sub)
	}

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, "compositions.beta", []byte(fmt.Sprintf("ev-%d", i))); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for si, sub := range subs {
		got := collect(t, sub, n)
		for i, env := range got {
			if string(env.Data) != fmt.Sprintf("ev-%d", i) {
				t.Fatalf("subscriber %d event %d: got %q", si, i, env.Data)
			}
		}
	}
}

func testTopicIsolation(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "compositions.gamma")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := b.Publish(ctx, "compositions.other", []byte("stray")); err != nil {
		t.Fatalf("Publish other: %v", err)
	}
	if _, err := b.Publish(ctx, "compositions.gamma", []byte("mine")); err != nil {
		t.Fatalf("Publish gamma: %v", err)
	}

	got := collect(t, sub, 1)
	if string(got[0].Data) != "mine" {
		t.Fatalf("got %q, want event from own topic only", got[0].Data)
	}
}

func testSubscribeSeesOnlyLaterEvents(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	if _, err := b.Publish(ctx, "compositions.delta", []byte("before")); err != nil {
		t.Fatalf("Publish before: %v", err)
	}

	sub, err := b.Subscribe(ctx, "compositions.delta")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := b.Publish(ctx, "compositions.delta", []byte("after")); err != nil {
		t.Fatalf("Publish after: %v", err)
	}

	got := collect(t, sub, 1)
	if string(got[0].Data) != "after" {
		t.Fatalf("got %q, want only events published after subscribe", got[0].Data)
	}
}

func testUnsubscribeStopsDelivery(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "compositions.epsilon")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := b.Publish(ctx, "compositions.epsilon", []byte("late")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	env, err := sub.Next(shortCtx)
	if err == nil {
		t.Fatalf("received %q after unsubscribe", env.Data)
	}
	if !errors.Is(err, io.EOF) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next after Close: unexpected error %v", err)
	}
}

func testSlowConsumerIsDropped(t *testing.T, factory Factory) {
	b := factory(t)
	defer b.Close()
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, "compositions.zeta")
	if err != nil {
		t.Fatalf("Subscribe slow: %v", err)
	}
	defer slow.Close()
	healthy, err := b.Subscribe(ctx, "compositions.zeta")
	if err != nil {
		t.Fatalf("Subscribe healthy: %v", err)
	}
	defer healthy.Close()

	// Overwhelm the slow subscriber's queue while draining the healthy one
	// in lockstep so only the slow subscriber can fall behind.
	const n = 600
	dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for i := 0; i < n; i++ {
		if _, err := b.Publish(ctx, "compositions.zeta", []byte(fmt.Sprintf("ev-%d", i))); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
		env, err := healthy.Next(dctx)
		if err != nil {
			t.Fatalf("healthy subscriber failed at %d: %v", i, err)
		}
		if string(env.Data) != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("healthy subscriber event %d: got %q", i, env.Data)
		}
	}

	// The slow subscriber must eventually surface ErrSlowConsumer after
	// the buffered prefix, never a reordered or corrupted stream.
	sctx, scancel := context.WithTimeout(ctx, 5*time.Second)
	defer scancel()
	last := -1
	for {
		env, err := slow.Next(sctx)
		if err != nil {
			if !errors.Is(err, broker.ErrSlowConsumer) {
				t.Fatalf("slow subscriber: got %v, want ErrSlowConsumer", err)
			}
			return
		}
		var i int
		if _, err := fmt.Sscanf(string(env.Data), "ev-%d", &i); err != nil {
			t.Fatalf("unparseable event %q", env.Data)
		}
		if i <= last {
			t.Fatalf("out-of-order delivery: %d after %d", i, last)
		}
		last = i
	}
}
