// Package memorybroker provides an in-process implementation of
// broker.Broker using Go channels. Suitable for single-node deployments
// and tests; state is local so it cannot back a multi-node cluster.
package memorybroker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cocomposer/cocomposer/broker"
)

// subscriberBuffer bounds the per-subscriber queue. A subscriber that
// lets this many events pile up is dropped so that one stalled websocket
// cannot stall the topic.
const subscriberBuffer = 256

// Broker implements broker.Broker with per-topic fanout registries.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	mu          sync.Mutex
	name        string
	seq         uint64
	subscribers map[*subscription]struct{}
}

type subscription struct {
	topic    *topic
	ch       chan broker.Envelope
	overflow atomic.Bool
	closed   atomic.Bool
	done     chan struct{}
}

// New creates an empty in-process broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) getTopic(name string, create bool) (*topic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, broker.ErrClosed
	}
	tp, ok := b.topics[name]
	if !ok {
		if !create {
			return nil, nil
		}
		tp = &topic{name: name, subscribers: make(map[*subscription]struct{})}
		b.topics[name] = tp
	}
	return tp, nil
}

// Publish implements broker.Broker. The topic lock is the per-topic
// sequencer: the sequence number assignment and the enqueue to every
// subscriber happen under it, so all subscribers see the same order.
func (b *Broker) Publish(ctx context.Context, topicName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tp, err := b.getTopic(topicName, true)
	if err != nil {
		return "", err
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	tp.seq++
	env := broker.Envelope{
		ID:    fmt.Sprintf("%020d", tp.seq),
		Topic: topicName,
		Data:  append([]byte(nil), data...),
	}

	for sub := range tp.subscribers {
		select {
		case sub.ch <- env:
		default:
			// Slow consumer: evict rather than block the topic.
			sub.overflow.Store(true)
			delete(tp.subscribers, sub)
			close(sub.done)
		}
	}
	return env.ID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topicName string) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tp, err := b.getTopic(topicName, true)
	if err != nil {
		return nil, err
	}

	sub := &subscription{
		topic: tp,
		ch:    make(chan broker.Envelope, subscriberBuffer),
		done:  make(chan struct{}),
	}
	tp.mu.Lock()
	tp.subscribers[sub] = struct{}{}
	tp.mu.Unlock()
	return sub, nil
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := b.topics
	b.topics = nil
	b.mu.Unlock()

	for _, tp := range topics {
		tp.mu.Lock()
		for sub := range tp.subscribers {
			delete(tp.subscribers, sub)
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.done)
			}
		}
		tp.mu.Unlock()
	}
	return nil
}

// Next implements broker.Subscription.
func (s *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	// Drain buffered events before reporting any terminal condition so a
	// subscriber that was dropped mid-burst still sees a clean prefix.
	select {
	case env := <-s.ch:
		return env, nil
	default:
	}

	select {
	case env := <-s.ch:
		return env, nil
	case <-s.done:
		// Deliver what was already queued ahead of the drop.
		select {
		case env := <-s.ch:
			return env, nil
		default:
		}
		if s.overflow.Load() {
			return broker.Envelope{}, broker.ErrSlowConsumer
		}
		return broker.Envelope{}, io.EOF
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	}
}

// Close implements broker.Subscription. Removing the subscriber from the
// topic registry under the topic lock makes unsubscription effective for
// every publish that starts after Close returns.
func (s *subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	tp := s.topic
	tp.mu.Lock()
	if _, ok := tp.subscribers[s]; ok {
		delete(tp.subscribers, s)
		close(s.done)
	}
	tp.mu.Unlock()
	return nil
}

var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
