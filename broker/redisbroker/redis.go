// Package redisbroker implements broker.Broker on Redis Streams so that
// several server instances can share one topic space. Each topic maps to
// one stream; Redis assigns the monotonically increasing entry IDs that
// become event IDs.
package redisbroker

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/cocomposer/cocomposer/broker"
)

const (
	subscriberBuffer = 256
	readBlock        = 5 * time.Second
	// streamMaxLen caps retained history per topic. Events are ephemeral;
	// the tail exists only so concurrent readers never miss an entry
	// between two XREAD calls.
	streamMaxLen = 1024
)

// Config for the Redis-backed broker. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: BROKER_KEY_PREFIX
	KeyPrefix string `env:"BROKER_KEY_PREFIX,default=cocomposer:topics:"`
}

// Broker implements broker.Broker on a Redis client.
type Broker struct {
	client    *redis.Client
	keyPrefix string
	closed    atomic.Bool
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Broker, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cocomposer:topics:"
	}
	return &Broker{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Broker using envdecode to populate Config.
func NewFromEnv() (*Broker, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(cl *redis.Client, keyPrefix string) *Broker {
	return &Broker{client: cl, keyPrefix: keyPrefix}
}

func (b *Broker) streamKey(topic string) string { return b.keyPrefix + topic }

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	if b.closed.Load() {
		return "", broker.ErrClosed
	}
	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.streamKey(topic),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"d": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe implements broker.Broker. A goroutine tails the topic stream
// with blocking XREAD and feeds a bounded channel; overflow terminates
// the subscription like the in-process broker.
func (b *Broker) Subscribe(ctx context.Context, topic string) (broker.Subscription, error) {
	if b.closed.Load() {
		return nil, broker.ErrClosed
	}

	// Pin the starting cursor before returning so only later publishes
	// are observed.
	lastID := "0-0"
	if id, err := b.client.XInfoStream(ctx, b.streamKey(topic)).Result(); err == nil {
		lastID = id.LastGeneratedID
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		ch:     make(chan broker.Envelope, subscriberBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.readLoop(readCtx, topic, lastID, sub)
	return sub, nil
}

func (b *Broker) readLoop(ctx context.Context, topic, lastID string, sub *subscription) {
	defer close(sub.done)
	key := b.streamKey(topic)
	for {
		if ctx.Err() != nil || b.closed.Load() {
			return
		}
		res, err := b.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   readBlock,
			Count:   64,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // block timeout, poll again
			}
			if ctx.Err() != nil {
				return
			}
			sub.fault.Store(true)
			return
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				data, _ := msg.Values["d"].(string)
				env := broker.Envelope{ID: msg.ID, Topic: topic, Data: []byte(data)}
				select {
				case sub.ch <- env:
				case <-ctx.Done():
					return
				default:
					sub.overflow.Store(true)
					return
				}
			}
		}
	}
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	if b.closed.CompareAndSwap(false, true) {
		return b.client.Close()
	}
	return nil
}

type subscription struct {
	ch       chan broker.Envelope
	cancel   context.CancelFunc
	done     chan struct{}
	overflow atomic.Bool
	fault    atomic.Bool
	closed   atomic.Bool
}

// Next implements broker.Subscription.
func (s *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	select {
	case env := <-s.ch:
		return env, nil
	default:
	}
	select {
	case env := <-s.ch:
		return env, nil
	case <-s.done:
		select {
		case env := <-s.ch:
			return env, nil
		default:
		}
		switch {
		case s.overflow.Load():
			return broker.Envelope{}, broker.ErrSlowConsumer
		case s.fault.Load():
			return broker.Envelope{}, fmt.Errorf("broker: stream read failed")
		default:
			return broker.Envelope{}, io.EOF
		}
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	}
}

// Close implements broker.Subscription.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.cancel()
	}
	return nil
}

var (
	_ broker.Broker       = (*Broker)(nil)
	_ broker.Subscription = (*subscription)(nil)
)
