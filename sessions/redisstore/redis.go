// Package redisstore is a Redis-backed sessions.Store so that several
// server instances can resolve the same cookie sessions.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/cocomposer/cocomposer/sessions"
)

// Config for the Redis session store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for session keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=cocomposer:sessions:"`
	// TTL for idle sessions. ENV: SESSIONS_TTL
	TTL time.Duration `env:"SESSIONS_TTL,default=24h"`
}

// Store implements sessions.Store on Redis hashes, one hash per session.
type Store struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newWith(cl, cfg), nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(cl *redis.Client, cfg Config) *Store {
	return newWith(cl, cfg)
}

func newWith(cl *redis.Client, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "cocomposer:sessions:"
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: cl, keyPrefix: prefix, ttl: ttl}
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(sid string) string { return s.keyPrefix + sid }

// Create implements sessions.Store.
func (s *Store) Create(ctx context.Context, identity sessions.Identity) (*sessions.Session, error) {
	sess := &sessions.Session{
		ID:        uuid.NewString(),
		Identity:  identity,
		CreatedAt: time.Now().UTC(),
	}
	key := s.key(sess.ID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, map[string]interface{}{
			"user_id":     identity.UserID,
			"username":    identity.Username,
			"email":       identity.Email,
			"csrf_header": "",
			"csrf_token":  "",
			"created_at":  sess.CreatedAt.Format(time.RFC3339Nano),
		})
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, sid string) (*sessions.Session, error) {
	vals, err := s.client.HGetAll(ctx, s.key(sid)).Result()
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	if len(vals) == 0 {
		return nil, sessions.ErrNotFound
	}
	createdAt, _ := time.Parse(time.RFC3339Nano, vals["created_at"])
	return &sessions.Session{
		ID: sid,
		Identity: sessions.Identity{
			UserID:   vals["user_id"],
			Username: vals["username"],
			Email:    vals["email"],
		},
		CSRFHeader: vals["csrf_header"],
		CSRFToken:  vals["csrf_token"],
		CreatedAt:  createdAt,
	}, nil
}

// SetCSRF implements sessions.Store. HSET replaces both fields in one
// command, which is the atomic slot swap the contract requires.
func (s *Store) SetCSRF(ctx context.Context, sid, headerName, token string) error {
	key := s.key(sid)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("set csrf: %w", err)
	}
	if exists == 0 {
		return sessions.ErrNotFound
	}
	if err := s.client.HSet(ctx, key, "csrf_header", headerName, "csrf_token", token).Err(); err != nil {
		return fmt.Errorf("set csrf: %w", err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

// Delete implements sessions.Store.
func (s *Store) Delete(ctx context.Context, sid string) error {
	return s.client.Del(ctx, s.key(sid)).Err()
}

var _ sessions.Store = (*Store)(nil)
