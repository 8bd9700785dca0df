// Package redisrepo is a Redis-backed compositions.Repository. Each
// composition is one JSON document; mutations use optimistic WATCH
// transactions so concurrent edits of one composition serialize without
// a process-local lock, which keeps the contract valid across nodes.
package redisrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/cocomposer/cocomposer/compositions"
)

// maxRetries bounds the optimistic-concurrency retry loop.
const maxRetries = 16

// Config for the Redis repository. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for composition keys. ENV: COMPOSITIONS_KEY_PREFIX
	KeyPrefix string `env:"COMPOSITIONS_KEY_PREFIX,default=cocomposer:compositions:"`
}

// Repository implements compositions.Repository on Redis.
type Repository struct {
	client    *redis.Client
	keyPrefix string
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Repository, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix), nil
}

// NewFromEnv builds a Repository using envdecode to populate Config.
func NewFromEnv() (*Repository, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// NewWithClient wraps an existing client; used by tests with miniredis.
func NewWithClient(cl *redis.Client, keyPrefix string) *Repository {
	if keyPrefix == "" {
		keyPrefix = "cocomposer:compositions:"
	}
	return &Repository{client: cl, keyPrefix: keyPrefix}
}

// Close closes the Redis client.
func (r *Repository) Close() error { return r.client.Close() }

func (r *Repository) key(id string) string { return r.keyPrefix + id }

// indexKey holds the set of all composition IDs, used by Summaries.
func (r *Repository) indexKey() string { return r.keyPrefix + "_index" }

// Create implements compositions.Repository.
func (r *Repository) Create(ctx context.Context, compo *compositions.Composition) error {
	if compo.ID == "" {
		compo.ID = uuid.NewString()
	}
	compo.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(compo)
	if err != nil {
		return fmt.Errorf("marshal composition: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.key(compo.ID), data, 0)
		p.SAdd(ctx, r.indexKey(), compo.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("create composition: %w", err)
	}
	return nil
}

// Get implements compositions.Repository.
func (r *Repository) Get(ctx context.Context, id string) (*compositions.Composition, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, compositions.ErrNotFound
		}
		return nil, fmt.Errorf("get composition: %w", err)
	}
	var compo compositions.Composition
	if err := json.Unmarshal(data, &compo); err != nil {
		return nil, fmt.Errorf("decode composition %s: %w", id, err)
	}
	return &compo, nil
}

// Summaries implements compositions.Repository.
func (r *Repository) Summaries(ctx context.Context, userID string) (owned, guested []compositions.Summary, err error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("list compositions: %w", err)
	}
	for _, id := range ids {
		compo, err := r.Get(ctx, id)
		if err != nil {
			if errors.Is(err, compositions.ErrNotFound) {
				continue // deleted between SMEMBERS and GET
			}
			return nil, nil, err
		}
		sum := compositions.Summary{
			ID:            compo.ID,
			Title:         compo.Title,
			Collaborative: compo.Collaborative,
			OwnerID:       compo.OwnerID,
			UpdatedAt:     compo.UpdatedAt,
		}
		switch {
		case compo.OwnerID == userID:
			owned = append(owned, sum)
		case compo.IsGuest(userID):
			guested = append(guested, sum)
		}
	}
	return owned, guested, nil
}

// Delete implements compositions.Repository.
func (r *Repository) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, r.key(id)).Result()
	if err != nil {
		return fmt.Errorf("delete composition: %w", err)
	}
	if n == 0 {
		return compositions.ErrNotFound
	}
	return r.client.SRem(ctx, r.indexKey(), id).Err()
}

// update applies fn to the composition under an optimistic WATCH
// transaction, retrying on conflicting concurrent writes.
func (r *Repository) update(ctx context.Context, id string, fn func(c *compositions.Composition) error) error {
	key := r.key(id)
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return compositions.ErrNotFound
				}
				return err
			}
			var compo compositions.Composition
			if err := json.Unmarshal(data, &compo); err != nil {
				return fmt.Errorf("decode composition %s: %w", id, err)
			}
			if err := fn(&compo); err != nil {
				return err
			}
			compo.UpdatedAt = time.Now().UTC()
			out, err := json.Marshal(&compo)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.Set(ctx, key, out, 0)
				return nil
			})
			return err
		}, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // concurrent write, retry
		}
		return err
	}
	return fmt.Errorf("update composition %s: too much contention", id)
}

// SetTitle implements compositions.Repository.
func (r *Repository) SetTitle(ctx context.Context, id, title string) error {
	return r.update(ctx, id, func(c *compositions.Composition) error {
		c.Title = title
		return nil
	})
}

// SetCollaborative implements compositions.Repository.
func (r *Repository) SetCollaborative(ctx context.Context, id string, collaborative bool) error {
	return r.update(ctx, id, func(c *compositions.Composition) error {
		c.Collaborative = collaborative
		return nil
	})
}

// AddGuest implements compositions.Repository. The WATCH transaction is
// the compare-and-append: a lost race reruns the membership check.
func (r *Repository) AddGuest(ctx context.Context, id, userID string) (bool, error) {
	added := false
	err := r.update(ctx, id, func(c *compositions.Composition) error {
		added = false
		if c.IsGuest(userID) {
			return nil
		}
		c.GuestIDs = append(c.GuestIDs, userID)
		added = true
		return nil
	})
	return added, err
}

// AddElement implements compositions.Repository.
func (r *Repository) AddElement(ctx context.Context, id string, el compositions.Element) error {
	return r.update(ctx, id, func(c *compositions.Composition) error {
		c.Elements = append(c.Elements, el)
		return nil
	})
}

// UpdateElement implements compositions.Repository.
func (r *Repository) UpdateElement(ctx context.Context, id string, el compositions.Element) error {
	return r.update(ctx, id, func(c *compositions.Composition) error {
		for i := range c.Elements {
			if c.Elements[i].ID == el.ID {
				c.Elements[i] = el
				return nil
			}
		}
		return compositions.ErrNotFound
	})
}

// MoveElement implements compositions.Repository.
func (r *Repository) MoveElement(ctx context.Context, id, elementID string, x, y float64) error {
	return r.update(ctx, id, func(c *compositions.Composition) error {
		for i := range c.Elements {
			if c.Elements[i].ID == elementID {
				c.Elements[i].X = x
				c.Elements[i].Y = y
				return nil
			}
		}
		return compositions.ErrNotFound
	})
}

// RemoveElement implements compositions.Repository.
func (r *Repository) RemoveElement(ctx context.Context, id, elementID string) error {
	return r.update(ctx, id, func(c *compositions.Composition) error {
		for i := range c.Elements {
			if c.Elements[i].ID == elementID {
				c.Elements = append(c.Elements[:i], c.Elements[i+1:]...)
				return nil
			}
		}
		return compositions.ErrNotFound
	})
}

var _ compositions.Repository = (*Repository)(nil)
