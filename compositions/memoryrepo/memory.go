// Package memoryrepo is an in-process compositions.Repository. A single
// mutex serializes all mutations, which trivially satisfies the
// per-composition atomicity contract for single-node deployments.
package memoryrepo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cocomposer/cocomposer/compositions"
)

// Repository implements compositions.Repository on a guarded map.
type Repository struct {
	mu    sync.RWMutex
	compo map[string]*compositions.Composition
}

// New creates an empty repository.
func New() *Repository {
	return &Repository{compo: make(map[string]*compositions.Composition)}
}

func clone(c *compositions.Composition) *compositions.Composition {
	cp := *c
	cp.Elements = append([]compositions.Element(nil), c.Elements...)
	cp.GuestIDs = append([]string(nil), c.GuestIDs...)
	return &cp
}

// Create implements compositions.Repository.
func (r *Repository) Create(ctx context.Context, compo *compositions.Composition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if compo.ID == "" {
		compo.ID = uuid.NewString()
	}
	compo.UpdatedAt = time.Now().UTC()
	r.mu.Lock()
	r.compo[compo.ID] = clone(compo)
	r.mu.Unlock()
	return nil
}

// Get implements compositions.Repository.
func (r *Repository) Get(ctx context.Context, id string) (*compositions.Composition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.compo[id]
	if !ok {
		return nil, compositions.ErrNotFound
	}
	return clone(c), nil
}

// Summaries implements compositions.Repository.
func (r *Repository) Summaries(ctx context.Context, userID string) (owned, guested []compositions.Summary, err error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.compo {
		sum := compositions.Summary{
			ID:            c.ID,
			Title:         c.Title,
			Collaborative: c.Collaborative,
			OwnerID:       c.OwnerID,
			UpdatedAt:     c.UpdatedAt,
		}
		switch {
		case c.OwnerID == userID:
			owned = append(owned, sum)
		case c.IsGuest(userID):
			guested = append(guested, sum)
		}
	}
	return owned, guested, nil
}

// Delete implements compositions.Repository.
func (r *Repository) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.compo[id]; !ok {
		return compositions.ErrNotFound
	}
	delete(r.compo, id)
	return nil
}

func (r *Repository) update(ctx context.Context, id string, fn func(c *compositions.Composition) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.compo[id]
	if !ok {
		return compositions.ErrNotFound
	}
	if err := fn(c); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
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

// AddGuest implements compositions.Repository. The repository mutex makes
// the membership check and the append one atomic step.
func (r *Repository) AddGuest(ctx context.Context, id, userID string) (bool, error) {
	added := false
	err := r.update(ctx, id, func(c *compositions.Composition) error {
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
