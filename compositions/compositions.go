// Package compositions holds the domain model of shared compositions,
// the repository contract with per-composition serialized mutations, the
// topic authorization gate and the service layer that turns successful
// mutations into broadcast orders.
package compositions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the composition (or addressed element) does
	// not exist.
	ErrNotFound = errors.New("compositions: not found")

	// ErrDenied indicates a valid identity was refused access to a
	// composition. At the transport boundary this is deliberately
	// indistinguishable from ErrNotFound to prevent enumeration of
	// private composition IDs.
	ErrDenied = errors.New("compositions: access denied")
)

// Element is one positioned element of a composition. Shape semantics
// are opaque to this core; the payload is carried through verbatim.
type Element struct {
	ID              string         `json:"id"`
	ElementType     string         `json:"elementType"`
	Style           string         `json:"style,omitempty"`
	X               float64        `json:"x"`
	Y               float64        `json:"y"`
	ExtraProperties map[string]any `json:"extraProperties,omitempty"`
}

// Composition is a document owned by one member, editable by its guests
// when the collaborative flag is set. Guests are appended on first
// authorized access and never removed by the realtime path.
type Composition struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Collaborative bool      `json:"collaborative"`
	Elements      []Element `json:"elements"`
	OwnerID       string    `json:"ownerId"`
	GuestIDs      []string  `json:"guestIds"`
	UpdatedAt     time.Time `json:"updateDatetime"`
}

// IsOwner reports whether userID owns the composition.
func (c *Composition) IsOwner(userID string) bool { return c.OwnerID == userID }

// IsGuest reports whether userID is on the guest list.
func (c *Composition) IsGuest(userID string) bool {
	for _, id := range c.GuestIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CanEdit reports whether userID may mutate the composition: the owner
// always, a guest only while the composition is collaborative.
func (c *Composition) CanEdit(userID string) bool {
	return c.IsOwner(userID) || (c.Collaborative && c.IsGuest(userID))
}

// Summary is the list view of a composition.
type Summary struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Collaborative bool      `json:"collaborative"`
	OwnerID       string    `json:"ownerId"`
	UpdatedAt     time.Time `json:"updateDatetime"`
}

// Repository persists compositions. Every mutating method is atomic with
// respect to the addressed composition: implementations serialize
// concurrent mutations of one composition so guest appends and element
// edits are never lost.
type Repository interface {
	// Create stores a new composition, assigning an ID when empty.
	Create(ctx context.Context, compo *Composition) error

	// Get returns the composition, or ErrNotFound.
	Get(ctx context.Context, id string) (*Composition, error)

	// Summaries returns the compositions the user owns and the ones the
	// user is a guest of.
	Summaries(ctx context.Context, userID string) (owned, guested []Summary, err error)

	// Delete removes the composition, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// SetTitle updates the title, or returns ErrNotFound.
	SetTitle(ctx context.Context, id, title string) error

	// SetCollaborative updates the collaborative flag, or returns
	// ErrNotFound.
	SetCollaborative(ctx context.Context, id string, collaborative bool) error

	// AddGuest appends userID to the guest list unless already present.
	// The check-and-append is a single atomic step (compare-and-append);
	// added reports whether the list actually grew.
	AddGuest(ctx context.Context, id, userID string) (added bool, err error)

	// AddElement appends an element, or returns ErrNotFound.
	AddElement(ctx context.Context, id string, el Element) error

	// UpdateElement replaces the element with the same ID, or returns
	// ErrNotFound when either composition or element is missing.
	UpdateElement(ctx context.Context, id string, el Element) error

	// MoveElement updates one element's position, or returns ErrNotFound.
	MoveElement(ctx context.Context, id, elementID string, x, y float64) error

	// RemoveElement deletes the element, or returns ErrNotFound.
	RemoveElement(ctx context.Context, id, elementID string) error
}
