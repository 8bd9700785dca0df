package compositions

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cocomposer/cocomposer/broker"
	"github.com/cocomposer/cocomposer/sessions"
)

// Service applies composition mutations and broadcasts the resulting
// orders. Both the REST layer and the realtime order dispatcher go
// through it, so authorization and event emission are uniform.
type Service struct {
	repo Repository
	bk   broker.Broker
	log  *slog.Logger
}

// NewService creates a Service. logger may be nil to discard logs.
func NewService(repo Repository, bk broker.Broker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, bk: bk, log: logger}
}

// Create stores a new composition owned by ident.
func (s *Service) Create(ctx context.Context, ident sessions.Identity, title string, collaborative bool) (*Composition, error) {
	compo := &Composition{
		Title:         title,
		Collaborative: collaborative,
		OwnerID:       ident.UserID,
	}
	if err := s.repo.Create(ctx, compo); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "composition created",
		slog.String("composition_id", compo.ID), slog.String("owner_id", ident.UserID))
	return compo, nil
}

// Get returns the composition if ident may access it. A stranger
// accessing a collaborative composition is implicitly appended to the
// guest list, announced with MEMBER_JOINED, matching the realtime
// first-join behavior. Otherwise access is denied.
func (s *Service) Get(ctx context.Context, ident sessions.Identity, id string) (*Composition, error) {
	compo, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if compo.IsOwner(ident.UserID) || compo.IsGuest(ident.UserID) {
		return compo, nil
	}
	if !compo.Collaborative {
		return nil, ErrDenied
	}
	added, err := s.repo.AddGuest(ctx, id, ident.UserID)
	if err != nil {
		return nil, err
	}
	if added {
		info := SubscriptionInfo{InfoType: InfoMemberJoined, Email: ident.Email, Username: ident.Username}
		if _, err := s.bk.Publish(ctx, broker.TopicForComposition(id), info.Encode()); err != nil {
			return nil, fmt.Errorf("announce member joined: %w", err)
		}
	}
	return s.repo.Get(ctx, id)
}

// List returns the summaries of compositions ident owns or guests.
func (s *Service) List(ctx context.Context, ident sessions.Identity) (owned, guested []Summary, err error) {
	return s.repo.Summaries(ctx, ident.UserID)
}

// SetTitle renames the composition on behalf of ident and broadcasts a
// compositionTitleChanged order. Allowed for any current editor.
func (s *Service) SetTitle(ctx context.Context, ident sessions.Identity, id, title string) error {
	compo, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !compo.CanEdit(ident.UserID) {
		return ErrDenied
	}
	if err := s.repo.SetTitle(ctx, id, title); err != nil {
		return err
	}
	order := &Order{
		OrderType:     OrderTitleChanged,
		CompositionID: id,
		AuthorEmail:   ident.Email,
		OrderDatetime: time.Now().UTC(),
		Title:         title,
	}
	return s.publishTopic(ctx, id, order.Encode())
}

// SetCollaborative flips the collaborative flag; owner only. When the
// flag turns on, current guests are notified on their private queues;
// when it turns off, the change is broadcast on the topic so connected
// editors learn their write access ended.
func (s *Service) SetCollaborative(ctx context.Context, ident sessions.Identity, id string, collaborative bool) error {
	compo, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !compo.IsOwner(ident.UserID) {
		return ErrDenied
	}
	if err := s.repo.SetCollaborative(ctx, id, collaborative); err != nil {
		return err
	}
	flag := collaborative
	order := &Order{
		OrderType:     OrderCollaborativeChanged,
		CompositionID: id,
		AuthorEmail:   ident.Email,
		OrderDatetime: time.Now().UTC(),
		Collaborative: &flag,
	}
	if collaborative {
		s.notifyGuests(ctx, compo.GuestIDs, order.Encode())
		return nil
	}
	return s.publishTopic(ctx, id, order.Encode())
}

// Delete removes the composition; owner only. Guests are notified on
// their private queues before the topic goes silent.
func (s *Service) Delete(ctx context.Context, ident sessions.Identity, id string) error {
	compo, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !compo.IsOwner(ident.UserID) {
		return ErrDenied
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	order := &Order{
		OrderType:     OrderCompositionDeleted,
		CompositionID: id,
		AuthorEmail:   ident.Email,
		OrderDatetime: time.Now().UTC(),
	}
	s.notifyGuests(ctx, compo.GuestIDs, order.Encode())
	s.log.InfoContext(ctx, "composition deleted", slog.String("composition_id", id))
	return nil
}

// AddElement appends an element on behalf of ident and broadcasts an
// elementAdded order. The applied element (with its assigned ID) is
// returned.
func (s *Service) AddElement(ctx context.Context, ident sessions.Identity, id string, el Element) (*Element, error) {
	if el.ID == "" {
		el.ID = uuid.NewString()
	}
	if err := s.mutateElement(ctx, ident, id, func() error {
		return s.repo.AddElement(ctx, id, el)
	}); err != nil {
		return nil, err
	}
	elCopy := el
	order := &Order{
		OrderType:     OrderElementAdded,
		CompositionID: id,
		AuthorEmail:   ident.Email,
		OrderDatetime: time.Now().UTC(),
		Element:       &elCopy,
	}
	if err := s.publishTopic(ctx, id, order.Encode()); err != nil {
		return nil, err
	}
	return &elCopy, nil
}

// UpdateElement replaces an element and broadcasts an elementChanged
// order.
func (s *Service) UpdateElement(ctx context.Context, ident sessions.Identity, id string, el Element) error {
	if err := s.mutateElement(ctx, ident, id, func() error {
		return s.repo.UpdateElement(ctx, id, el)
	}); err != nil {
		return err
	}
	elCopy := el
	order := &Order{
		OrderType:     OrderElementChanged,
		CompositionID: id,
		AuthorEmail:   ident.Email,
		OrderDatetime: time.Now().UTC(),
		Element:       &elCopy,
	}
	return s.publishTopic(ctx, id, order.Encode())
}

// MoveElement updates an element's position and broadcasts an
// elementPositionChanged order.
func (s *Service) MoveElement(ctx context.Context, ident sessions.Identity, id, elementID string, x, y float64) error {
	if err := s.mutateElement(ctx, ident, id, func() error {
		return s.repo.MoveElement(ctx, id, elementID, x, y)
	}); err != nil {
		return err
	}
	order := &Order{
		OrderType:     OrderElementPositionChanged,
		CompositionID: id,
		AuthorEmail:   ident.Email,
		OrderDatetime: time.Now().UTC(),
		ElementID:     elementID,
		X:             &x,
		Y:             &y,
	}
	return s.publishTopic(ctx, id, order.Encode())
}

// RemoveElement deletes an element and broadcasts an elementDeleted
// order.
func (s *Service) RemoveElement(ctx context.Context, ident sessions.Identity, id, elementID string) error {
	if err := s.mutateElement(ctx, ident, id, func() error {
		return s.repo.RemoveElement(ctx, id, elementID)
	}); err != nil {
		return err
	}
	order := &Order{
		OrderType:     OrderElementDeleted,
		CompositionID: id,
		AuthorEmail:   ident.Email,
		OrderDatetime: time.Now().UTC(),
		ElementID:     elementID,
	}
	return s.publishTopic(ctx, id, order.Encode())
}

// ApplyOrder executes a client order arriving over the realtime channel.
// Author and composition ID are stamped server-side; the client-supplied
// values are overridden. The applied order is what gets broadcast.
func (s *Service) ApplyOrder(ctx context.Context, ident sessions.Identity, compositionID string, order *Order) (*Order, error) {
	order.CompositionID = compositionID
	order.AuthorEmail = ident.Email
	if order.OrderDatetime.IsZero() {
		order.OrderDatetime = time.Now().UTC()
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}

	switch order.OrderType {
	case OrderElementAdded:
		applied, err := s.AddElement(ctx, ident, compositionID, *order.Element)
		if err != nil {
			return nil, err
		}
		order.Element = applied
	case OrderElementChanged:
		if err := s.UpdateElement(ctx, ident, compositionID, *order.Element); err != nil {
			return nil, err
		}
	case OrderElementPositionChanged:
		if err := s.MoveElement(ctx, ident, compositionID, order.ElementID, *order.X, *order.Y); err != nil {
			return nil, err
		}
	case OrderElementDeleted:
		if err := s.RemoveElement(ctx, ident, compositionID, order.ElementID); err != nil {
			return nil, err
		}
	case OrderTitleChanged:
		if err := s.SetTitle(ctx, ident, compositionID, order.Title); err != nil {
			return nil, err
		}
	case OrderCollaborativeChanged:
		if err := s.SetCollaborative(ctx, ident, compositionID, *order.Collaborative); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("order %s not allowed over realtime channel", order.OrderType)
	}
	return order, nil
}

// mutateElement runs mutate after checking edit permission. The
// permission check and the mutation are not one atomic step; the
// repository re-validates existence so a lost race surfaces as
// ErrNotFound rather than a partial write.
func (s *Service) mutateElement(ctx context.Context, ident sessions.Identity, id string, mutate func() error) error {
	compo, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !compo.CanEdit(ident.UserID) {
		return ErrDenied
	}
	return mutate()
}

func (s *Service) publishTopic(ctx context.Context, compositionID string, data []byte) error {
	if _, err := s.bk.Publish(ctx, broker.TopicForComposition(compositionID), data); err != nil {
		return fmt.Errorf("broadcast order: %w", err)
	}
	return nil
}

func (s *Service) notifyGuests(ctx context.Context, guestIDs []string, data []byte) {
	for _, gid := range guestIDs {
		if _, err := s.bk.Publish(ctx, broker.UserQueueTopic(gid, "compositions"), data); err != nil {
			s.log.WarnContext(ctx, "failed to notify guest",
				slog.String("guest_id", gid), slog.String("error", err.Error()))
		}
	}
}
