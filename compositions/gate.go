package compositions

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cocomposer/cocomposer/broker"
	"github.com/cocomposer/cocomposer/sessions"
)

// Decision is the outcome of a topic authorization check.
type Decision struct {
	// Allowed grants the subscription. A false Decision carries no
	// reason: strangers to a private composition and subscribers of a
	// nonexistent one receive the same answer.
	Allowed bool
	// GuestAdded reports that this authorization performed the implicit
	// first-join guest append.
	GuestAdded bool
}

// Gate authorizes subscriptions to composition topics.
//
// The guest append runs as a command through the repository's
// per-composition serialization point, and the MEMBER_JOINED event is
// published before Authorize returns, so it is sequenced ahead of any
// event the new guest can author through the subscription being opened.
type Gate struct {
	repo Repository
	bk   broker.Broker
	log  *slog.Logger
}

// NewGate creates a Gate. logger may be nil to discard logs.
func NewGate(repo Repository, bk broker.Broker, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{repo: repo, bk: bk, log: logger}
}

// Authorize decides whether ident may subscribe to the composition's
// topic. A deny is expressed as a zero Decision with nil error; a
// non-nil error means the check itself failed (infrastructure fault).
func (g *Gate) Authorize(ctx context.Context, ident sessions.Identity, compositionID string) (Decision, error) {
	compo, err := g.repo.Get(ctx, compositionID)
	if err != nil {
		if err == ErrNotFound {
			g.log.InfoContext(ctx, "subscription denied: unknown composition",
				slog.String("composition_id", compositionID), slog.String("user_id", ident.UserID))
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("authorize subscription: %w", err)
	}

	if compo.IsOwner(ident.UserID) || compo.IsGuest(ident.UserID) {
		return Decision{Allowed: true}, nil
	}

	if !compo.Collaborative {
		g.log.InfoContext(ctx, "subscription denied: composition not collaborative",
			slog.String("composition_id", compositionID), slog.String("user_id", ident.UserID))
		return Decision{}, nil
	}

	// First authorized access by a stranger to a collaborative
	// composition: join as guest. AddGuest is atomic, so two racing
	// first-time subscribers each resolve to exactly one append.
	added, err := g.repo.AddGuest(ctx, compositionID, ident.UserID)
	if err != nil {
		if err == ErrNotFound {
			return Decision{}, nil
		}
		return Decision{}, fmt.Errorf("join as guest: %w", err)
	}
	if added {
		info := SubscriptionInfo{InfoType: InfoMemberJoined, Email: ident.Email, Username: ident.Username}
		if _, err := g.bk.Publish(ctx, broker.TopicForComposition(compositionID), info.Encode()); err != nil {
			return Decision{}, fmt.Errorf("announce member joined: %w", err)
		}
		g.log.InfoContext(ctx, "guest joined composition",
			slog.String("composition_id", compositionID), slog.String("user_id", ident.UserID))
	}
	return Decision{Allowed: true, GuestAdded: added}, nil
}
