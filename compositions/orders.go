package compositions

import (
	"encoding/json"
	"fmt"
	"time"
)

// Order types carried in the orderType discriminator. These mirror the
// client protocol: clients publish orders to /app/compositions.<id> and
// receive the applied order back on /topic/compositions.<id>.
const (
	OrderElementAdded           = "elementAdded"
	OrderElementChanged         = "elementChanged"
	OrderElementPositionChanged = "elementPositionChanged"
	OrderElementDeleted         = "elementDeleted"
	OrderTitleChanged           = "compositionTitleChanged"
	OrderCollaborativeChanged   = "compositionCollaborativeChanged"
	OrderCompositionDeleted     = "compositionDeleted"
)

// Subscription lifecycle info types, delivered alongside orders.
const (
	InfoMemberJoined     = "MEMBER_JOINED"
	InfoMemberLeft       = "MEMBER_LEFT"
	InfoConnectedMembers = "CONNECTED_MEMBERS"
)

// Order is a tagged record describing one composition mutation. The
// compositionId and authorEmail are stamped server-side; client-supplied
// values are overridden before an order is applied or broadcast.
type Order struct {
	OrderType     string    `json:"orderType"`
	CompositionID string    `json:"compositionId"`
	AuthorEmail   string    `json:"authorEmail"`
	OrderDatetime time.Time `json:"orderDatetime,omitzero"`

	// Type-specific payload fields.
	Title         string   `json:"title,omitempty"`
	Collaborative *bool    `json:"collaborative,omitempty"`
	Element       *Element `json:"element,omitempty"`
	ElementID     string   `json:"elementId,omitempty"`
	X             *float64 `json:"x,omitempty"`
	Y             *float64 `json:"y,omitempty"`
}

// Validate checks that the payload fields required by the order type are
// present.
func (o *Order) Validate() error {
	switch o.OrderType {
	case OrderElementAdded, OrderElementChanged:
		if o.Element == nil {
			return fmt.Errorf("order %s: missing element", o.OrderType)
		}
	case OrderElementPositionChanged:
		if o.ElementID == "" || o.X == nil || o.Y == nil {
			return fmt.Errorf("order %s: missing elementId or position", o.OrderType)
		}
	case OrderElementDeleted:
		if o.ElementID == "" {
			return fmt.Errorf("order %s: missing elementId", o.OrderType)
		}
	case OrderTitleChanged:
		if o.Title == "" {
			return fmt.Errorf("order %s: missing title", o.OrderType)
		}
	case OrderCollaborativeChanged:
		if o.Collaborative == nil {
			return fmt.Errorf("order %s: missing collaborative flag", o.OrderType)
		}
	case OrderCompositionDeleted:
	default:
		return fmt.Errorf("unknown order type %q", o.OrderType)
	}
	return nil
}

// Encode marshals the order for publication.
func (o *Order) Encode() []byte {
	data, _ := json.Marshal(o)
	return data
}

// SubscriptionInfo announces membership changes on a composition topic.
type SubscriptionInfo struct {
	InfoType string `json:"infoType"`
	Email    string `json:"email"`
	Username string `json:"username"`
}

// Encode marshals the info event for publication.
func (si *SubscriptionInfo) Encode() []byte {
	data, _ := json.Marshal(si)
	return data
}

// ConnectedMember is one entry of a CONNECTED_MEMBERS snapshot.
type ConnectedMember struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// ConnectedMembers is the private snapshot sent to a user that just
// subscribed to a composition topic.
type ConnectedMembers struct {
	InfoType      string            `json:"infoType"`
	CompositionID string            `json:"compositionId"`
	Members       []ConnectedMember `json:"members"`
}

// Encode marshals the snapshot for publication.
func (cm *ConnectedMembers) Encode() []byte {
	data, _ := json.Marshal(cm)
	return data
}
