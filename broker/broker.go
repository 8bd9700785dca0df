// Package broker defines the pub/sub contract used by the realtime layer
// to fan composition events out to subscribed connections.
//
// Destinations are flat topic names. Composition broadcasts use
// TopicForComposition; per-user private queues use UserQueueTopic. Within
// one topic, publishes are assigned monotonically increasing sequence IDs
// by a single writer, and every subscriber observes the events it receives
// in sequence order. Ordering across distinct topics is not defined.
package broker

import (
	"context"
	"errors"
)

// ErrSlowConsumer is returned from Subscription.Next when the subscriber
// failed to drain its queue fast enough and was disconnected from the
// topic. The subscription is unusable afterwards; callers are expected to
// tear down the owning connection rather than resubscribe blindly.
var ErrSlowConsumer = errors.New("broker: subscriber queue overflow")

// ErrClosed is returned when publishing to or subscribing on a broker
// that has been shut down.
var ErrClosed = errors.New("broker: closed")

// Broker fans events out to topic subscribers.
type Broker interface {
	// Publish delivers data to every current subscriber of topic and
	// returns the event ID assigned to it. IDs are unique and ordered
	// within a topic. Publishing to a topic with no subscribers is not an
	// error; the event is dropped (events are ephemeral).
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe registers a new subscriber for topic, effective for
	// events published after it returns. Delivery to one subscriber never
	// blocks on another; a subscriber that cannot keep up is terminated
	// with ErrSlowConsumer.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close releases all broker resources and terminates every
	// subscription.
	Close() error
}

// Subscription is an ordered stream of events for one topic, consumed by
// a single goroutine.
type Subscription interface {
	// Next blocks until an event is available or ctx is done. It returns
	// io.EOF after Close, and ErrSlowConsumer if the subscriber was
	// dropped for falling behind.
	Next(ctx context.Context) (Envelope, error)

	// Close cancels the subscription. Events published after Close
	// returns are not delivered.
	Close() error
}

// Envelope carries one published event.
type Envelope struct {
	// ID is unique and monotonically increasing within the topic.
	ID string `json:"id"`
	// Topic the event was published on.
	Topic string `json:"topic"`
	// Data is the JSON-encoded event payload.
	Data []byte `json:"data"`
}

// TopicForComposition names the broadcast topic of one composition.
func TopicForComposition(compositionID string) string {
	return "compositions." + compositionID
}

// UserQueueTopic names a per-user private queue such as "errors" or
// "compositions". These are ordinary topics with a reserved prefix; the
// realtime layer subscribes each connection to its own user's queues.
func UserQueueTopic(userID, queue string) string {
	return "user." + userID + ".queue." + queue
}
