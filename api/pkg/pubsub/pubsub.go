package pubsub

import (
	"context"
)

type Publisher interface {
	// Publish topic to message broker with payload.
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PubSub is the best-effort fabric between relay instances. Delivery is
// at-most-once: a message can vanish with a crashed instance or a
// partition, and the router always has a durable fallback for anything
// that matters.
type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
}

type Subscription interface {
	Unsubscribe() error
}

// Topics every relay instance subscribes to. Receivers filter on the
// target instance ID carried in the payload where applicable.
const (
	TopicCommand       = "control.command"
	TopicFrameAck      = "control.frame_ack"
	TopicFrameData     = "frame.data"
	TopicCatalogChange = "catalog.changed"
)
