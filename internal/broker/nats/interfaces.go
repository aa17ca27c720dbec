package nats

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"
)

// ConnectionManager handles the NATS connection and its JetStream context
type ConnectionManager interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	EnsureStream(cfg *nats.StreamConfig) error
	Publish(msg *nats.Msg) error
	JetStream() nats.JetStreamContext
}

// SubscriptionManager handles the durable pull subscription
type SubscriptionManager interface {
	Subscribe(subject, durable string) error
	Fetch(ctx context.Context, wait time.Duration) (Delivery, error)
	UnsubscribeAll() error
	IsSubscribed() bool
}

// Delivery is one message fetched from the pull consumer
type Delivery interface {
	Subject() string
	Data() []byte
	Header() nats.Header
	Ack() error
	Nak() error
}
