package mqtt

import (
	"context"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ConnectionManager handles MQTT connection lifecycle
type ConnectionManager interface {
	Connect() error
	Disconnect()
	IsConnected() bool
	GetClient() mqtt.Client
}

// SubscriptionManager handles the input topic subscription and buffers
// received messages until GetData takes them
type SubscriptionManager interface {
	Subscribe(topic string) error
	ResubscribeAll() error
	Lost()
	HandleMessage(client mqtt.Client, msg mqtt.Message)
	Next(ctx context.Context, timeout time.Duration) (mqtt.Message, error)
	GetSubscribedTopic() string
	IsSubscribed() bool
	Close()
}

// Publisher handles message publishing
type Publisher interface {
	Publish(topic string, payload []byte) error
}
