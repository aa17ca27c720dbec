package nats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// mockConnection implements ConnectionManager for testing
type mockConnection struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	publishErr error
	streams    []*nats.StreamConfig
	published  []*nats.Msg
}

func (m *mockConnection) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockConnection) Disconnect() {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
}

func (m *mockConnection) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockConnection) EnsureStream(cfg *nats.StreamConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streams = append(m.streams, cfg)
	return nil
}

func (m *mockConnection) Publish(msg *nats.Msg) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, msg)
	return nil
}

func (m *mockConnection) JetStream() nats.JetStreamContext { return nil }

// mockSubscription implements SubscriptionManager for testing
type mockSubscription struct {
	mu         sync.Mutex
	subject    string
	durable    string
	subscribed bool
	queue      []*mockDelivery
	fetchErr   error
}

func (m *mockSubscription) Subscribe(subject, durable string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subject, m.durable, m.subscribed = subject, durable, true
	return nil
}

func (m *mockSubscription) Fetch(ctx context.Context, wait time.Duration) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if len(m.queue) == 0 {
		return nil, nil
	}
	d := m.queue[0]
	m.queue = m.queue[1:]
	return d, nil
}

func (m *mockSubscription) UnsubscribeAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = false
	return nil
}

func (m *mockSubscription) IsSubscribed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribed
}

type mockDelivery struct {
	subject string
	data    []byte
	header  nats.Header
	acks    int
	naks    int
	ackErr  error
}

func (d *mockDelivery) Subject() string     { return d.subject }
func (d *mockDelivery) Data() []byte        { return d.data }
func (d *mockDelivery) Header() nats.Header { return d.header }

func (d *mockDelivery) Ack() error {
	if d.ackErr != nil {
		return d.ackErr
	}
	d.acks++
	return nil
}

func (d *mockDelivery) Nak() error {
	d.naks++
	return nil
}

var errBrokenPipe = errors.New("broken pipe")
