package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"phoenix/internal/metrics"
)

// SubscriptionManagerImpl implements the SubscriptionManager interface. The
// paho callback blocks while the buffer is full, which stops the client from
// reading more messages until GetData catches up.
type SubscriptionManagerImpl struct {
	adapter    *Adapter
	conn       ConnectionManager
	topic      string
	subscribed bool
	buffer     chan mqtt.Message
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

// NewSubscriptionManager creates a new subscription manager
func NewSubscriptionManager(a *Adapter, conn ConnectionManager) SubscriptionManager {
	return &SubscriptionManagerImpl{
		adapter: a,
		conn:    conn,
		buffer:  make(chan mqtt.Message, a.settings.bufferSize()),
		done:    make(chan struct{}),
	}
}

// Subscribe subscribes to topic at the configured QoS
func (s *SubscriptionManagerImpl) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.conn.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	s.topic = topic
	token := s.conn.GetClient().Subscribe(topic, s.adapter.settings.qos(), s.HandleMessage)
	if token.Wait() && token.Error() != nil {
		s.adapter.logger.Error("failed to subscribe to topic",
			"topic", topic,
			"error", token.Error())
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	s.subscribed = true
	s.adapter.logger.Debug("subscribed to topic", "topic", topic)
	return nil
}

// ResubscribeAll restores the subscription after a reconnection
func (s *SubscriptionManagerImpl) ResubscribeAll() error {
	s.mu.RLock()
	needsSubscribe := !s.subscribed && s.topic != ""
	topic := s.topic
	s.mu.RUnlock()

	if needsSubscribe {
		return s.Subscribe(topic)
	}
	return nil
}

// Lost marks the subscription as gone after a connection loss
func (s *SubscriptionManagerImpl) Lost() {
	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
}

// HandleMessage buffers a received message for GetData
func (s *SubscriptionManagerImpl) HandleMessage(client mqtt.Client, msg mqtt.Message) {
	s.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})

	s.adapter.logger.Debug("received message",
		"topic", msg.Topic(),
		"payloadSize", len(msg.Payload()))

	select {
	case s.buffer <- msg:
	case <-s.done:
	}
}

// Next waits up to timeout for a buffered message. It returns nil when the
// wait elapses.
func (s *SubscriptionManagerImpl) Next(ctx context.Context, timeout time.Duration) (mqtt.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.buffer:
		return msg, nil
	case <-timer.C:
		return nil, nil
	case <-s.done:
		return nil, fmt.Errorf("subscription closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetSubscribedTopic returns the subscribed topic
func (s *SubscriptionManagerImpl) GetSubscribedTopic() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topic
}

// IsSubscribed returns whether the subscription is active
func (s *SubscriptionManagerImpl) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

// Close releases any callback blocked on a full buffer
func (s *SubscriptionManagerImpl) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	s.mu.Lock()
	s.subscribed = false
	s.mu.Unlock()
}
