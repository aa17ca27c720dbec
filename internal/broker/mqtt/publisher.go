package mqtt

import (
	"fmt"

	"phoenix/internal/metrics"
)

// PublisherImpl handles MQTT message publishing
type PublisherImpl struct {
	adapter *Adapter
	conn    ConnectionManager
}

// NewPublisher creates a new MQTT publisher
func NewPublisher(a *Adapter, conn ConnectionManager) Publisher {
	return &PublisherImpl{
		adapter: a,
		conn:    conn,
	}
}

// Publish sends a message to a specific topic and waits for the broker to
// accept it at the configured QoS
func (p *PublisherImpl) Publish(topic string, payload []byte) error {
	if !p.conn.IsConnected() {
		return fmt.Errorf("not connected to broker")
	}

	token := p.conn.GetClient().Publish(topic, p.adapter.settings.qos(), false, payload)
	if !token.WaitTimeout(p.adapter.settings.publishTimeout()) {
		return fmt.Errorf("timed out publishing to %s", topic)
	}
	if err := token.Error(); err != nil {
		p.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("publish_error")
		})
		p.adapter.logger.Error("failed to publish message",
			"error", err,
			"topic", topic)
		return err
	}

	p.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("published")
	})

	p.adapter.logger.Debug("published message",
		"topic", topic,
		"payloadSize", len(payload))

	return nil
}
