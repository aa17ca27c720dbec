package mqtt

import (
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"phoenix/internal/broker"
	"phoenix/internal/metrics"
)

// ConnectionManagerImpl handles MQTT connection lifecycle
type ConnectionManagerImpl struct {
	adapter   *Adapter
	client    mqtt.Client
	connected atomic.Bool
}

// NewConnectionManager creates a connection manager with a paho client built
// from the adapter settings. No connection is made until Connect.
func NewConnectionManager(a *Adapter) (ConnectionManager, error) {
	cm := &ConnectionManagerImpl{
		adapter: a,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(a.conn.Broker).
		SetClientID(a.conn.ClientID).
		SetUsername(a.conn.Username).
		SetPassword(a.conn.Password).
		SetCleanSession(a.role != broker.RoleInput).
		SetAutoReconnect(true).
		SetAutoAckDisabled(true).
		SetOrderMatters(true).
		SetConnectTimeout(a.settings.connectTimeout()).
		SetMaxReconnectInterval(time.Minute)

	opts.OnConnect = cm.handleConnect
	opts.OnConnectionLost = cm.handleDisconnect
	opts.OnReconnecting = cm.handleReconnecting

	if a.conn.TLS.Enable {
		tlsConfig, err := broker.NewTLSConfig(a.conn.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	cm.client = mqtt.NewClient(opts)
	return cm, nil
}

// NewConnectionManagerWithClient creates a connection manager around an
// existing client
func NewConnectionManagerWithClient(a *Adapter, client mqtt.Client) ConnectionManager {
	return &ConnectionManagerImpl{
		adapter: a,
		client:  client,
	}
}

// Connect establishes connection to the MQTT broker
func (cm *ConnectionManagerImpl) Connect() error {
	token := cm.client.Connect()
	if !token.WaitTimeout(cm.adapter.settings.connectTimeout()) {
		return fmt.Errorf("timed out connecting to mqtt broker %s", cm.adapter.conn.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	cm.connected.Store(true)
	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, true)
	})
	return nil
}

// Disconnect cleanly disconnects from the MQTT broker
func (cm *ConnectionManagerImpl) Disconnect() {
	cm.adapter.logger.Info("disconnecting from mqtt broker")
	cm.client.Disconnect(250)
	cm.connected.Store(false)
	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, false)
	})
}

// IsConnected returns current connection status
func (cm *ConnectionManagerImpl) IsConnected() bool {
	return cm.connected.Load()
}

// GetClient returns the MQTT client instance
func (cm *ConnectionManagerImpl) GetClient() mqtt.Client {
	return cm.client
}

// handleConnect runs on every (re)connection and restores the subscription
func (cm *ConnectionManagerImpl) handleConnect(client mqtt.Client) {
	cm.adapter.logger.Info("mqtt client connected", "broker", cm.adapter.conn.Broker)
	cm.connected.Store(true)

	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, true)
	})

	if cm.adapter.sub != nil {
		if err := cm.adapter.sub.ResubscribeAll(); err != nil {
			cm.adapter.logger.Error("failed to resubscribe after reconnect", "error", err)
			return
		}
	}
}

// handleDisconnect processes connection loss
func (cm *ConnectionManagerImpl) handleDisconnect(client mqtt.Client, err error) {
	cm.adapter.logger.Error("mqtt connection lost", "error", err)
	cm.connected.Store(false)

	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, false)
	})
	if cm.adapter.sub != nil {
		cm.adapter.sub.Lost()
	}
}

// handleReconnecting processes reconnection attempts
func (cm *ConnectionManagerImpl) handleReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	cm.adapter.logger.Info("mqtt client reconnecting", "broker", cm.adapter.conn.Broker)

	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncBrokerReconnects(Kind)
	})
}
