package nats

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"phoenix/internal/metrics"
)

// ConnectionManagerImpl implements ConnectionManager for NATS
type ConnectionManagerImpl struct {
	adapter   *Adapter
	conn      *nats.Conn
	js        nats.JetStreamContext
	connected atomic.Bool
}

// NewConnectionManager creates a new NATS connection manager. No connection
// is made until Connect.
func NewConnectionManager(a *Adapter) ConnectionManager {
	return &ConnectionManagerImpl{
		adapter: a,
	}
}

// Connect establishes connection to the NATS server and opens a JetStream
// context on it
func (cm *ConnectionManagerImpl) Connect() error {
	settings := cm.adapter.conn
	if len(settings.URLs) == 0 {
		return fmt.Errorf("no NATS server URLs provided")
	}

	opts := []nats.Option{
		nats.Name(settings.ClientID),
		nats.ReconnectWait(time.Second * 2),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(cm.handleDisconnect),
		nats.ReconnectHandler(cm.handleReconnect),
		nats.ClosedHandler(cm.handleClosed),
	}

	if settings.Username != "" {
		opts = append(opts, nats.UserInfo(settings.Username, settings.Password))
	}
	if settings.Token != "" {
		opts = append(opts, nats.Token(settings.Token))
	}

	if settings.TLS.Enable {
		opts = append(opts, nats.ClientCert(settings.TLS.CertFile, settings.TLS.KeyFile))
		if settings.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(settings.TLS.CAFile))
		}
	}

	cm.adapter.logger.Info("connecting to NATS server", "urls", settings.URLs)

	conn, err := nats.Connect(strings.Join(settings.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open JetStream context: %w", err)
	}

	cm.conn = conn
	cm.js = js
	cm.connected.Store(true)

	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, true)
	})

	cm.adapter.logger.Info("connected to NATS server", "url", conn.ConnectedUrl())
	return nil
}

// Disconnect drains and closes the connection
func (cm *ConnectionManagerImpl) Disconnect() {
	if cm.conn != nil {
		cm.adapter.logger.Info("disconnecting from NATS server")
		cm.conn.Close()
		cm.connected.Store(false)
	}
}

// IsConnected returns the current connection status
func (cm *ConnectionManagerImpl) IsConnected() bool {
	return cm.conn != nil && cm.conn.IsConnected() && cm.connected.Load()
}

// EnsureStream creates the stream, or updates its subjects when it exists
func (cm *ConnectionManagerImpl) EnsureStream(cfg *nats.StreamConfig) error {
	if cm.js == nil {
		return fmt.Errorf("not connected to NATS server")
	}

	info, err := cm.js.StreamInfo(cfg.Name)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := cm.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
		cm.adapter.logger.Info("created stream", "stream", cfg.Name, "subjects", cfg.Subjects)
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up stream %s: %w", cfg.Name, err)
	}

	missing := false
	for _, subject := range cfg.Subjects {
		if !containsString(info.Config.Subjects, subject) {
			info.Config.Subjects = append(info.Config.Subjects, subject)
			missing = true
		}
	}
	if missing {
		if _, err := cm.js.UpdateStream(&info.Config); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}

// Publish sends msg through JetStream and waits for the stream's ack
func (cm *ConnectionManagerImpl) Publish(msg *nats.Msg) error {
	if !cm.IsConnected() {
		return fmt.Errorf("not connected to NATS server")
	}
	_, err := cm.js.PublishMsg(msg)
	return err
}

// JetStream returns the JetStream context
func (cm *ConnectionManagerImpl) JetStream() nats.JetStreamContext {
	return cm.js
}

func (cm *ConnectionManagerImpl) handleDisconnect(conn *nats.Conn, err error) {
	cm.adapter.logger.Error("disconnected from NATS server", "error", err)
	cm.connected.Store(false)

	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, false)
	})
}

func (cm *ConnectionManagerImpl) handleReconnect(conn *nats.Conn) {
	cm.adapter.logger.Info("reconnected to NATS server", "url", conn.ConnectedUrl())
	cm.connected.Store(true)

	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, true)
		m.IncBrokerReconnects(Kind)
	})
}

func (cm *ConnectionManagerImpl) handleClosed(conn *nats.Conn) {
	cm.adapter.logger.Warn("NATS connection closed")
	cm.connected.Store(false)

	cm.adapter.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, false)
	})
}
