package mqtt

import (
	"time"

	"github.com/google/uuid"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
)

const (
	defaultQoS            = 1
	defaultBufferSize     = 100
	defaultConsumeTimeout = 10 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
)

// ConnectionSettings is the connections.mqtt block of the base configuration
type ConnectionSettings struct {
	Broker   string             `json:"broker"`
	ClientID string             `json:"client_id"`
	Username string             `json:"username"`
	Password string             `json:"password"`
	TLS      broker.TLSSettings `json:"tls"`
}

// Settings is the adapter block of input_type.mqtt or output_type.mqtt
type Settings struct {
	Topic          string  `json:"topic"`
	QoS            *int    `json:"qos"`
	BufferSize     int     `json:"buffer_size"`
	ConsumeTimeout float64 `json:"consume_timeout"` // seconds
	ConnectTimeout float64 `json:"connect_timeout"` // seconds
	PublishTimeout float64 `json:"publish_timeout"` // seconds
}

func parseConfig(cfg broker.AdapterConfig) (ConnectionSettings, Settings, error) {
	var conn ConnectionSettings
	var s Settings

	merged := cfg.Connection.Clone()
	if merged == nil {
		merged = configuration.Document{}
	}
	for k, v := range cfg.Settings {
		merged[k] = v
	}

	if err := configuration.Decode(merged, &conn); err != nil {
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid mqtt connection settings")
	}
	if err := configuration.Decode(cfg.Settings, &s); err != nil {
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid mqtt adapter settings")
	}

	if conn.Broker == "" {
		return conn, s, failure.New(failure.KindConfiguration, "missing 'broker' in mqtt connection configuration")
	}
	if conn.ClientID == "" {
		conn.ClientID = "phoenix-" + string(cfg.Role) + "-" + uuid.NewString()
	}
	if cfg.Role == broker.RoleInput && s.Topic == "" {
		return conn, s, failure.New(failure.KindConfiguration, "mqtt input adapter requires topic")
	}
	if s.QoS != nil && (*s.QoS < 0 || *s.QoS > 2) {
		return conn, s, failure.Newf(failure.KindConfiguration, "invalid mqtt qos: %d", *s.QoS)
	}
	return conn, s, nil
}

func (s Settings) qos() byte {
	if s.QoS == nil {
		return defaultQoS
	}
	return byte(*s.QoS)
}

func (s Settings) bufferSize() int {
	if s.BufferSize <= 0 {
		return defaultBufferSize
	}
	return s.BufferSize
}

func (s Settings) consumeTimeout() time.Duration {
	return seconds(s.ConsumeTimeout, defaultConsumeTimeout)
}

func (s Settings) connectTimeout() time.Duration {
	return seconds(s.ConnectTimeout, defaultConnectTimeout)
}

func (s Settings) publishTimeout() time.Duration {
	return seconds(s.PublishTimeout, defaultPublishTimeout)
}

func seconds(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}
