package kafka

import (
	"time"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
)

const (
	defaultConsumeTimeout = 10 * time.Second
	defaultMinBytes       = 1
	defaultMaxBytes       = 10e6
	defaultBatchTimeout   = 10 * time.Millisecond
)

// ConnectionSettings is the connections.kafka block of the base configuration
type ConnectionSettings struct {
	Brokers []string           `json:"brokers"`
	TLS     broker.TLSSettings `json:"tls"`
}

// Settings is the adapter block of input_type.kafka or output_type.kafka
type Settings struct {
	Topic                  string  `json:"topic"`
	GroupID                string  `json:"group_id"`
	ConsumeTimeout         float64 `json:"consume_timeout"` // seconds
	MinBytes               int     `json:"min_bytes"`
	MaxBytes               int     `json:"max_bytes"`
	AllowAutoTopicCreation *bool   `json:"allow_auto_topic_creation"`
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
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid kafka connection settings")
	}
	if err := configuration.Decode(cfg.Settings, &s); err != nil {
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid kafka adapter settings")
	}

	if len(conn.Brokers) == 0 {
		return conn, s, failure.New(failure.KindConfiguration, "missing 'brokers' in kafka connection configuration")
	}
	if cfg.Role == broker.RoleInput {
		if s.Topic == "" {
			return conn, s, failure.New(failure.KindConfiguration, "kafka input adapter requires topic")
		}
		if s.GroupID == "" {
			s.GroupID = "phoenix-" + s.Topic
		}
	}
	if s.MinBytes <= 0 {
		s.MinBytes = defaultMinBytes
	}
	if s.MaxBytes <= 0 {
		s.MaxBytes = defaultMaxBytes
	}
	if s.AllowAutoTopicCreation == nil {
		allow := true
		s.AllowAutoTopicCreation = &allow
	}
	return conn, s, nil
}

func (s Settings) consumeTimeout() time.Duration {
	if s.ConsumeTimeout <= 0 {
		return defaultConsumeTimeout
	}
	return time.Duration(s.ConsumeTimeout * float64(time.Second))
}
