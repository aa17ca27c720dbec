package nats

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
)

const defaultFetchTimeout = 10 * time.Second

// ConnectionSettings is the connections.nats block of the base configuration
type ConnectionSettings struct {
	URLs     []string           `json:"urls"`
	URL      string             `json:"url"`
	ClientID string             `json:"client_id"`
	Username string             `json:"username"`
	Password string             `json:"password"`
	Token    string             `json:"token"`
	TLS      broker.TLSSettings `json:"tls"`
}

// Settings is the adapter block of input_type.nats or output_type.nats
type Settings struct {
	Subject      string  `json:"subject"`
	Stream       string  `json:"stream"`
	Durable      string  `json:"durable"`
	CreateStream *bool   `json:"create_stream"`
	MaxDeliver   int     `json:"max_deliver"`
	FetchTimeout float64 `json:"fetch_timeout"` // seconds
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
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid nats connection settings")
	}
	if err := configuration.Decode(cfg.Settings, &s); err != nil {
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid nats adapter settings")
	}

	if conn.URL != "" && !containsString(conn.URLs, conn.URL) {
		conn.URLs = append([]string{conn.URL}, conn.URLs...)
	}
	if len(conn.URLs) == 0 {
		return conn, s, failure.New(failure.KindConfiguration, "missing 'urls' in nats connection configuration")
	}
	if conn.ClientID == "" {
		conn.ClientID = "phoenix-" + string(cfg.Role) + "-" + uuid.NewString()
	}

	s.Subject = NormalizeSubject(ToNATSSubject(s.Subject))
	if cfg.Role == broker.RoleInput {
		if s.Subject == "" {
			return conn, s, failure.New(failure.KindConfiguration, "nats input adapter requires subject")
		}
		if s.Durable == "" {
			s.Durable = "phoenix_" + StreamName(s.Subject)
		}
	}
	if s.Stream == "" && s.Subject != "" {
		s.Stream = StreamName(s.Subject)
	}
	if s.CreateStream == nil {
		create := true
		s.CreateStream = &create
	}
	return conn, s, nil
}

func (s Settings) fetchTimeout() time.Duration {
	if s.FetchTimeout <= 0 {
		return defaultFetchTimeout
	}
	return time.Duration(s.FetchTimeout * float64(time.Second))
}

// streamSubjects are the subjects the stream must capture: the primary
// subject and every error subject derived from it. A subject ending in the
// full wildcard already captures its error subjects.
func (s Settings) streamSubjects() []string {
	if strings.HasSuffix(s.Subject, ">") {
		return []string{s.Subject}
	}
	return []string{s.Subject, s.Subject + ".error.>"}
}
