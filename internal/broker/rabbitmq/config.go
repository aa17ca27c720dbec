package rabbitmq

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
)

const (
	defaultPort           = 5672
	defaultVirtualHost    = "/"
	defaultExchangeType   = amqp.ExchangeDirect
	defaultPrefetchCount  = 1
	defaultConsumeTimeout = 10 * time.Second
	defaultConfirmTimeout = 5 * time.Second
	defaultHeartbeat      = 10 * time.Second
)

// ConnectionSettings is the connections.rabbitmq block of the base
// configuration. Adapter settings may override any of its fields.
type ConnectionSettings struct {
	Username       string             `json:"username"`
	Password       string             `json:"password"`
	Host           string             `json:"host"`
	Port           int                `json:"port"`
	ConsumeTimeout float64            `json:"consume_timeout"` // seconds
	Heartbeat      float64            `json:"heartbeat"`       // seconds
	TLS            broker.TLSSettings `json:"tls"`
}

// Settings is the adapter block of input_type.rabbitmq or output_type.rabbitmq
type Settings struct {
	VirtualHost        string  `json:"virtual_host"`
	QueueName          string  `json:"queue_name"`
	Exchange           string  `json:"exchange"`
	ExchangeType       string  `json:"exchange_type"`
	RoutingKey         string  `json:"routing_key"`
	PrefetchCount      int     `json:"prefetch_count"`
	Mandatory          *bool   `json:"mandatory"`
	QueueMaxPriority   int     `json:"queue_max_priority"`
	DeadLetterExchange string  `json:"dead_letter_exchange"`
	AutoAck            bool    `json:"auto_ack"`
	ConfirmTimeout     float64 `json:"confirm_timeout"` // seconds
}

// parseConfig decodes and validates the adapter configuration
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
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid rabbitmq connection settings")
	}
	if err := configuration.Decode(cfg.Settings, &s); err != nil {
		return conn, s, failure.Wrap(failure.KindConfiguration, err, "invalid rabbitmq adapter settings")
	}

	if conn.Port == 0 {
		conn.Port = defaultPort
	}
	if s.VirtualHost == "" {
		s.VirtualHost = defaultVirtualHost
	}
	if s.ExchangeType == "" {
		s.ExchangeType = defaultExchangeType
	}
	if s.Exchange == "" && s.QueueName != "" {
		s.Exchange = s.QueueName + "." + s.ExchangeType
	}
	if s.RoutingKey == "" {
		s.RoutingKey = s.QueueName
	}
	if s.PrefetchCount <= 0 {
		s.PrefetchCount = defaultPrefetchCount
	}
	if s.Mandatory == nil {
		mandatory := true
		s.Mandatory = &mandatory
	}

	if err := validate(conn, s, cfg.Role); err != nil {
		return conn, s, err
	}
	return conn, s, nil
}

func validate(conn ConnectionSettings, s Settings, role broker.Role) error {
	required := map[string]string{
		"username": conn.Username,
		"password": conn.Password,
		"host":     conn.Host,
	}
	for _, field := range []string{"username", "password", "host"} {
		if required[field] == "" {
			return failure.Newf(failure.KindConfiguration, "missing '%s' in rabbitmq connection configuration", field)
		}
	}
	if conn.Port < 0 || conn.Port > 65535 {
		return failure.Newf(failure.KindConfiguration, "invalid rabbitmq port: %d", conn.Port)
	}
	if role == broker.RoleInput && s.QueueName == "" {
		return failure.New(failure.KindConfiguration, "rabbitmq input adapter requires queue_name")
	}
	if s.QueueMaxPriority < 0 || s.QueueMaxPriority > 255 {
		return failure.Newf(failure.KindConfiguration, "queue_max_priority must be between 0 and 255, got %d", s.QueueMaxPriority)
	}
	switch s.ExchangeType {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		return failure.Newf(failure.KindConfiguration, "invalid exchange_type: %s", s.ExchangeType)
	}
	return nil
}

// uri builds the AMQP URI. The virtual host travels in amqp.Config.
func (c ConnectionSettings) uri() string {
	scheme := "amqp"
	if c.TLS.Enable {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.Username, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
	}
	return u.String()
}

func (c ConnectionSettings) consumeTimeout() time.Duration {
	return seconds(c.ConsumeTimeout, defaultConsumeTimeout)
}

func (c ConnectionSettings) heartbeat() time.Duration {
	return seconds(c.Heartbeat, defaultHeartbeat)
}

func (s Settings) confirmTimeout() time.Duration {
	return seconds(s.ConfirmTimeout, defaultConfirmTimeout)
}

func (s Settings) mandatory() bool {
	return s.Mandatory == nil || *s.Mandatory
}

// queueArgs are the arguments used when a queue has to be declared
func (s Settings) queueArgs() amqp.Table {
	args := amqp.Table{}
	if s.QueueMaxPriority > 0 {
		args["x-max-priority"] = int32(s.QueueMaxPriority)
	}
	if s.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = s.DeadLetterExchange
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

func seconds(v float64, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

func (s Settings) String() string {
	return fmt.Sprintf("vhost=%s queue=%s exchange=%s(%s) routing_key=%s", s.VirtualHost, s.QueueName, s.Exchange, s.ExchangeType, s.RoutingKey)
}
