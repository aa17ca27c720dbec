// Package kafka implements a Kafka input and output adapter on kafka-go.
// Input uses a consumer group with manual offset commits: SuccessAction
// commits, FailureAction leaves the offset where it is.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
	"go.uber.org/multierr"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
)

// Kind is the adapter kind name used in configuration documents
const Kind = "kafka"

// Reader is the subset of *kafka.Reader the adapter uses
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer the adapter uses
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Register adds the kafka kind to reg
func Register(reg *broker.Registry) {
	reg.Register(Kind, func(log *logger.Logger, cfg broker.AdapterConfig) (broker.Adapter, error) {
		return New(log, cfg)
	})
}

// Option configures an Adapter
type Option func(*Adapter)

// WithReader replaces the reader built from the settings
func WithReader(r Reader) Option {
	return func(a *Adapter) {
		a.reader = r
	}
}

// WithWriter replaces the writer built from the settings
func WithWriter(w Writer) Option {
	return func(a *Adapter) {
		a.writer = w
	}
}

// Adapter is a Kafka input or output adapter
type Adapter struct {
	logger    *logger.Logger
	conn      ConnectionSettings
	settings  Settings
	role      broker.Role
	metrics   *metrics.Metrics
	tlsConfig *tls.Config

	mu     sync.Mutex
	reader Reader
	writer Writer
	closed bool
}

// New validates cfg and creates an adapter
func New(log *logger.Logger, cfg broker.AdapterConfig, opts ...Option) (*Adapter, error) {
	conn, settings, err := parseConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		logger:   log.With("adapter", Kind, "role", string(cfg.Role), "topic", settings.Topic),
		conn:     conn,
		settings: settings,
		role:     cfg.Role,
		metrics:  cfg.Metrics,
	}

	if conn.TLS.Enable {
		a.tlsConfig, err = broker.NewTLSConfig(conn.TLS)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, err, "invalid kafka tls settings")
		}
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Initialize builds the reader for input and the writer used by both roles
// (input publishes error messages)
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.writer == nil {
		w := &kafka.Writer{
			Addr:                   kafka.TCP(a.conn.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchSize:              1,
			BatchTimeout:           defaultBatchTimeout,
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: *a.settings.AllowAutoTopicCreation,
		}
		if a.tlsConfig != nil {
			w.Transport = &kafka.Transport{TLS: a.tlsConfig}
		}
		a.writer = w
	}

	if a.role == broker.RoleInput && a.reader == nil {
		cfg := kafka.ReaderConfig{
			Brokers:  a.conn.Brokers,
			Topic:    a.settings.Topic,
			GroupID:  a.settings.GroupID,
			MinBytes: a.settings.MinBytes,
			MaxBytes: a.settings.MaxBytes,
		}
		if a.tlsConfig != nil {
			cfg.Dialer = &kafka.Dialer{TLS: a.tlsConfig, DualStack: true}
		}
		a.reader = kafka.NewReader(cfg)
	}

	a.closed = false
	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, true)
	})
	a.logger.Info("kafka adapter initialized", "brokers", a.conn.Brokers, "group", a.settings.GroupID)
	return ctx.Err()
}

// GetData fetches one message, waiting at most consume_timeout
func (a *Adapter) GetData(ctx context.Context) (*broker.Message, error) {
	a.mu.Lock()
	reader := a.reader
	a.mu.Unlock()

	if reader == nil {
		return nil, broker.ErrNoInput
	}

	fctx, cancel := context.WithTimeout(ctx, a.settings.consumeTimeout())
	defer cancel()

	km, err := reader.FetchMessage(fctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, failure.Wrap(failure.KindTransport, err, "failed to fetch message")
	}

	headers := make(map[string]interface{}, len(km.Headers))
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &broker.Message{
		Payload:    km.Value,
		Handle:     km,
		Queue:      km.Topic,
		RoutingKey: string(km.Key),
		Properties: map[string]interface{}{
			"headers":   headers,
			"partition": km.Partition,
			"offset":    km.Offset,
		},
	}, nil
}

// SuccessAction commits the message's offset
func (a *Adapter) SuccessAction(ctx context.Context, msg *broker.Message) error {
	if msg == nil || msg.Handle == nil {
		return nil
	}
	km, ok := msg.Handle.(kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery handle %T", msg.Handle)
	}

	a.mu.Lock()
	reader := a.reader
	a.mu.Unlock()
	if reader == nil {
		return broker.ErrNoInput
	}

	if err := reader.CommitMessages(ctx, km); err != nil {
		return failure.Wrap(failure.KindTransport, err, "failed to commit offset")
	}
	return nil
}

// FailureAction leaves the offset uncommitted. Kafka has no per-message
// rejection; the message is redelivered after a rebalance or restart unless a
// later offset is committed first.
func (a *Adapter) FailureAction(ctx context.Context, msg *broker.Message) error {
	if msg == nil || msg.Handle == nil {
		return nil
	}
	a.logger.Warn("offset left uncommitted", "topic", msg.Queue)
	return nil
}

// SendData writes each message to its own topic, falling back to the
// configured topic. The routing key becomes the message key.
func (a *Adapter) SendData(ctx context.Context, msgs []*broker.Message) error {
	out := make([]kafka.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		topic := msg.Queue
		if topic == "" {
			topic = a.settings.Topic
		}
		if topic == "" {
			return failure.New(failure.KindConfiguration, "message has no topic and no topic is configured")
		}
		km := kafka.Message{
			Topic: topic,
			Value: msg.Payload,
		}
		if msg.RoutingKey != "" {
			km.Key = []byte(msg.RoutingKey)
		}
		if headers, ok := msg.Properties["headers"].(map[string]interface{}); ok {
			km.Headers = toHeaders(headers)
		}
		out = append(out, km)
	}
	if len(out) == 0 {
		return nil
	}
	return a.write(ctx, out...)
}

// SendErrorMessage writes payload to <topic>.error.<Kind> with the error text
// and stack trace as headers
func (a *Adapter) SendErrorMessage(ctx context.Context, msg *broker.Message, payload interface{}, cause error) error {
	topic := a.settings.Topic
	if msg != nil && msg.Queue != "" {
		topic = msg.Queue
	}
	if topic == "" {
		return failure.New(failure.KindConfiguration, "cannot derive an error topic without a topic")
	}

	body, err := broker.EncodePayload(payload)
	if err != nil {
		return failure.Wrap(failure.KindPoison, err, "failed to encode error payload")
	}

	return a.write(ctx, kafka.Message{
		Topic:   broker.ErrorDestination(topic, ".", cause),
		Value:   body,
		Headers: toHeaders(broker.ErrorHeaders(cause)),
	})
}

func (a *Adapter) write(ctx context.Context, msgs ...kafka.Message) error {
	a.mu.Lock()
	writer := a.writer
	a.mu.Unlock()

	if writer == nil {
		return failure.New(failure.KindTransport, "kafka adapter is not initialized")
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		a.logger.Error("failed to write messages", "count", len(msgs), "error", err)
		return failure.Wrap(failure.KindTransport, err, "failed to write messages")
	}
	return nil
}

// Stop flushes the writer and closes the reader
func (a *Adapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var err error
	if a.writer != nil {
		if cerr := a.writer.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close writer: %w", cerr))
		}
		a.writer = nil
	}
	if a.reader != nil {
		if cerr := a.reader.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("close reader: %w", cerr))
		}
		a.reader = nil
	}

	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, false)
	})
	return err
}

func (a *Adapter) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if a.metrics != nil {
		fn(a.metrics)
	}
}

// toHeaders converts string header values to Kafka headers
func toHeaders(h map[string]interface{}) []kafka.Header {
	if len(h) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		if s, ok := v.(string); ok {
			headers = append(headers, kafka.Header{Key: k, Value: []byte(s)})
		}
	}
	return headers
}
