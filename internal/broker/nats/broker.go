// Package nats implements a NATS JetStream input and output adapter. Input is
// a durable pull consumer, so each GetData fetches exactly one message and
// leaves the acknowledgement to the caller.
package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
)

// Kind is the adapter kind name used in configuration documents
const Kind = "nats"

// Register adds the nats kind to reg
func Register(reg *broker.Registry) {
	reg.Register(Kind, func(log *logger.Logger, cfg broker.AdapterConfig) (broker.Adapter, error) {
		return New(log, cfg)
	})
}

// Option configures an Adapter
type Option func(*Adapter)

// WithConnectionManager replaces the connection manager
func WithConnectionManager(cm ConnectionManager) Option {
	return func(a *Adapter) {
		a.cm = cm
	}
}

// WithSubscriptionManager replaces the subscription manager
func WithSubscriptionManager(sub SubscriptionManager) Option {
	return func(a *Adapter) {
		a.sub = sub
	}
}

// Adapter is a NATS JetStream input or output adapter
type Adapter struct {
	logger   *logger.Logger
	conn     ConnectionSettings
	settings Settings
	role     broker.Role
	metrics  *metrics.Metrics

	cm  ConnectionManager
	sub SubscriptionManager
}

// New validates cfg and creates an adapter
func New(log *logger.Logger, cfg broker.AdapterConfig, opts ...Option) (*Adapter, error) {
	conn, settings, err := parseConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		logger:   log.With("adapter", Kind, "role", string(cfg.Role), "subject", settings.Subject),
		conn:     conn,
		settings: settings,
		role:     cfg.Role,
		metrics:  cfg.Metrics,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.cm == nil {
		a.cm = NewConnectionManager(a)
	}
	if a.sub == nil && a.role == broker.RoleInput {
		a.sub = NewSubscriptionManager(a, a.cm)
	}
	return a, nil
}

// Initialize connects, ensures the stream and binds the pull consumer
func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.cm.IsConnected() {
		if err := a.cm.Connect(); err != nil {
			return failure.Wrap(failure.KindTransport, err, "failed to connect to nats")
		}
	}

	if a.settings.Subject != "" && *a.settings.CreateStream {
		err := a.cm.EnsureStream(&nats.StreamConfig{
			Name:     a.settings.Stream,
			Subjects: a.settings.streamSubjects(),
			Storage:  nats.FileStorage,
		})
		if err != nil {
			return failure.Wrap(failure.KindTransport, err, "failed to ensure stream")
		}
	}

	if a.role == broker.RoleInput && !a.sub.IsSubscribed() {
		if err := a.sub.Subscribe(a.settings.Subject, a.settings.Durable); err != nil {
			return failure.Wrap(failure.KindTransport, err, "failed to subscribe")
		}
	}

	a.logger.Info("nats adapter initialized", "stream", a.settings.Stream, "durable", a.settings.Durable)
	return ctx.Err()
}

// GetData fetches one message, waiting at most fetch_timeout
func (a *Adapter) GetData(ctx context.Context) (*broker.Message, error) {
	if a.sub == nil {
		return nil, broker.ErrNoInput
	}

	d, err := a.sub.Fetch(ctx, a.settings.fetchTimeout())
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, failure.Wrap(failure.KindTransport, err, "failed to fetch message")
	}
	if d == nil {
		return nil, nil
	}

	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})

	headers := make(map[string]interface{}, len(d.Header()))
	for k := range d.Header() {
		headers[k] = d.Header().Get(k)
	}

	return &broker.Message{
		Payload:    d.Data(),
		Handle:     d,
		Queue:      a.settings.Subject,
		RoutingKey: d.Subject(),
		Properties: map[string]interface{}{
			"headers": headers,
		},
	}, nil
}

// SuccessAction acknowledges msg
func (a *Adapter) SuccessAction(ctx context.Context, msg *broker.Message) error {
	d, err := handle(msg)
	if err != nil || d == nil {
		return err
	}
	if err := d.Ack(); err != nil {
		return failure.Wrap(failure.KindTransport, err, "failed to ack message")
	}
	return nil
}

// FailureAction negatively acknowledges msg so the server redelivers it
func (a *Adapter) FailureAction(ctx context.Context, msg *broker.Message) error {
	d, err := handle(msg)
	if err != nil || d == nil {
		return err
	}
	if err := d.Nak(); err != nil {
		return failure.Wrap(failure.KindTransport, err, "failed to nak message")
	}
	return nil
}

func handle(msg *broker.Message) (Delivery, error) {
	if msg == nil || msg.Handle == nil {
		return nil, nil
	}
	d, ok := msg.Handle.(Delivery)
	if !ok {
		return nil, fmt.Errorf("unexpected delivery handle %T", msg.Handle)
	}
	return d, nil
}

func (a *Adapter) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if a.metrics != nil {
		fn(a.metrics)
	}
}

// Stop drops the subscription and closes the connection
func (a *Adapter) Stop() error {
	var err error
	if a.sub != nil {
		err = a.sub.UnsubscribeAll()
	}
	a.cm.Disconnect()
	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, false)
	})
	return err
}
