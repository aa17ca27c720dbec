// Package mqtt implements an MQTT input and output adapter on the paho client.
// Acknowledgements are manual: a message that is never acknowledged is
// redelivered by the broker after the session reconnects.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
)

// Kind is the adapter kind name used in configuration documents
const Kind = "mqtt"

// Register adds the mqtt kind to reg
func Register(reg *broker.Registry) {
	reg.Register(Kind, func(log *logger.Logger, cfg broker.AdapterConfig) (broker.Adapter, error) {
		return New(log, cfg)
	})
}

// Option configures an Adapter
type Option func(*Adapter)

// WithClient uses client instead of building one from the settings
func WithClient(client mqtt.Client) Option {
	return func(a *Adapter) {
		a.client = client
	}
}

// Adapter is an MQTT input or output adapter
type Adapter struct {
	logger   *logger.Logger
	conn     ConnectionSettings
	settings Settings
	role     broker.Role
	metrics  *metrics.Metrics
	client   mqtt.Client

	cm  ConnectionManager
	sub SubscriptionManager
	pub Publisher
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
	for _, opt := range opts {
		opt(a)
	}

	if a.client != nil {
		a.cm = NewConnectionManagerWithClient(a, a.client)
	} else {
		a.cm, err = NewConnectionManager(a)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, err, "invalid mqtt tls settings")
		}
	}

	a.pub = NewPublisher(a, a.cm)
	if a.role == broker.RoleInput {
		a.sub = NewSubscriptionManager(a, a.cm)
	}
	return a, nil
}

// Initialize connects and, for input, subscribes to the configured topic
func (a *Adapter) Initialize(ctx context.Context) error {
	if !a.cm.IsConnected() {
		if err := a.cm.Connect(); err != nil {
			return failure.Wrap(failure.KindTransport, err, "failed to connect to mqtt broker")
		}
	}
	if a.sub != nil && !a.sub.IsSubscribed() {
		if err := a.sub.Subscribe(a.settings.Topic); err != nil {
			return failure.Wrap(failure.KindTransport, err, "failed to subscribe")
		}
	}
	a.logger.Info("mqtt adapter initialized", "broker", a.conn.Broker)
	return ctx.Err()
}

// GetData waits up to consume_timeout for one buffered message
func (a *Adapter) GetData(ctx context.Context) (*broker.Message, error) {
	if a.sub == nil {
		return nil, broker.ErrNoInput
	}

	msg, err := a.sub.Next(ctx, a.settings.consumeTimeout())
	if err != nil {
		return nil, failure.Wrap(failure.KindTransport, err, "failed to get data")
	}
	if msg == nil {
		return nil, nil
	}

	return &broker.Message{
		Payload:    msg.Payload(),
		Handle:     msg,
		Queue:      a.settings.Topic,
		RoutingKey: msg.Topic(),
		Properties: map[string]interface{}{
			"message_id": msg.MessageID(),
			"qos":        msg.Qos(),
			"retained":   msg.Retained(),
			"duplicate":  msg.Duplicate(),
		},
	}, nil
}

// SuccessAction acknowledges msg
func (a *Adapter) SuccessAction(ctx context.Context, msg *broker.Message) error {
	if msg == nil || msg.Handle == nil {
		return nil
	}
	m, ok := msg.Handle.(mqtt.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery handle %T", msg.Handle)
	}
	m.Ack()
	return nil
}

// FailureAction leaves msg unacknowledged. MQTT has no negative
// acknowledgement; the broker redelivers it on the next session.
func (a *Adapter) FailureAction(ctx context.Context, msg *broker.Message) error {
	if msg == nil || msg.Handle == nil {
		return nil
	}
	a.logger.Warn("message left unacknowledged for redelivery", "topic", msg.RoutingKey)
	return nil
}

// SendData publishes each message to its own topic, falling back to the
// configured topic
func (a *Adapter) SendData(ctx context.Context, msgs []*broker.Message) error {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		topic := a.topicFor(msg)
		if topic == "" {
			return failure.New(failure.KindConfiguration, "message has no topic and no topic is configured")
		}
		if err := a.pub.Publish(topic, msg.Payload); err != nil {
			return failure.Wrap(failure.KindTransport, err, "failed to publish message")
		}
	}
	return nil
}

func (a *Adapter) topicFor(msg *broker.Message) string {
	switch {
	case msg.RoutingKey != "":
		return msg.RoutingKey
	case msg.Queue != "":
		return msg.Queue
	default:
		return a.settings.Topic
	}
}

// errorEnvelope carries an error payload; MQTT 3.1.1 has no message headers
type errorEnvelope struct {
	Payload json.RawMessage        `json:"payload"`
	Headers map[string]interface{} `json:"headers"`
}

// SendErrorMessage publishes payload to <topic>/error/<Kind>
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
	if !json.Valid(body) {
		body, _ = json.Marshal(string(body))
	}
	data, err := json.Marshal(errorEnvelope{Payload: body, Headers: broker.ErrorHeaders(cause)})
	if err != nil {
		return failure.Wrap(failure.KindPoison, err, "failed to encode error message")
	}

	if err := a.pub.Publish(broker.ErrorDestination(topic, "/", cause), data); err != nil {
		return failure.Wrap(failure.KindTransport, err, "failed to publish error message")
	}
	return nil
}

// Stop unblocks pending reads and disconnects
func (a *Adapter) Stop() error {
	if a.sub != nil {
		a.sub.Close()
	}
	a.cm.Disconnect()
	return nil
}

func (a *Adapter) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if a.metrics != nil {
		fn(a.metrics)
	}
}
