// Package memory implements an adapter over in-process queues. It is used
// for local runs without a broker and for end-to-end tests of the runtime.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
)

// Kind is the adapter kind name used in configuration documents
const Kind = "memory"

const defaultConsumeTimeout = time.Second

// Settings is the adapter block of input_type.memory or output_type.memory
type Settings struct {
	Queue          string  `json:"queue"`
	ConsumeTimeout float64 `json:"consume_timeout"` // seconds
}

// Register adds the memory kind to reg. Every adapter it creates shares hub.
func Register(reg *broker.Registry, hub *Hub) {
	reg.Register(Kind, func(log *logger.Logger, cfg broker.AdapterConfig) (broker.Adapter, error) {
		return New(log, cfg, hub)
	})
}

// Adapter reads from and writes to queues of a Hub
type Adapter struct {
	logger   *logger.Logger
	hub      *Hub
	settings Settings
	role     broker.Role
}

type delivery struct {
	once  sync.Once
	queue string
	entry Entry
}

// New creates a memory adapter on hub
func New(log *logger.Logger, cfg broker.AdapterConfig, hub *Hub) (*Adapter, error) {
	var s Settings
	if err := configuration.Decode(cfg.Settings, &s); err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, err, "invalid memory adapter settings")
	}
	if cfg.Role == broker.RoleInput && s.Queue == "" {
		return nil, failure.New(failure.KindConfiguration, "memory input adapter requires queue")
	}
	if hub == nil {
		return nil, failure.New(failure.KindAdapterCreation, "memory adapter requires a hub")
	}

	return &Adapter{
		logger:   log.With("adapter", Kind, "role", string(cfg.Role), "queue", s.Queue),
		hub:      hub,
		settings: s,
		role:     cfg.Role,
	}, nil
}

// Initialize is a no-op; queues are created on first use
func (a *Adapter) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// GetData waits up to consume_timeout for the head of the input queue
func (a *Adapter) GetData(ctx context.Context) (*broker.Message, error) {
	if a.settings.Queue == "" {
		return nil, broker.ErrNoInput
	}

	timeout := defaultConsumeTimeout
	if a.settings.ConsumeTimeout > 0 {
		timeout = time.Duration(a.settings.ConsumeTimeout * float64(time.Second))
	}

	e, ok, err := a.hub.Pop(ctx, a.settings.Queue, timeout)
	if err != nil || !ok {
		return nil, err
	}

	return &broker.Message{
		Payload:    e.Payload,
		Handle:     &delivery{queue: a.settings.Queue, entry: e},
		Queue:      a.settings.Queue,
		RoutingKey: a.settings.Queue,
		Properties: map[string]interface{}{"headers": e.Headers},
	}, nil
}

// SuccessAction settles msg
func (a *Adapter) SuccessAction(ctx context.Context, msg *broker.Message) error {
	d, err := handle(msg)
	if err != nil || d == nil {
		return err
	}
	d.once.Do(func() {
		a.hub.Settle(d.queue)
	})
	return nil
}

// FailureAction puts msg back at the head of its queue
func (a *Adapter) FailureAction(ctx context.Context, msg *broker.Message) error {
	d, err := handle(msg)
	if err != nil || d == nil {
		return err
	}
	d.once.Do(func() {
		a.hub.Requeue(d.queue, d.entry)
	})
	return nil
}

func handle(msg *broker.Message) (*delivery, error) {
	if msg == nil || msg.Handle == nil {
		return nil, nil
	}
	d, ok := msg.Handle.(*delivery)
	if !ok {
		return nil, fmt.Errorf("unexpected delivery handle %T", msg.Handle)
	}
	return d, nil
}

// SendData appends each message to its own queue, falling back to the
// configured queue
func (a *Adapter) SendData(ctx context.Context, msgs []*broker.Message) error {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		name := msg.Queue
		if name == "" {
			name = a.settings.Queue
		}
		if name == "" {
			return failure.New(failure.KindConfiguration, "message has no queue and no queue is configured")
		}
		headers, _ := msg.Properties["headers"].(map[string]interface{})
		a.hub.Publish(name, Entry{Payload: msg.Payload, Headers: headers})
	}
	return nil
}

// SendErrorMessage appends payload to <queue>.error.<Kind>
func (a *Adapter) SendErrorMessage(ctx context.Context, msg *broker.Message, payload interface{}, cause error) error {
	name := a.settings.Queue
	if msg != nil && msg.Queue != "" {
		name = msg.Queue
	}
	if name == "" {
		return failure.New(failure.KindConfiguration, "cannot derive an error queue without a queue")
	}

	body, err := broker.EncodePayload(payload)
	if err != nil {
		return failure.Wrap(failure.KindPoison, err, "failed to encode error payload")
	}
	a.hub.Publish(broker.ErrorDestination(name, ".", cause), Entry{
		Payload: body,
		Headers: broker.ErrorHeaders(cause),
	})
	return nil
}
