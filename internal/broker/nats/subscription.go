package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubscriptionManagerImpl implements SubscriptionManager with a durable
// JetStream pull consumer
type SubscriptionManagerImpl struct {
	adapter *Adapter
	conn    ConnectionManager
	sub     *nats.Subscription
	subject string
	mu      sync.RWMutex
}

// NewSubscriptionManager creates a new NATS subscription manager
func NewSubscriptionManager(a *Adapter, conn ConnectionManager) SubscriptionManager {
	return &SubscriptionManagerImpl{
		adapter: a,
		conn:    conn,
	}
}

// Subscribe binds the durable pull consumer for subject
func (s *SubscriptionManagerImpl) Subscribe(subject, durable string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	js := s.conn.JetStream()
	if js == nil {
		return fmt.Errorf("not connected to NATS server")
	}

	opts := []nats.SubOpt{nats.AckExplicit()}
	if s.adapter.settings.Stream != "" {
		opts = append(opts, nats.BindStream(s.adapter.settings.Stream))
	}
	if s.adapter.settings.MaxDeliver > 0 {
		opts = append(opts, nats.MaxDeliver(s.adapter.settings.MaxDeliver))
	}

	sub, err := js.PullSubscribe(subject, durable, opts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", subject, err)
	}

	s.sub = sub
	s.subject = subject
	s.adapter.logger.Debug("subscribed to subject", "subject", subject, "durable", durable)
	return nil
}

// Fetch pulls one message, waiting at most wait. It returns nil when
// nothing arrived in time.
func (s *SubscriptionManagerImpl) Fetch(ctx context.Context, wait time.Duration) (Delivery, error) {
	s.mu.RLock()
	sub := s.sub
	s.mu.RUnlock()

	if sub == nil {
		return nil, fmt.Errorf("not subscribed")
	}

	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := sub.Fetch(1, nats.Context(fctx))
	if err != nil {
		if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout)) {
			return nil, nil
		}
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return delivery{msg: msgs[0]}, nil
}

// UnsubscribeAll drops the subscription. The durable consumer stays on the
// server so the next instance resumes where this one stopped.
func (s *SubscriptionManagerImpl) UnsubscribeAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		s.adapter.logger.Error("failed to unsubscribe", "subject", s.subject, "error", err)
	} else {
		err = nil
	}
	s.sub = nil
	return err
}

// IsSubscribed returns whether the pull subscription is bound
func (s *SubscriptionManagerImpl) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sub != nil
}

// delivery adapts *nats.Msg to Delivery
type delivery struct {
	msg *nats.Msg
}

func (d delivery) Subject() string     { return d.msg.Subject }
func (d delivery) Data() []byte        { return d.msg.Data }
func (d delivery) Header() nats.Header { return d.msg.Header }
func (d delivery) Ack() error          { return d.msg.Ack() }
func (d delivery) Nak() error          { return d.msg.Nak() }
