package rabbitmq

import (
	"bytes"
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
)

const getThresholdMessage = "reached the maximum threshold counter error while attempting to get data"

// GetData waits up to consume_timeout for one delivery from the configured
// queue. A missing queue is declared and the read retried once; connection
// failures reinitialize the adapter until ErrorThreshold is reached.
func (a *Adapter) GetData(ctx context.Context) (*broker.Message, error) {
	declared := false
	for {
		msg, err := a.consumeOnce(ctx)
		switch {
		case err == nil:
			a.resetRetries()
			return msg, nil

		case ctx.Err() != nil:
			return nil, ctx.Err()

		case isNotFound(err) && !declared:
			declared = true
			a.logger.Warn("queue not found, declaring it", "error", err)
			if derr := a.declareConfigured(); derr != nil {
				return nil, failure.Wrap(failure.KindTransport, derr, "failed to declare missing queue")
			}

		case isConnectionError(err) || isNotFound(err):
			if terr := a.countFailure(getThresholdMessage); terr != nil {
				return nil, terr
			}
			a.logger.Warn("failed to get data from rabbitmq, reinitializing", "error", err)
			if rerr := a.reinitialize(ctx); rerr != nil {
				return nil, failure.Wrap(failure.KindTransport, rerr, "failed to reinitialize rabbitmq adapter")
			}

		default:
			return nil, failure.Wrap(failure.KindTransport, err, "failed to get data")
		}
	}
}

// consumeOnce starts the consumer if needed and waits for one delivery. The
// wait happens without the lock so the liveness goroutine keeps running.
func (a *Adapter) consumeOnce(ctx context.Context) (*broker.Message, error) {
	a.mu.Lock()
	vs, err := a.vhostLocked(a.settings.VirtualHost)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	cs, err := a.channelLocked(vs, purposeNormal)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	if cs.deliveries == nil {
		tag := "phoenix-" + a.newID()
		// auto_ack is applied per delivery so prefetch still bounds what the
		// broker pushes to this consumer
		deliveries, err := cs.ch.Consume(a.settings.QueueName, tag, false, false, false, false, nil)
		if err != nil {
			a.mu.Unlock()
			return nil, err
		}
		cs.deliveries = deliveries
		cs.consumerTag = tag
	}
	deliveries, generation, ch := cs.deliveries, cs.generation, cs.ch
	a.mu.Unlock()

	timer := time.NewTimer(a.conn.consumeTimeout())
	defer timer.Stop()

	select {
	case d, ok := <-deliveries:
		if !ok {
			return nil, errDeliveriesClosed
		}
		if a.settings.AutoAck {
			if err := ch.Ack(d.DeliveryTag, false); err != nil {
				return nil, err
			}
		}
		return a.toMessage(d, generation), nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Adapter) declareConfigured() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	vs, err := a.vhostLocked(a.settings.VirtualHost)
	if err != nil {
		return err
	}
	_, err = a.declareLocked(vs, purposeNormal, a.configuredDestination())
	return err
}

func (a *Adapter) toMessage(d amqp.Delivery, generation uint64) *broker.Message {
	msg := &broker.Message{
		Payload:     d.Body,
		Queue:       a.settings.QueueName,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		VirtualHost: a.settings.VirtualHost,
		Properties: map[string]interface{}{
			"headers":        map[string]interface{}(d.Headers),
			"content_type":   d.ContentType,
			"correlation_id": d.CorrelationId,
			"message_id":     d.MessageId,
			"priority":       d.Priority,
			"redelivered":    d.Redelivered,
		},
	}
	if !a.settings.AutoAck {
		msg.Handle = deliveryHandle{tag: d.DeliveryTag, generation: generation}
	}
	return msg
}

// SuccessAction acknowledges msg
func (a *Adapter) SuccessAction(ctx context.Context, msg *broker.Message) error {
	return a.settle(ctx, msg, true)
}

// FailureAction rejects msg with requeue, leaving redelivery or
// dead-lettering to the broker
func (a *Adapter) FailureAction(ctx context.Context, msg *broker.Message) error {
	return a.settle(ctx, msg, false)
}

func (a *Adapter) settle(ctx context.Context, msg *broker.Message, ack bool) error {
	if msg == nil || msg.Handle == nil {
		return nil
	}
	h, ok := msg.Handle.(deliveryHandle)
	if !ok {
		return fmt.Errorf("unexpected delivery handle %T", msg.Handle)
	}

	a.mu.Lock()
	var cs *channelState
	if vs := a.vhosts[a.settings.VirtualHost]; vs.open() {
		cs = vs.channels[purposeNormal]
	}
	if cs.open() && cs.generation == h.generation {
		var err error
		if ack {
			err = cs.ch.Ack(h.tag, false)
		} else {
			err = cs.ch.Nack(h.tag, false, true)
		}
		a.mu.Unlock()

		if err == nil {
			return nil
		}
		if !isConnectionError(err) {
			return failure.Wrap(failure.KindTransport, err, "failed to settle delivery")
		}
	} else {
		a.mu.Unlock()
	}

	return a.settleRedelivery(ctx, msg, ack)
}

// settleRedelivery handles a handle whose channel died. The broker requeued
// the delivery when the channel closed, so it is fetched again on a fresh
// channel and settled through its new handle.
func (a *Adapter) settleRedelivery(ctx context.Context, msg *broker.Message, ack bool) error {
	a.logger.Warn("normal channel closed before settling delivery, fetching it again", "ack", ack)

	fresh, err := a.GetData(ctx)
	if err != nil {
		return err
	}
	if fresh == nil {
		a.logger.Warn("redelivery not received before timeout, message stays queued")
		return nil
	}
	if !bytes.Equal(fresh.Payload, msg.Payload) {
		if nerr := a.settle(ctx, fresh, false); nerr != nil {
			a.logger.Error("failed to requeue unrelated delivery", "error", nerr)
		}
		return failure.Wrap(failure.KindTransport, broker.ErrStaleHandle, "redelivered message does not match the settled one")
	}
	return a.settle(ctx, fresh, ack)
}
