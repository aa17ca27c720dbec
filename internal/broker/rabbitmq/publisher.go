package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
)

const (
	sendThresholdMessage  = "reached the maximum threshold counter error while attempting to send the message"
	errorThresholdMessage = "reached the maximum threshold counter error while attempting to send the error message"
)

// SendData publishes every message, persistent and mandatory, waiting for
// the broker's confirmation of each.
func (a *Adapter) SendData(ctx context.Context, msgs []*broker.Message) error {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		dest, err := a.destinationFor(msg)
		if err != nil {
			return err
		}
		if err := a.publish(ctx, dest, purposeNormal, msg.Payload, msg.Properties, sendThresholdMessage); err != nil {
			return err
		}
	}
	return nil
}

// SendErrorMessage publishes payload to the error queue derived from the
// classification of cause, with the error text and stack trace as headers.
func (a *Adapter) SendErrorMessage(ctx context.Context, msg *broker.Message, payload interface{}, cause error) error {
	dest, err := a.errorDestination(msg, cause)
	if err != nil {
		return err
	}

	body, err := broker.EncodePayload(payload)
	if err != nil {
		return failure.Wrap(failure.KindPoison, err, "failed to encode error payload")
	}

	props := map[string]interface{}{
		"headers":      broker.ErrorHeaders(cause),
		"content_type": "application/json",
	}
	return a.publish(ctx, dest, purposeError, body, props, errorThresholdMessage)
}

// publish retries one message through unroutable returns and channel or
// connection failures until ErrorThreshold consecutive failures.
func (a *Adapter) publish(ctx context.Context, dest destination, p purpose, body []byte, props map[string]interface{}, thresholdMsg string) error {
	for {
		err := a.publishOnce(ctx, dest, p, body, props)
		switch {
		case err == nil:
			a.resetRetries()
			return nil

		case ctx.Err() != nil:
			return ctx.Err()

		case errors.Is(err, errUnroutable) || errors.Is(err, errNacked):
			if terr := a.countFailure(thresholdMsg); terr != nil {
				a.logger.Error("giving up on unroutable message", "exchange", dest.exchange, "routingKey", dest.routingKey, "error", err)
				return terr
			}
			a.logger.Warn("failed to send message, redeclaring queue and binding",
				"queue", dest.queue,
				"exchange", dest.exchange,
				"routingKey", dest.routingKey,
				"error", err)
			if rerr := a.recoverChannel(dest, p); rerr != nil {
				return failure.Wrap(failure.KindTransport, rerr, "failed to recover channel")
			}

		case isConnectionError(err) || isNotFound(err):
			if terr := a.countFailure(thresholdMsg); terr != nil {
				return terr
			}
			a.logger.Warn("rabbitmq channel failure while publishing, reinitializing", "error", err)
			if rerr := a.reinitialize(ctx); rerr != nil {
				return failure.Wrap(failure.KindTransport, rerr, "failed to reinitialize rabbitmq adapter")
			}

		default:
			return failure.Wrap(failure.KindTransport, err, "failed to publish message")
		}
	}
}

// publishOnce declares the destination, publishes and waits for the
// confirmation. The lock is held throughout, so returns and confirmations
// read from the channel belong to this publish.
func (a *Adapter) publishOnce(ctx context.Context, dest destination, p purpose, body []byte, props map[string]interface{}) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	vs, err := a.vhostLocked(dest.vhost)
	if err != nil {
		return err
	}

	var cs *channelState
	if p == purposeError && a.lastErrorQueue == dest.queue {
		cs, err = a.channelLocked(vs, p)
	} else {
		cs, err = a.declareLocked(vs, p, dest)
		if err == nil && p == purposeError {
			a.lastErrorQueue = dest.queue
		}
	}
	if err != nil {
		return err
	}

	drainReturns(cs.returns)

	pub := a.publishing(body, props)
	if err := cs.ch.PublishWithContext(ctx, dest.exchange, dest.routingKey, a.settings.mandatory(), false, pub); err != nil {
		return err
	}

	timer := time.NewTimer(a.settings.confirmTimeout())
	defer timer.Stop()

	select {
	case confirm, ok := <-cs.confirms:
		if !ok {
			return amqp.ErrClosed
		}
		if !confirm.Ack {
			return errNacked
		}
	case <-timer.C:
		return errConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	// a basic.return always precedes the confirmation of the same message
	for {
		select {
		case ret, ok := <-cs.returns:
			if !ok {
				return nil
			}
			if ret.MessageId == pub.MessageId {
				return fmt.Errorf("%w: %d %s", errUnroutable, ret.ReplyCode, ret.ReplyText)
			}
		default:
			return nil
		}
	}
}

// recoverChannel forgets the cached error topology and reopens the channel
// so the next attempt redeclares the destination on a clean channel
func (a *Adapter) recoverChannel(dest destination, p purpose) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p == purposeError {
		a.lastErrorQueue = ""
	}
	vs, err := a.vhostLocked(dest.vhost)
	if err != nil {
		return err
	}
	_, err = a.declareLocked(vs, p, dest)
	if err != nil {
		return err
	}
	_, err = a.openChannelLocked(vs, p)
	return err
}

func drainReturns(returns chan amqp.Return) {
	for {
		select {
		case _, ok := <-returns:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// publishing builds the AMQP message. Recognized properties: headers,
// content_type, content_encoding, correlation_id, reply_to, expiration,
// priority, type, app_id, message_id.
func (a *Adapter) publishing(body []byte, props map[string]interface{}) amqp.Publishing {
	pub := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Timestamp:    a.now(),
		Body:         body,
	}

	if headers, ok := props["headers"].(map[string]interface{}); ok && len(headers) > 0 {
		pub.Headers = amqp.Table(headers)
	}
	pub.ContentType = stringProp(props, "content_type")
	pub.ContentEncoding = stringProp(props, "content_encoding")
	pub.CorrelationId = stringProp(props, "correlation_id")
	pub.ReplyTo = stringProp(props, "reply_to")
	pub.Expiration = stringProp(props, "expiration")
	pub.Type = stringProp(props, "type")
	pub.AppId = stringProp(props, "app_id")
	pub.MessageId = stringProp(props, "message_id")
	if pub.MessageId == "" {
		pub.MessageId = a.newID()
	}

	switch v := props["priority"].(type) {
	case int:
		pub.Priority = clampPriority(v)
	case float64:
		pub.Priority = clampPriority(int(v))
	case uint8:
		pub.Priority = v
	}
	return pub
}

func stringProp(props map[string]interface{}, key string) string {
	s, _ := props[key].(string)
	return s
}

func clampPriority(v int) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
