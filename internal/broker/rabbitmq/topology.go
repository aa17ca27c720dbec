package rabbitmq

import (
	"fmt"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
)

// destination is where one message goes
type destination struct {
	vhost        string
	queue        string
	exchange     string
	exchangeType string
	routingKey   string
}

func (a *Adapter) configuredDestination() destination {
	return destination{
		vhost:        a.settings.VirtualHost,
		queue:        a.settings.QueueName,
		exchange:     a.settings.Exchange,
		exchangeType: a.settings.ExchangeType,
		routingKey:   a.settings.RoutingKey,
	}
}

// destinationFor fills the blanks of msg's addressing from the adapter
// settings. A message naming its own queue defaults to that queue's exchange
// and routing key.
func (a *Adapter) destinationFor(msg *broker.Message) (destination, error) {
	dest := a.configuredDestination()

	if msg.VirtualHost != "" {
		dest.vhost = msg.VirtualHost
	}
	if msg.Queue != "" {
		dest.queue = msg.Queue
		dest.routingKey = msg.Queue
		if a.settings.Exchange == "" {
			dest.exchange = msg.Queue + "." + a.settings.ExchangeType
		}
	}
	if msg.Exchange != "" {
		dest.exchange = msg.Exchange
	}
	if msg.RoutingKey != "" {
		dest.routingKey = msg.RoutingKey
	}

	if dest.queue == "" && dest.exchange == "" {
		return dest, failure.New(failure.KindConfiguration, "message has no destination and no queue_name is configured")
	}
	return dest, nil
}

// errorDestination derives the error queue for a failure of the given kind:
// queue <queue>.error.<Kind>, exchange <exchange>.error, routing key equal to
// the error queue.
func (a *Adapter) errorDestination(msg *broker.Message, cause error) (destination, error) {
	queue := a.settings.QueueName
	if msg != nil && msg.Queue != "" {
		queue = msg.Queue
	}
	if queue == "" {
		return destination{}, failure.New(failure.KindConfiguration, "cannot derive an error queue without a queue name")
	}

	exchange := a.settings.Exchange
	if exchange == "" {
		exchange = queue + "." + a.settings.ExchangeType
	}

	errQueue := broker.ErrorDestination(queue, ".", cause)
	return destination{
		vhost:        a.settings.VirtualHost,
		queue:        errQueue,
		exchange:     exchange + ".error",
		exchangeType: defaultExchangeType,
		routingKey:   errQueue,
	}, nil
}

// declareLocked makes sure the queue, exchange and binding of dest exist on
// the channel for p. The queue is probed passively first so an existing
// queue's arguments are never touched; only a missing queue is declared,
// durable and with the configured arguments. A failed probe closes the
// channel, so it is reopened before declaring.
func (a *Adapter) declareLocked(vs *vhostState, p purpose, dest destination) (*channelState, error) {
	cs, err := a.channelLocked(vs, p)
	if err != nil {
		return nil, err
	}

	if dest.queue != "" {
		if _, err := cs.ch.QueueDeclarePassive(dest.queue, true, false, false, false, nil); err != nil {
			if !isNotFound(err) {
				return nil, fmt.Errorf("failed to probe queue %s: %w", dest.queue, err)
			}

			cs, err = a.openChannelLocked(vs, p)
			if err != nil {
				return nil, err
			}
			if _, err := cs.ch.QueueDeclare(dest.queue, true, false, false, false, a.settings.queueArgs()); err != nil {
				return nil, fmt.Errorf("failed to declare queue %s: %w", dest.queue, err)
			}
			a.logger.Info("declared queue", "queue", dest.queue, "vhost", dest.vhost)
		}
	}

	if dest.exchange == "" {
		return cs, nil
	}

	if err := cs.ch.ExchangeDeclare(dest.exchange, dest.exchangeType, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", dest.exchange, err)
	}

	if dest.queue != "" {
		if err := cs.ch.QueueBind(dest.queue, dest.routingKey, dest.exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind queue %s to %s: %w", dest.queue, dest.exchange, err)
		}
	}

	return cs, nil
}
