package rabbitmq

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is the subset of *amqp.Connection the adapter uses
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel the adapter uses
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to one virtual host
type Dialer func(uri string, cfg amqp.Config) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	return c.Connection.Channel()
}

// Dial is the default Dialer backed by amqp091-go
func Dial(uri string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}
	return amqpConnection{Connection: conn}, nil
}

// purpose separates the channels sharing one connection
type purpose string

const (
	purposeNormal purpose = "normal"
	purposeError  purpose = "error"
)

// channelState is one open channel and the notification streams bound to it.
// generation changes every time the channel is reopened, so a delivery handle
// can tell whether it still belongs to the live channel.
type channelState struct {
	ch          Channel
	generation  uint64
	confirms    chan amqp.Confirmation
	returns     chan amqp.Return
	deliveries  <-chan amqp.Delivery
	consumerTag string
}

func (c *channelState) open() bool {
	return c != nil && c.ch != nil && !c.ch.IsClosed()
}

// vhostState is the connection to one virtual host and its channels
type vhostState struct {
	conn     Connection
	channels map[purpose]*channelState
}

func (v *vhostState) open() bool {
	return v != nil && v.conn != nil && !v.conn.IsClosed()
}

// deliveryHandle identifies one delivery on one generation of the normal
// channel of the default virtual host.
type deliveryHandle struct {
	tag        uint64
	generation uint64
}

var (
	errUnroutable       = errors.New("message returned as unroutable")
	errNacked           = errors.New("message negatively acknowledged by broker")
	errConfirmTimeout   = errors.New("timed out waiting for publish confirmation")
	errDeliveriesClosed = errors.New("delivery stream closed")
)

// isNotFound reports a 404 channel exception (missing queue or exchange)
func isNotFound(err error) bool {
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound
}

// isConnectionError reports errors after which the channel or connection can
// no longer be trusted
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) || errors.Is(err, errConfirmTimeout) || errors.Is(err, errDeliveriesClosed) {
		return true
	}
	var amqpErr *amqp.Error
	return errors.As(err, &amqpErr) && amqpErr.Code != amqp.NotFound
}
