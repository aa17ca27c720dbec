package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// mockBroker is the server side shared by every mock connection
type mockBroker struct {
	mu sync.Mutex

	queues    map[string]amqp.Table // vhost/queue -> declare args
	exchanges map[string]string     // vhost/exchange -> kind
	bindings  map[string]string     // vhost/queue -> exchange/key

	dials      []amqp.Config
	conns      []*mockConnection
	published  []publishedMessage
	passive    map[string]int // queue -> passive declare count
	acks       []uint64
	nacks      []uint64
	unroutable int   // next n publishes are returned
	publishErr error // next publish fails with this error
	dialErr    error
	consumeErr error  // every Consume fails with this error
	autoAcks   []bool // autoAck flag of each Consume call

	pending  map[string][][]byte // queue -> bodies waiting for a consumer
	consumer map[string]*mockChannel
}

type publishedMessage struct {
	vhost      string
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

func newMockBroker() *mockBroker {
	return &mockBroker{
		queues:    make(map[string]amqp.Table),
		exchanges: make(map[string]string),
		bindings:  make(map[string]string),
		passive:   make(map[string]int),
		pending:   make(map[string][][]byte),
		consumer:  make(map[string]*mockChannel),
	}
}

func (b *mockBroker) dial(uri string, cfg amqp.Config) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.dials = append(b.dials, cfg)
	conn := &mockConnection{broker: b, vhost: cfg.Vhost}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *mockBroker) addQueue(vhost, queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[vhost+"/"+queue] = nil
}

func (b *mockBroker) hasQueue(vhost, queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[vhost+"/"+queue]
	return ok
}

func (b *mockBroker) queueArgs(vhost, queue string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[vhost+"/"+queue]
}

func (b *mockBroker) deleteQueue(vhost, queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, vhost+"/"+queue)
}

// deliver hands body to the current consumer of queue or keeps it pending
func (b *mockBroker) deliver(queue string, body []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch := b.consumer[queue]; ch != nil && !ch.closed {
		ch.push(queue, body)
		return
	}
	b.pending[queue] = append(b.pending[queue], body)
}

func (b *mockBroker) publishedMessages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publishedMessage(nil), b.published...)
}

func (b *mockBroker) passiveCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.passive[queue]
}

func (b *mockBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dials)
}

func (b *mockBroker) failConsume(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumeErr = err
}

func (b *mockBroker) consumeAutoAcks() []bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bool(nil), b.autoAcks...)
}

func (b *mockBroker) settled() (acks, nacks []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...), append([]uint64(nil), b.nacks...)
}

type mockConnection struct {
	broker   *mockBroker
	vhost    string
	closed   bool
	channels []*mockChannel
}

func (c *mockConnection) Channel() (Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &mockChannel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *mockConnection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *mockConnection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closeLocked()
}

func (c *mockConnection) closeLocked() error {
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	for _, ch := range c.channels {
		ch.closeLocked()
	}
	return nil
}

// drop simulates the server closing the connection
func (c *mockConnection) drop() {
	_ = c.Close()
}

type mockChannel struct {
	conn       *mockConnection
	closed     bool
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	deliveries chan amqp.Delivery
	tag        uint64
	published  uint64
	closeOnce  sync.Once
}

func (ch *mockChannel) b() *mockBroker { return ch.conn.broker }

func (ch *mockChannel) key(name string) string { return ch.conn.vhost + "/" + name }

func (ch *mockChannel) closeLocked() {
	ch.closeOnce.Do(func() {
		ch.closed = true
		for queue, c := range ch.b().consumer {
			if c == ch {
				delete(ch.b().consumer, queue)
			}
		}
		if ch.deliveries != nil {
			close(ch.deliveries)
		}
	})
}

// push queues a delivery; the broker lock is held
func (ch *mockChannel) push(queue string, body []byte) {
	ch.tag++
	ch.deliveries <- amqp.Delivery{
		DeliveryTag: ch.tag,
		RoutingKey:  queue,
		Body:        body,
	}
}

func (ch *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (ch *mockChannel) Confirm(noWait bool) error { return nil }

func (ch *mockChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	ch.confirms = c
	return c
}

func (ch *mockChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	ch.returns = c
	return c
}

func (ch *mockChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b.passive[name]++
	if _, ok := b.queues[ch.key(name)]; !ok {
		ch.closeLocked()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp.Queue{Name: name}, nil
}

func (ch *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	b.queues[ch.key(name)] = args
	return amqp.Queue{Name: name}, nil
}

func (ch *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.exchanges[ch.key(name)] = kind
	return nil
}

func (ch *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.bindings[ch.key(name)] = exchange + "/" + key
	return nil
}

func (ch *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if b.publishErr != nil {
		err := b.publishErr
		b.publishErr = nil
		return err
	}

	b.published = append(b.published, publishedMessage{
		vhost:      ch.conn.vhost,
		exchange:   exchange,
		routingKey: key,
		mandatory:  mandatory,
		msg:        msg,
	})
	ch.published++

	if b.unroutable > 0 {
		b.unroutable--
		ch.returns <- amqp.Return{
			ReplyCode:  amqp.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			MessageId:  msg.MessageId,
		}
	}
	ch.confirms <- amqp.Confirmation{DeliveryTag: ch.published, Ack: true}
	return nil
}

func (ch *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	b.autoAcks = append(b.autoAcks, autoAck)
	if b.consumeErr != nil {
		return nil, b.consumeErr
	}
	if _, ok := b.queues[ch.key(queue)]; !ok {
		ch.closeLocked()
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queue + "'"}
	}

	ch.deliveries = make(chan amqp.Delivery, 16)
	b.consumer[queue] = ch
	for _, body := range b.pending[queue] {
		ch.push(queue, body)
	}
	delete(b.pending, queue)
	return ch.deliveries, nil
}

func (ch *mockChannel) Ack(tag uint64, multiple bool) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.acks = append(b.acks, tag)
	return nil
}

func (ch *mockChannel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.nacks = append(b.nacks, tag)
	return nil
}

func (ch *mockChannel) Cancel(consumer string, noWait bool) error { return nil }

func (ch *mockChannel) IsClosed() bool {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *mockChannel) Close() error {
	b := ch.b()
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked()
	return nil
}
