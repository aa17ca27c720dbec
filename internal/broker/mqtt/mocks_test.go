package mqtt

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

func NewMockToken() *MockToken {
	t := &MockToken{
		done: make(chan struct{}),
	}
	close(t.done)
	return t
}

func newErrorToken(err error) *MockToken {
	t := NewMockToken()
	t.err = err
	return t
}

func (t *MockToken) Wait() bool                       { return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	connected  atomic.Bool
	connectErr error
	publishErr error

	mu        sync.Mutex
	published []published
	handler   mqtt.MessageHandler
	subTopic  string
	subQoS    byte
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Connect() mqtt.Token {
	if m.connectErr != nil {
		return newErrorToken(m.connectErr)
	}
	m.connected.Store(true)
	return NewMockToken()
}

func (m *MockClient) Disconnect(quiesce uint) { m.connected.Store(false) }

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.publishErr != nil {
		return newErrorToken(m.publishErr)
	}
	data, _ := payload.([]byte)
	m.published = append(m.published, published{topic: topic, qos: qos, payload: data})
	return NewMockToken()
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected.Load() {
		return newErrorToken(errors.New("not connected"))
	}
	m.subTopic = topic
	m.subQoS = qos
	m.handler = callback
	return NewMockToken()
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken()
}
func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token           { return NewMockToken() }
func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool                                  { return m.connected.Load() }
func (m *MockClient) IsConnectionOpen() bool                             { return m.connected.Load() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader            { return mqtt.ClientOptionsReader{} }

// deliver invokes the subscription callback like the paho router would
func (m *MockClient) deliver(msg *MockMessage) {
	m.mu.Lock()
	handler := m.handler
	m.mu.Unlock()
	handler(m, msg)
}

func (m *MockClient) publishedMessages() []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]published(nil), m.published...)
}

// MockMessage implements mqtt.Message for testing
type MockMessage struct {
	topic   string
	payload []byte
	id      uint16
	acked   atomic.Int32
}

func (m *MockMessage) Duplicate() bool   { return false }
func (m *MockMessage) Qos() byte         { return 1 }
func (m *MockMessage) Retained() bool    { return false }
func (m *MockMessage) Topic() string     { return m.topic }
func (m *MockMessage) MessageID() uint16 { return m.id }
func (m *MockMessage) Payload() []byte   { return m.payload }
func (m *MockMessage) Ack()              { m.acked.Add(1) }
