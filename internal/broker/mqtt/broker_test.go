package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
)

func newTestAdapter(t *testing.T, role broker.Role, settings configuration.Document) (*Adapter, *MockClient) {
	t.Helper()

	client := NewMockClient()
	a, err := New(logger.NewNop(), broker.AdapterConfig{
		Kind:       Kind,
		Role:       role,
		Connection: configuration.Document{"broker": "tcp://mosquitto:1883"},
		Settings:   settings,
	}, WithClient(client))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop() })
	return a, client
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name     string
		role     broker.Role
		conn     configuration.Document
		settings configuration.Document
		wantErr  bool
	}{
		{
			name:     "input with topic",
			role:     broker.RoleInput,
			conn:     configuration.Document{"broker": "tcp://mosquitto:1883"},
			settings: configuration.Document{"topic": "sensors/+/temperature"},
		},
		{
			name:     "output without topic",
			role:     broker.RoleOutput,
			conn:     configuration.Document{"broker": "tcp://mosquitto:1883"},
			settings: configuration.Document{},
		},
		{
			name:     "missing broker",
			role:     broker.RoleOutput,
			conn:     configuration.Document{},
			settings: configuration.Document{},
			wantErr:  true,
		},
		{
			name:     "input without topic",
			role:     broker.RoleInput,
			conn:     configuration.Document{"broker": "tcp://mosquitto:1883"},
			settings: configuration.Document{},
			wantErr:  true,
		},
		{
			name:     "invalid qos",
			role:     broker.RoleOutput,
			conn:     configuration.Document{"broker": "tcp://mosquitto:1883"},
			settings: configuration.Document{"qos": float64(3)},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := parseConfig(broker.AdapterConfig{Role: tt.role, Connection: tt.conn, Settings: tt.settings})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, failure.Is(err, failure.KindConfiguration))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, conn.ClientID)
		})
	}
}

func TestInitializeSubscribes(t *testing.T) {
	a, client := newTestAdapter(t, broker.RoleInput, configuration.Document{"topic": "sensors/#", "qos": float64(2)})

	require.NoError(t, a.Initialize(context.Background()))
	assert.Equal(t, "sensors/#", client.subTopic)
	assert.Equal(t, byte(2), client.subQoS)
	assert.True(t, a.sub.IsSubscribed())
}

func TestInitializeConnectFailure(t *testing.T) {
	a, client := newTestAdapter(t, broker.RoleInput, configuration.Document{"topic": "sensors/#"})
	client.connectErr = errors.New("connection refused")

	err := a.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindTransport))
}

func TestGetDataAndAck(t *testing.T) {
	a, client := newTestAdapter(t, broker.RoleInput, configuration.Document{
		"topic":           "sensors/#",
		"consume_timeout": 0.05,
	})
	require.NoError(t, a.Initialize(context.Background()))

	msg, err := a.GetData(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)

	delivery := &MockMessage{topic: "sensors/a/temperature", payload: []byte(`{"value":21}`), id: 7}
	client.deliver(delivery)

	msg, err = a.GetData(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, `{"value":21}`, string(msg.Payload))
	assert.Equal(t, "sensors/a/temperature", msg.RoutingKey)
	assert.Equal(t, "sensors/#", msg.Queue)

	require.NoError(t, a.FailureAction(context.Background(), msg))
	assert.Equal(t, int32(0), delivery.acked.Load())

	require.NoError(t, a.SuccessAction(context.Background(), msg))
	assert.Equal(t, int32(1), delivery.acked.Load())
}

func TestSendData(t *testing.T) {
	a, client := newTestAdapter(t, broker.RoleOutput, configuration.Document{"topic": "results"})
	require.NoError(t, a.Initialize(context.Background()))

	require.NoError(t, a.SendData(context.Background(), []*broker.Message{
		{Payload: []byte("a")},
		{Payload: []byte("b"), Queue: "other"},
		{Payload: []byte("c"), RoutingKey: "alerts/high"},
	}))

	pubs := client.publishedMessages()
	require.Len(t, pubs, 3)
	assert.Equal(t, "results", pubs[0].topic)
	assert.Equal(t, "other", pubs[1].topic)
	assert.Equal(t, "alerts/high", pubs[2].topic)
	assert.Equal(t, byte(defaultQoS), pubs[0].qos)
}

func TestSendDataFailure(t *testing.T) {
	a, client := newTestAdapter(t, broker.RoleOutput, configuration.Document{"topic": "results"})
	require.NoError(t, a.Initialize(context.Background()))
	client.publishErr = errors.New("broken pipe")

	err := a.SendData(context.Background(), []*broker.Message{{Payload: []byte("a")}})
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindTransport))
}

func TestSendDataNotConnected(t *testing.T) {
	a, _ := newTestAdapter(t, broker.RoleOutput, configuration.Document{"topic": "results"})

	err := a.SendData(context.Background(), []*broker.Message{{Payload: []byte("a")}})
	require.Error(t, err)
}

func TestSendErrorMessage(t *testing.T) {
	a, client := newTestAdapter(t, broker.RoleInput, configuration.Document{"topic": "sensors"})
	require.NoError(t, a.Initialize(context.Background()))

	cause := failure.Domain(errors.New("value out of range"))
	require.NoError(t, a.SendErrorMessage(context.Background(), &broker.Message{Queue: "sensors"}, map[string]interface{}{"value": 900}, cause))

	pubs := client.publishedMessages()
	require.Len(t, pubs, 1)
	assert.Equal(t, "sensors/error/DomainError", pubs[0].topic)

	var env struct {
		Payload map[string]interface{} `json:"payload"`
		Headers map[string]interface{} `json:"headers"`
	}
	require.NoError(t, json.Unmarshal(pubs[0].payload, &env))
	assert.Equal(t, float64(900), env.Payload["value"])
	assert.Equal(t, "value out of range", env.Headers[broker.HeaderException])
}

func TestStopUnblocksGetData(t *testing.T) {
	a, _ := newTestAdapter(t, broker.RoleInput, configuration.Document{"topic": "sensors", "consume_timeout": 5.0})
	require.NoError(t, a.Initialize(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := a.GetData(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Stop())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("GetData did not return after Stop")
	}
}

func TestOutputAdapterHasNoInput(t *testing.T) {
	a, _ := newTestAdapter(t, broker.RoleOutput, configuration.Document{"topic": "results"})
	_, err := a.GetData(context.Background())
	assert.ErrorIs(t, err, broker.ErrNoInput)
}
