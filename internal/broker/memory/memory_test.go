package memory

import (
	"context"
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

func newAdapter(t *testing.T, hub *Hub, role broker.Role, settings configuration.Document) *Adapter {
	t.Helper()
	a, err := New(logger.NewNop(), broker.AdapterConfig{Kind: Kind, Role: role, Settings: settings}, hub)
	require.NoError(t, err)
	require.NoError(t, a.Initialize(context.Background()))
	return a
}

func TestHubPopWaitsForPublish(t *testing.T) {
	hub := NewHub()

	go func() {
		time.Sleep(10 * time.Millisecond)
		hub.Publish("jobs", Entry{Payload: []byte("x")})
	}()

	e, ok, err := hub.Pop(context.Background(), "jobs", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", string(e.Payload))
	assert.Equal(t, 1, hub.InFlight("jobs"))

	_, ok, err = hub.Pop(context.Background(), "jobs", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = hub.Pop(ctx, "jobs", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdapterRoundTrip(t *testing.T) {
	hub := NewHub()
	in := newAdapter(t, hub, broker.RoleInput, configuration.Document{"queue": "jobs", "consume_timeout": 0.05})
	out := newAdapter(t, hub, broker.RoleOutput, configuration.Document{"queue": "results"})

	hub.Publish("jobs", Entry{Payload: []byte("one")})
	hub.Publish("jobs", Entry{Payload: []byte("two")})

	msg, err := in.GetData(context.Background())
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "one", string(msg.Payload))

	require.NoError(t, out.SendData(context.Background(), []*broker.Message{{Payload: []byte("ONE")}, {Payload: []byte("side"), Queue: "audit"}}))
	require.NoError(t, in.SuccessAction(context.Background(), msg))
	// settling twice has no effect
	require.NoError(t, in.SuccessAction(context.Background(), msg))

	assert.Equal(t, 0, hub.InFlight("jobs"))
	assert.Len(t, hub.Entries("jobs"), 1)
	assert.Equal(t, "ONE", string(hub.Entries("results")[0].Payload))
	assert.Equal(t, "side", string(hub.Entries("audit")[0].Payload))
}

func TestAdapterRequeue(t *testing.T) {
	hub := NewHub()
	in := newAdapter(t, hub, broker.RoleInput, configuration.Document{"queue": "jobs", "consume_timeout": 0.05})

	hub.Publish("jobs", Entry{Payload: []byte("one")})
	hub.Publish("jobs", Entry{Payload: []byte("two")})

	msg, err := in.GetData(context.Background())
	require.NoError(t, err)
	require.NoError(t, in.FailureAction(context.Background(), msg))

	entries := hub.Entries("jobs")
	require.Len(t, entries, 2)
	assert.Equal(t, "one", string(entries[0].Payload))
}

func TestAdapterTimeout(t *testing.T) {
	in := newAdapter(t, NewHub(), broker.RoleInput, configuration.Document{"queue": "jobs", "consume_timeout": 0.01})
	msg, err := in.GetData(context.Background())
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestAdapterSendErrorMessage(t *testing.T) {
	hub := NewHub()
	in := newAdapter(t, hub, broker.RoleInput, configuration.Document{"queue": "jobs"})

	cause := failure.Domain(errors.New("not allowed"))
	require.NoError(t, in.SendErrorMessage(context.Background(), &broker.Message{Queue: "jobs"}, map[string]interface{}{"id": 1}, cause))

	entries := hub.Entries("jobs.error.DomainError")
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"id":1}`, string(entries[0].Payload))
	assert.Equal(t, "not allowed", entries[0].Headers[broker.HeaderException])
	assert.Contains(t, hub.Queues(), "jobs.error.DomainError")
}

func TestNewValidation(t *testing.T) {
	_, err := New(logger.NewNop(), broker.AdapterConfig{Role: broker.RoleInput, Settings: configuration.Document{}}, NewHub())
	assert.True(t, failure.Is(err, failure.KindConfiguration))

	_, err = New(logger.NewNop(), broker.AdapterConfig{Role: broker.RoleOutput}, nil)
	assert.True(t, failure.Is(err, failure.KindAdapterCreation))

	out, err := New(logger.NewNop(), broker.AdapterConfig{Role: broker.RoleOutput}, NewHub())
	require.NoError(t, err)
	err = out.SendData(context.Background(), []*broker.Message{{Payload: []byte("x")}})
	assert.True(t, failure.Is(err, failure.KindConfiguration))
}
