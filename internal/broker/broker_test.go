package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoenix/internal/configuration"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
)

// fakeAdapter records every call made through the facade
type fakeAdapter struct {
	cfg      AdapterConfig
	calls    []string
	queue    []*Message
	sent     []*Message
	stopErr  error
	initErr  error
	errorMsg []interface{}
}

func (f *fakeAdapter) Initialize(ctx context.Context) error {
	f.calls = append(f.calls, "initialize")
	return f.initErr
}

func (f *fakeAdapter) GetData(ctx context.Context) (*Message, error) {
	f.calls = append(f.calls, "get")
	if len(f.queue) == 0 {
		return nil, nil
	}
	msg := f.queue[0]
	f.queue = f.queue[1:]
	return msg, nil
}

func (f *fakeAdapter) SuccessAction(ctx context.Context, msg *Message) error {
	f.calls = append(f.calls, "ack")
	return nil
}

func (f *fakeAdapter) FailureAction(ctx context.Context, msg *Message) error {
	f.calls = append(f.calls, "nack")
	return nil
}

func (f *fakeAdapter) SendErrorMessage(ctx context.Context, msg *Message, payload interface{}, cause error) error {
	f.calls = append(f.calls, "error")
	f.errorMsg = append(f.errorMsg, payload)
	return nil
}

func (f *fakeAdapter) SendData(ctx context.Context, msgs []*Message) error {
	f.calls = append(f.calls, "send")
	f.sent = append(f.sent, msgs...)
	return nil
}

func (f *fakeAdapter) Stop() error {
	f.calls = append(f.calls, "stop")
	return f.stopErr
}

// outputOnly lacks the input capabilities and a Stop method
type outputOnly struct{}

func (outputOnly) Initialize(ctx context.Context) error                { return nil }
func (outputOnly) SendData(ctx context.Context, msgs []*Message) error { return nil }

type fixture struct {
	reg     *Registry
	created map[string][]*fakeAdapter
}

func newFixture() *fixture {
	f := &fixture{reg: NewRegistry(), created: make(map[string][]*fakeAdapter)}
	for _, kind := range []string{"rabbitmq", "memory"} {
		kind := kind
		f.reg.Register(kind, func(log *logger.Logger, cfg AdapterConfig) (Adapter, error) {
			a := &fakeAdapter{cfg: cfg}
			f.created[kind] = append(f.created[kind], a)
			return a, nil
		})
	}
	f.reg.Register("output-only", func(log *logger.Logger, cfg AdapterConfig) (Adapter, error) {
		return outputOnly{}, nil
	})
	f.reg.Register("broken", func(log *logger.Logger, cfg AdapterConfig) (Adapter, error) {
		return nil, errors.New("dial failed")
	})
	f.reg.Register("misconfigured", func(log *logger.Logger, cfg AdapterConfig) (Adapter, error) {
		return nil, failure.New(failure.KindConfiguration, "queue_name is required")
	})
	return f
}

func merged(base, ms configuration.Document) configuration.Merged {
	return configuration.Merge(base, ms)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Has("rabbitmq"))

	reg.Register("rabbitmq", func(log *logger.Logger, cfg AdapterConfig) (Adapter, error) {
		return &fakeAdapter{cfg: cfg}, nil
	})
	reg.Register("kafka", func(log *logger.Logger, cfg AdapterConfig) (Adapter, error) {
		return &fakeAdapter{cfg: cfg}, nil
	})

	assert.True(t, reg.Has("rabbitmq"))
	assert.Equal(t, []string{"kafka", "rabbitmq"}, reg.Names())

	a, err := reg.Create("rabbitmq", logger.NewNop(), AdapterConfig{Role: RoleInput})
	require.NoError(t, err)
	assert.Equal(t, "rabbitmq", a.(*fakeAdapter).cfg.Kind)

	_, err = reg.Create("sqs", logger.NewNop(), AdapterConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"sqs"`)
	assert.Contains(t, err.Error(), "kafka")
}

func TestNewIOHandler(t *testing.T) {
	base := configuration.Document{
		"supported_type": []interface{}{"rabbitmq", "memory", "output-only", "broken", "misconfigured"},
		"connections": map[string]interface{}{
			"rabbitmq": map[string]interface{}{"host": "rabbit"},
		},
	}

	tests := []struct {
		name     string
		ms       configuration.Document
		wantKind failure.Kind
		wantErr  bool
		check    func(*testing.T, *fixture, *IOHandler)
	}{
		{
			name: "input and output bound",
			ms: configuration.Document{
				"input_type":  map[string]interface{}{"rabbitmq": map[string]interface{}{"queue_name": "in"}},
				"output_type": map[string]interface{}{"memory": map[string]interface{}{"queue_name": "out"}},
			},
			check: func(t *testing.T, f *fixture, h *IOHandler) {
				assert.True(t, h.HasInput())
				assert.True(t, h.HasOutput())
				assert.Equal(t, "rabbitmq", h.InputKind())
				assert.Equal(t, "memory", h.OutputKind())

				in := f.created["rabbitmq"][0]
				assert.Equal(t, RoleInput, in.cfg.Role)
				assert.Equal(t, "rabbit", in.cfg.Connection["host"])
				assert.Equal(t, "in", in.cfg.Settings["queue_name"])
				assert.Equal(t, "prod", in.cfg.Environment)
				assert.Equal(t, RoleOutput, f.created["memory"][0].cfg.Role)
			},
		},
		{
			name: "no blocks binds nothing",
			ms:   configuration.Document{},
			check: func(t *testing.T, f *fixture, h *IOHandler) {
				assert.False(t, h.HasInput())
				assert.False(t, h.HasOutput())
			},
		},
		{
			name: "null settings are accepted",
			ms:   configuration.Document{"output_type": map[string]interface{}{"memory": nil}},
			check: func(t *testing.T, f *fixture, h *IOHandler) {
				assert.True(t, h.HasOutput())
				assert.NotNil(t, f.created["memory"][0].cfg.Settings)
			},
		},
		{
			name:     "kind outside supported_type",
			ms:       configuration.Document{"input_type": map[string]interface{}{"kafka": map[string]interface{}{}}},
			wantErr:  true,
			wantKind: failure.KindUnsupportedType,
		},
		{
			name:     "unknown kind",
			ms:       configuration.Document{"input_type": map[string]interface{}{"unregistered": map[string]interface{}{}}},
			wantErr:  true,
			wantKind: failure.KindUnsupportedType,
		},
		{
			name:     "implementation missing capability",
			ms:       configuration.Document{"input_type": map[string]interface{}{"output-only": map[string]interface{}{}}},
			wantErr:  true,
			wantKind: failure.KindAdapterCreation,
		},
		{
			name:     "factory failure",
			ms:       configuration.Document{"input_type": map[string]interface{}{"broken": map[string]interface{}{}}},
			wantErr:  true,
			wantKind: failure.KindAdapterCreation,
		},
		{
			name:     "factory configuration error keeps its kind",
			ms:       configuration.Document{"input_type": map[string]interface{}{"misconfigured": map[string]interface{}{}}},
			wantErr:  true,
			wantKind: failure.KindConfiguration,
		},
		{
			name: "two kinds in one block",
			ms: configuration.Document{"input_type": map[string]interface{}{
				"rabbitmq": map[string]interface{}{},
				"memory":   map[string]interface{}{},
			}},
			wantErr:  true,
			wantKind: failure.KindConfiguration,
		},
		{
			name:     "block is not an object",
			ms:       configuration.Document{"output_type": "rabbitmq"},
			wantErr:  true,
			wantKind: failure.KindConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			h, err := NewIOHandler(f.reg, merged(base, tt.ms), "prod", logger.NewNop())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, failure.KindOf(err))
				assert.Nil(t, h)
				return
			}
			require.NoError(t, err)
			if tt.check != nil {
				tt.check(t, f, h)
			}
		})
	}
}

func TestSupportedTypeShapes(t *testing.T) {
	input := configuration.Document{"input_type": map[string]interface{}{"rabbitmq": map[string]interface{}{}}}

	tests := []struct {
		name      string
		supported interface{}
		wantErr   bool
	}{
		{name: "list", supported: []interface{}{"rabbitmq"}},
		{name: "string list", supported: []string{"rabbitmq"}},
		{name: "single string", supported: "rabbitmq"},
		{
			name: "object keyed by kind",
			supported: map[string]interface{}{
				"rabbitmq": map[string]interface{}{"module_name": "pho_rabbitmq", "class_name": "PhoRabbitMQ"},
			},
		},
		{
			name:      "object without the kind",
			supported: map[string]interface{}{"kafka": map[string]interface{}{}},
			wantErr:   true,
		},
		{name: "list without the kind", supported: []interface{}{"kafka"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			base := configuration.Document{"supported_type": tt.supported}
			h, err := NewIOHandler(f.reg, merged(base, input), "", logger.NewNop())
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, failure.KindUnsupportedType, failure.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "rabbitmq", h.InputKind())
		})
	}
}

func TestNewIOHandlerUnknownKindWithoutAllowList(t *testing.T) {
	f := newFixture()
	_, err := NewIOHandler(f.reg, merged(configuration.Document{}, configuration.Document{
		"input_type": map[string]interface{}{"sqs": map[string]interface{}{}},
	}), "", logger.NewNop())

	require.Error(t, err)
	assert.Equal(t, failure.KindAdapterCreation, failure.KindOf(err))
}

func TestIOHandlerDelegation(t *testing.T) {
	f := newFixture()
	h, err := NewIOHandler(f.reg, merged(configuration.Document{}, configuration.Document{
		"input_type":  map[string]interface{}{"rabbitmq": map[string]interface{}{}},
		"output_type": map[string]interface{}{"memory": map[string]interface{}{}},
	}), "", logger.NewNop())
	require.NoError(t, err)

	in := f.created["rabbitmq"][0]
	out := f.created["memory"][0]
	in.queue = []*Message{{Payload: []byte("one")}}

	ctx := context.Background()
	require.NoError(t, h.Initialize(ctx))

	msg, err := h.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(msg.Payload))

	require.NoError(t, h.SendData(ctx, []*Message{{Payload: []byte("result")}}))
	require.NoError(t, h.SendData(ctx, nil))
	require.NoError(t, h.SuccessAction(ctx, msg))
	require.NoError(t, h.FailureAction(ctx, msg))
	require.NoError(t, h.SendErrorMessage(ctx, msg, "payload", errors.New("boom")))

	assert.Equal(t, []string{"initialize", "get", "ack", "nack", "error"}, in.calls)
	assert.Equal(t, []string{"initialize", "send"}, out.calls)
	assert.Len(t, out.sent, 1)

	in.stopErr = errors.New("input stop failed")
	out.stopErr = errors.New("output stop failed")
	err = h.Stop()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input stop failed")
	assert.Contains(t, err.Error(), "output stop failed")
}

func TestIOHandlerWithoutAdapters(t *testing.T) {
	h, err := NewIOHandler(NewRegistry(), merged(nil, nil), "", logger.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, h.Initialize(ctx))

	_, err = h.GetData(ctx)
	assert.ErrorIs(t, err, ErrNoInput)
	assert.ErrorIs(t, h.SendData(ctx, []*Message{{}}), ErrNoOutput)
	assert.ErrorIs(t, h.SuccessAction(ctx, nil), ErrNoInput)
	assert.ErrorIs(t, h.FailureAction(ctx, nil), ErrNoInput)
	assert.ErrorIs(t, h.SendErrorMessage(ctx, nil, nil, nil), ErrNoInput)
	assert.NoError(t, h.Stop())
}

func TestIOHandlerStopSkipsNonStoppers(t *testing.T) {
	f := newFixture()
	h, err := NewIOHandler(f.reg, merged(configuration.Document{}, configuration.Document{
		"output_type": map[string]interface{}{"output-only": map[string]interface{}{}},
	}), "", logger.NewNop())
	require.NoError(t, err)
	assert.NoError(t, h.Stop())
}

func TestIOHandlerInitializeError(t *testing.T) {
	f := newFixture()
	h, err := NewIOHandler(f.reg, merged(configuration.Document{}, configuration.Document{
		"input_type": map[string]interface{}{"rabbitmq": map[string]interface{}{}},
	}), "", logger.NewNop())
	require.NoError(t, err)

	f.created["rabbitmq"][0].initErr = errors.New("connection refused")
	err = h.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIOHandlerCopiesConfiguration(t *testing.T) {
	f := newFixture()
	ms := configuration.Document{
		"input_type": map[string]interface{}{"rabbitmq": map[string]interface{}{"queue_name": "in"}},
	}
	m := merged(configuration.Document{}, ms)
	_, err := NewIOHandler(f.reg, m, "", logger.NewNop())
	require.NoError(t, err)

	f.created["rabbitmq"][0].cfg.Settings["queue_name"] = "changed"
	assert.Equal(t, "in", m.Microservice.Map("input_type").Map("rabbitmq")["queue_name"])
}
