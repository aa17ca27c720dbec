package broker

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"phoenix/internal/configuration"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
)

// Keys read from the configuration when binding adapters
const (
	InputTypeKey     = "input_type"
	OutputTypeKey    = "output_type"
	SupportedTypeKey = "supported_type"
	ConnectionsKey   = "connections"
)

// IOHandler presents the bound input and output adapters as one facade.
// Settlement and error routing always go to the input adapter.
type IOHandler struct {
	input      InputAdapter
	output     OutputAdapter
	inputKind  string
	outputKind string
	logger     *logger.Logger
}

// HandlerOption configures NewIOHandler
type HandlerOption func(*handlerOptions)

type handlerOptions struct {
	metrics *metrics.Metrics
}

// WithMetrics hands m to every adapter built by the handler
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(o *handlerOptions) {
		o.metrics = m
	}
}

// NewIOHandler resolves microservice_config.input_type and output_type to
// adapters. Either block may be absent. A kind outside base_config's
// supported_type list is an unsupported type error; an unknown kind or an
// adapter lacking the role's capabilities is an adapter creation error.
func NewIOHandler(reg *Registry, merged configuration.Merged, environment string, log *logger.Logger, opts ...HandlerOption) (*IOHandler, error) {
	var o handlerOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := merged.Clone()
	h := &IOHandler{logger: log}

	inKind, inSettings, err := adapterBlock(cfg.Microservice, InputTypeKey)
	if err != nil {
		return nil, err
	}
	outKind, outSettings, err := adapterBlock(cfg.Microservice, OutputTypeKey)
	if err != nil {
		return nil, err
	}

	if inKind != "" {
		a, err := build(reg, cfg.Base, inKind, RoleInput, inSettings, environment, o.metrics, log)
		if err != nil {
			return nil, err
		}
		in, ok := a.(InputAdapter)
		if !ok {
			return nil, failure.Newf(failure.KindAdapterCreation, "adapter %q cannot be used as input", inKind)
		}
		h.input = in
		h.inputKind = inKind
	}

	if outKind != "" {
		a, err := build(reg, cfg.Base, outKind, RoleOutput, outSettings, environment, o.metrics, log)
		if err != nil {
			return nil, err
		}
		out, ok := a.(OutputAdapter)
		if !ok {
			return nil, failure.Newf(failure.KindAdapterCreation, "adapter %q cannot be used as output", outKind)
		}
		h.output = out
		h.outputKind = outKind
	}

	return h, nil
}

// adapterBlock reads a {kind: settings} block naming exactly one kind
func adapterBlock(ms configuration.Document, key string) (string, configuration.Document, error) {
	raw, ok := ms[key]
	if !ok || raw == nil {
		return "", nil, nil
	}

	block, ok := raw.(map[string]interface{})
	if !ok {
		return "", nil, failure.Newf(failure.KindConfiguration, "%s must be an object", key)
	}
	if len(block) != 1 {
		return "", nil, failure.Newf(failure.KindConfiguration, "%s must name exactly one adapter kind, got %d", key, len(block))
	}

	for kind, value := range block {
		switch settings := value.(type) {
		case nil:
			return kind, configuration.Document{}, nil
		case map[string]interface{}:
			return kind, configuration.Document(settings), nil
		default:
			return "", nil, failure.Newf(failure.KindConfiguration, "%s.%s must be an object", key, kind)
		}
	}
	return "", nil, nil
}

func build(reg *Registry, base configuration.Document, kind string, role Role, settings configuration.Document,
	environment string, m *metrics.Metrics, log *logger.Logger) (Adapter, error) {

	if supported, ok := base[SupportedTypeKey]; ok && !listed(supported, kind) {
		return nil, failure.Newf(failure.KindUnsupportedType, "adapter kind %q is not a supported type", kind)
	}
	if !reg.Has(kind) {
		return nil, failure.Newf(failure.KindAdapterCreation, "unknown adapter kind: %q (registered: %v)", kind, reg.Names())
	}

	a, err := reg.Create(kind, log, AdapterConfig{
		Role:        role,
		Connection:  base.Map(ConnectionsKey).Map(kind),
		Settings:    settings,
		Environment: environment,
		Metrics:     m,
	})
	if err != nil {
		if failure.KindOf(err) != failure.KindUnhandled {
			return nil, fmt.Errorf("failed to create %s adapter %q: %w", role, kind, err)
		}
		return nil, failure.Wrap(failure.KindAdapterCreation, err, fmt.Sprintf("failed to create %s adapter %q", role, kind))
	}
	if a == nil {
		return nil, failure.Newf(failure.KindAdapterCreation, "factory for %q returned no adapter", kind)
	}
	return a, nil
}

func listed(supported interface{}, kind string) bool {
	switch list := supported.(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok && s == kind {
				return true
			}
		}
	case []string:
		for _, s := range list {
			if s == kind {
				return true
			}
		}
	case map[string]interface{}:
		_, ok := list[kind]
		return ok
	case configuration.Document:
		_, ok := list[kind]
		return ok
	case string:
		return list == kind
	}
	return false
}

// HasInput reports whether an input adapter is bound
func (h *IOHandler) HasInput() bool { return h.input != nil }

// HasOutput reports whether an output adapter is bound
func (h *IOHandler) HasOutput() bool { return h.output != nil }

// InputKind returns the bound input kind, or "" when none is bound
func (h *IOHandler) InputKind() string { return h.inputKind }

// OutputKind returns the bound output kind, or "" when none is bound
func (h *IOHandler) OutputKind() string { return h.outputKind }

// Initialize initializes the input adapter, then the output adapter
func (h *IOHandler) Initialize(ctx context.Context) error {
	if h.input != nil {
		if err := h.input.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize input adapter %q: %w", h.inputKind, err)
		}
	}
	if h.output != nil {
		if err := h.output.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize output adapter %q: %w", h.outputKind, err)
		}
	}
	return nil
}

func (h *IOHandler) GetData(ctx context.Context) (*Message, error) {
	if h.input == nil {
		return nil, ErrNoInput
	}
	return h.input.GetData(ctx)
}

func (h *IOHandler) SendData(ctx context.Context, msgs []*Message) error {
	if h.output == nil {
		return ErrNoOutput
	}
	if len(msgs) == 0 {
		return nil
	}
	return h.output.SendData(ctx, msgs)
}

func (h *IOHandler) SuccessAction(ctx context.Context, msg *Message) error {
	if h.input == nil {
		return ErrNoInput
	}
	return h.input.SuccessAction(ctx, msg)
}

func (h *IOHandler) FailureAction(ctx context.Context, msg *Message) error {
	if h.input == nil {
		return ErrNoInput
	}
	return h.input.FailureAction(ctx, msg)
}

func (h *IOHandler) SendErrorMessage(ctx context.Context, msg *Message, payload interface{}, cause error) error {
	if h.input == nil {
		return ErrNoInput
	}
	return h.input.SendErrorMessage(ctx, msg, payload, cause)
}

// Stop stops both adapters. Adapters without a Stop method are skipped and
// every failure is reported.
func (h *IOHandler) Stop() error {
	var err error
	for _, a := range []Adapter{h.input, h.output} {
		if a == nil {
			continue
		}
		s, ok := a.(Stopper)
		if !ok {
			continue
		}
		err = multierr.Append(err, s.Stop())
	}
	return err
}
