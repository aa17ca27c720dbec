package broker

import (
	"context"
	"errors"

	"phoenix/internal/configuration"
	"phoenix/internal/metrics"
)

var (
	// ErrNoInput is returned by input operations when no input adapter is bound
	ErrNoInput = errors.New("no input adapter bound")
	// ErrNoOutput is returned by SendData when no output adapter is bound
	ErrNoOutput = errors.New("no output adapter bound")
	// ErrStaleHandle is returned when a delivery handle belongs to a channel
	// that no longer exists
	ErrStaleHandle = errors.New("delivery handle is stale")
)

// Message is the envelope passed between adapters and the controller. It is
// not modified after construction.
type Message struct {
	Payload     []byte
	Handle      interface{} // adapter-specific delivery handle, nil once settled
	Queue       string
	Exchange    string
	RoutingKey  string
	VirtualHost string
	Properties  map[string]interface{}
}

// Adapter is the capability every adapter kind provides
type Adapter interface {
	// Initialize opens connections and declares topology
	Initialize(ctx context.Context) error
}

// InputAdapter pulls work and settles it
type InputAdapter interface {
	Adapter

	// GetData waits a bounded time for one message. A nil message with a nil
	// error means the wait elapsed with nothing to do.
	GetData(ctx context.Context) (*Message, error)

	// SuccessAction acknowledges msg
	SuccessAction(ctx context.Context, msg *Message) error

	// FailureAction rejects msg so the broker requeues or dead-letters it
	FailureAction(ctx context.Context, msg *Message) error

	// SendErrorMessage publishes payload to the error destination derived from
	// msg's source and the classification of cause
	SendErrorMessage(ctx context.Context, msg *Message, payload interface{}, cause error) error
}

// OutputAdapter delivers results
type OutputAdapter interface {
	Adapter

	SendData(ctx context.Context, msgs []*Message) error
}

// Stopper is implemented by adapters that hold resources
type Stopper interface {
	Stop() error
}

// Role is the side of the I/O handler an adapter is bound to
type Role string

const (
	RoleInput  Role = "input"
	RoleOutput Role = "output"
)

// AdapterConfig is everything a factory receives to build one adapter
type AdapterConfig struct {
	Kind        string
	Role        Role
	Connection  configuration.Document // base_config.connections[kind]
	Settings    configuration.Document // the adapter's own block from input_type/output_type
	Environment string
	Metrics     *metrics.Metrics // optional
}
