// Package microservice defines the contract between the runtime and the unit
// of business logic it hosts.
package microservice

import (
	"context"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/logger"
)

// CustomConfigKey is the microservice document section handed to the
// business logic as its own configuration
const CustomConfigKey = "custom_config"

// Microservice is one unit of business logic. Execute is called with nil for
// services that declare no input type.
type Microservice interface {
	Execute(ctx context.Context, msg *broker.Message) (interface{}, error)

	// AfterSuccess runs after the result was sent and before the input
	// message is acknowledged
	AfterSuccess(ctx context.Context) error

	Stop() error
}

// FailureHandler is implemented by services that react to a domain failure
// before it is routed to the error destination
type FailureHandler interface {
	FailureAction(ctx context.Context, err error)
}

// LabelResolver supplies values for metric labels the runtime does not know
type LabelResolver interface {
	LabelValue(label string, data interface{}) (string, error)
}

// MessageHolder exposes the service's decoded view of the message being
// processed. The runtime routes it to the error destination in place of the
// raw payload.
type MessageHolder interface {
	CurrentMessage() interface{}
}

// IO is the part of the I/O handler a service may drive itself, e.g. when
// manual_action_on_success is set
type IO interface {
	HasInput() bool
	HasOutput() bool
	SendData(ctx context.Context, msgs []*broker.Message) error
	SuccessAction(ctx context.Context, msg *broker.Message) error
	FailureAction(ctx context.Context, msg *broker.Message) error
}

// Dependencies is what a Factory receives on every initialization
type Dependencies struct {
	Logger         *logger.Logger
	Config         configuration.Document // custom_config of the microservice document
	GlobalSettings configuration.Document
	IO             IO
}
