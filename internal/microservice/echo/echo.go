// Package echo provides a microservice that forwards every payload it
// receives unchanged. Without an input type it emits a fixed message on each
// run.
package echo

import (
	"context"
	"encoding/json"
	"fmt"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/logger"
	"phoenix/internal/microservice"
)

// Name is the registry name of the service
const Name = "echo"

// Settings is the custom_config block of an echo document
type Settings struct {
	Queue      string `json:"queue"`       // destination override
	RoutingKey string `json:"routing_key"` // destination override
	Message    string `json:"message"`     // emitted when there is no input
}

// Service forwards payloads
type Service struct {
	logger   *logger.Logger
	settings Settings
	current  interface{}
	count    int
}

// Register adds the echo service to reg
func Register(reg *microservice.Registry) {
	reg.Register(Name, func(deps microservice.Dependencies) (microservice.Microservice, error) {
		return New(deps)
	})
}

// New creates an echo service
func New(deps microservice.Dependencies) (*Service, error) {
	var s Settings
	if deps.Config != nil {
		if err := configuration.Decode(deps.Config, &s); err != nil {
			return nil, fmt.Errorf("invalid echo settings: %w", err)
		}
	}

	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}

	return &Service{logger: log.With("microservice", Name), settings: s}, nil
}

func (s *Service) Execute(ctx context.Context, msg *broker.Message) (interface{}, error) {
	s.count++

	if msg == nil {
		if s.settings.Message == "" {
			return nil, nil
		}
		return s.forward([]byte(s.settings.Message)), nil
	}

	var decoded interface{}
	if err := json.Unmarshal(msg.Payload, &decoded); err == nil {
		s.current = decoded
	} else {
		s.current = string(msg.Payload)
	}

	s.logger.Debug("echoing message", "queue", msg.Queue, "bytes", len(msg.Payload))
	return s.forward(msg.Payload), nil
}

func (s *Service) forward(payload []byte) *broker.Message {
	return &broker.Message{
		Payload:    payload,
		Queue:      s.settings.Queue,
		RoutingKey: s.settings.RoutingKey,
	}
}

func (s *Service) AfterSuccess(ctx context.Context) error {
	s.current = nil
	return nil
}

// CurrentMessage returns the decoded payload being processed
func (s *Service) CurrentMessage() interface{} {
	return s.current
}

// LabelValue resolves the "queue" label to the configured destination
func (s *Service) LabelValue(label string, data interface{}) (string, error) {
	switch label {
	case "queue":
		return s.settings.Queue, nil
	default:
		return "", fmt.Errorf("unknown label %q", label)
	}
}

// Count returns the number of Execute calls
func (s *Service) Count() int {
	return s.count
}

func (s *Service) Stop() error {
	s.logger.Info("echo service stopped", "executions", s.count)
	return nil
}
