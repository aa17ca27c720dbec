// Package router provides a microservice that routes JSON messages to new
// destinations according to rules matched on the routing key and payload.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
	"phoenix/internal/microservice"
)

// Name is the registry name of the service
const Name = "router"

// ErrNoMatch is the domain failure raised when no rule accepts a message
var ErrNoMatch = errors.New("no routing rule matched the message")

// Settings is the custom_config block of a router document
type Settings struct {
	Rules      []Rule `json:"rules"`
	RulesPath  string `json:"rules_path"` // directory of *.json rule arrays
	FirstMatch bool   `json:"first_match"`
}

// Service evaluates rules against each message
type Service struct {
	logger     *logger.Logger
	index      *RuleIndex
	renderer   *renderer
	firstMatch bool

	current interface{}
	matched []*Rule
}

// Register adds the router service to reg
func Register(reg *microservice.Registry) {
	reg.Register(Name, func(deps microservice.Dependencies) (microservice.Microservice, error) {
		return New(deps)
	})
}

// New builds a router from its custom_config. Invalid rules are a
// configuration error.
func New(deps microservice.Dependencies) (*Service, error) {
	log := deps.Logger
	if log == nil {
		log = logger.NewNop()
	}
	log = log.With("microservice", Name)

	var s Settings
	if err := configuration.Decode(deps.Config, &s); err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, err, "invalid router settings")
	}

	rules := s.Rules
	if s.RulesPath != "" {
		loaded, err := NewRulesLoader(log).LoadFromDirectory(s.RulesPath)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, err, "invalid router rules")
		}
		rules = append(rules, loaded...)
	}
	if len(rules) == 0 {
		return nil, failure.New(failure.KindConfiguration, "router requires at least one rule")
	}

	index := NewRuleIndex(log)
	for i := range rules {
		rule := &rules[i]
		if !rule.IsEnabled() {
			continue
		}
		if err := validateRule(rule); err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, err, fmt.Sprintf("invalid rule %d (%s)", i, rule.Name))
		}
		if err := index.Add(rule); err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, err, fmt.Sprintf("invalid rule %d (%s)", i, rule.Name))
		}
	}

	log.Info("rules loaded into index", "count", index.Stats().RuleCount)

	return &Service{
		logger:     log,
		index:      index,
		renderer:   &renderer{logger: log},
		firstMatch: s.FirstMatch,
	}, nil
}

// Execute returns one message per matching rule. A payload that is not a
// JSON object is poison; a message no rule accepts is a domain failure.
func (s *Service) Execute(ctx context.Context, msg *broker.Message) (interface{}, error) {
	s.current = nil
	s.matched = nil

	if msg == nil {
		return nil, nil
	}

	var values map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &values); err != nil || values == nil {
		if err == nil {
			err = errors.New("payload is not a JSON object")
		}
		return nil, failure.Poison(fmt.Errorf("failed to unmarshal message: %w", err))
	}
	s.current = values

	key := msg.RoutingKey
	if key == "" {
		key = msg.Queue
	}

	var out []*broker.Message
	for _, rule := range s.index.Find(key) {
		if !evaluateConditions(rule.Conditions, values) {
			continue
		}

		action := s.renderer.renderAction(rule.Action, values)
		out = append(out, toMessage(action, msg.Payload))
		s.matched = append(s.matched, rule)

		if s.firstMatch {
			break
		}
	}

	if len(out) == 0 {
		return nil, failure.Domain(fmt.Errorf("routing key %q: %w", key, ErrNoMatch))
	}

	s.logger.Debug("message routed", "routing_key", key, "destinations", len(out))
	return out, nil
}

func toMessage(action *Action, original []byte) *broker.Message {
	payload := original
	if action.Payload != "" {
		payload = []byte(action.Payload)
	}

	m := &broker.Message{
		Payload:    payload,
		Queue:      action.Queue,
		Exchange:   action.Exchange,
		RoutingKey: action.RoutingKey,
	}
	if len(action.Headers) > 0 {
		headers := make(map[string]interface{}, len(action.Headers))
		for k, v := range action.Headers {
			headers[k] = v
		}
		m.Properties = map[string]interface{}{"headers": headers}
	}
	return m
}

func (s *Service) AfterSuccess(ctx context.Context) error {
	s.current = nil
	return nil
}

// FailureAction logs the rejected message
func (s *Service) FailureAction(ctx context.Context, err error) {
	s.logger.Warn("message not routed", "error", err)
}

// CurrentMessage returns the decoded payload of the message in flight
func (s *Service) CurrentMessage() interface{} {
	return s.current
}

// LabelValue resolves "rule" to the name of the first matched rule and
// "destinations" to the number of messages produced
func (s *Service) LabelValue(label string, data interface{}) (string, error) {
	switch label {
	case "rule":
		if len(s.matched) == 0 {
			return "none", nil
		}
		return s.matched[0].Name, nil
	case "destinations":
		return fmt.Sprint(len(s.matched)), nil
	default:
		return "", fmt.Errorf("unknown label %q", label)
	}
}

func (s *Service) Stop() error {
	stats := s.index.Stats()
	s.logger.Info("router stopped",
		"rules", stats.RuleCount,
		"lookups", stats.Lookups,
		"matches", stats.Matches)
	return nil
}
