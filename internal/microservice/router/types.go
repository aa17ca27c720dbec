package router

import (
	"fmt"
)

// Rule routes messages whose routing key matches Source and whose payload
// satisfies Conditions
type Rule struct {
	Name        string      `json:"name"`
	Source      string      `json:"source"`                // routing key pattern, "*" one word, "#" the rest
	Description string      `json:"description,omitempty"` // Optional rule description
	Enabled     *bool       `json:"enabled,omitempty"`     // defaults to true
	Conditions  *Conditions `json:"conditions"`            // Optional conditions for rule matching
	Action      *Action     `json:"action"`                // Required action to take on match
	Priority    int         `json:"priority"`              // higher runs first
}

// IsEnabled reports whether the rule takes part in routing
func (r *Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Conditions represents a group of conditions with a logical operator
type Conditions struct {
	Operator string       `json:"operator"`         // "and" or "or"
	Items    []Condition  `json:"items"`            // Individual conditions
	Groups   []Conditions `json:"groups,omitempty"` // Nested condition groups
}

// Condition represents a single condition to evaluate
type Condition struct {
	Field    string      `json:"field"`    // dotted path into the payload
	Operator string      `json:"operator"` // Comparison operator
	Value    interface{} `json:"value"`    // Value to compare against
}

// Action describes the message produced when a rule matches. Every field is
// a template.
type Action struct {
	Queue      string            `json:"queue"`
	Exchange   string            `json:"exchange,omitempty"`
	RoutingKey string            `json:"routing_key"`
	Payload    string            `json:"payload"` // empty forwards the original payload
	Headers    map[string]string `json:"headers,omitempty"`
}

// ValidationError reports the rule field that failed validation
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Constants for condition operators
const (
	OperatorAnd = "and"
	OperatorOr  = "or"

	// Comparison operators
	OperatorEquals             = "eq"
	OperatorNotEquals          = "neq"
	OperatorGreaterThan        = "gt"
	OperatorLessThan           = "lt"
	OperatorGreaterThanOrEqual = "gte"
	OperatorLessThanOrEqual    = "lte"
	OperatorExists             = "exists"
	OperatorContains           = "contains"
	OperatorMatches            = "matches" // Regex matching
)

// ValidOperators contains all valid comparison operators
var ValidOperators = map[string]bool{
	OperatorEquals:             true,
	OperatorNotEquals:          true,
	OperatorGreaterThan:        true,
	OperatorLessThan:           true,
	OperatorGreaterThanOrEqual: true,
	OperatorLessThanOrEqual:    true,
	OperatorExists:             true,
	OperatorContains:           true,
	OperatorMatches:            true,
}
