package router

import (
	"fmt"
	"regexp"
	"strings"
)

// validVariablePattern matches dotted variable names; numeric segments index
// into arrays
var validVariablePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.([a-zA-Z_][a-zA-Z0-9_]*|[0-9]+))*$`)

// validateRule performs comprehensive validation of a rule
func validateRule(rule *Rule) error {
	if rule == nil {
		return &ValidationError{
			Field:   "rule",
			Message: "rule cannot be nil",
		}
	}

	if err := validateSource(rule.Source); err != nil {
		return &ValidationError{
			Field:   "source",
			Message: err.Error(),
		}
	}

	if err := validateAction(rule.Action); err != nil {
		return err
	}

	if rule.Conditions != nil {
		if err := validateConditions(rule.Conditions); err != nil {
			return err
		}
	}

	return nil
}

// validateSource checks a routing key pattern. An empty pattern matches
// every message.
func validateSource(source string) error {
	if source == "" {
		return nil
	}

	segments := strings.Split(source, ".")
	for i, segment := range segments {
		if segment == "" {
			return fmt.Errorf("empty segment not allowed in source pattern")
		}

		if strings.Contains(segment, "#") {
			if segment != "#" {
				return fmt.Errorf("# wildcard must occupy entire segment")
			}
			if i != len(segments)-1 {
				return fmt.Errorf("# wildcard must be the last segment")
			}
		}

		if strings.Contains(segment, "*") && segment != "*" {
			return fmt.Errorf("* wildcard must occupy entire segment")
		}
	}

	return nil
}

// validateAction checks if an action configuration is valid
func validateAction(action *Action) error {
	if action == nil {
		return &ValidationError{
			Field:   "action",
			Message: "action cannot be nil",
		}
	}

	if action.Queue == "" && action.RoutingKey == "" {
		return &ValidationError{
			Field:   "action",
			Message: "action needs a queue or a routing key",
		}
	}

	templates := map[string]string{
		"action.queue":       action.Queue,
		"action.exchange":    action.Exchange,
		"action.routing_key": action.RoutingKey,
		"action.payload":     action.Payload,
	}
	for name, value := range action.Headers {
		templates["action.headers."+name] = value
	}

	for field, template := range templates {
		if err := validateTemplate(template); err != nil {
			return &ValidationError{
				Field:   field,
				Message: err.Error(),
			}
		}
	}

	return nil
}

// validateConditions validates a condition group recursively
func validateConditions(conditions *Conditions) error {
	if conditions == nil {
		return nil
	}

	switch conditions.Operator {
	case OperatorAnd, OperatorOr:
	default:
		return &ValidationError{
			Field:   "conditions.operator",
			Message: fmt.Sprintf("invalid operator: %s", conditions.Operator),
		}
	}

	for i := range conditions.Items {
		if err := validateCondition(&conditions.Items[i]); err != nil {
			return &ValidationError{
				Field:   fmt.Sprintf("conditions.items[%d]", i),
				Message: err.Error(),
			}
		}
	}

	for i := range conditions.Groups {
		if err := validateConditions(&conditions.Groups[i]); err != nil {
			return &ValidationError{
				Field:   fmt.Sprintf("conditions.groups[%d]", i),
				Message: err.Error(),
			}
		}
	}

	return nil
}

// validateCondition validates a single condition
func validateCondition(condition *Condition) error {
	if condition.Field == "" {
		return fmt.Errorf("field cannot be empty")
	}

	if !ValidOperators[condition.Operator] {
		return fmt.Errorf("invalid operator: %s", condition.Operator)
	}

	if condition.Operator == OperatorMatches {
		pattern, ok := condition.Value.(string)
		if !ok {
			return fmt.Errorf("regex pattern must be a string")
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid regex pattern: %s", err)
		}
	}

	return nil
}

// validateTemplate checks if a template string has valid variable references
func validateTemplate(template string) error {
	if template == "" {
		return nil
	}

	for _, match := range templateVariable.FindAllStringSubmatch(template, -1) {
		if len(match) < 2 {
			continue
		}
		if !validVariablePattern.MatchString(match[1]) {
			return fmt.Errorf("invalid variable name: %s", match[1])
		}
	}

	return nil
}
