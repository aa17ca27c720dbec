package router

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"phoenix/internal/logger"
)

var templateVariable = regexp.MustCompile(`\${([^}]+)}`)

// renderer substitutes ${path.to.value} references with values from a
// decoded payload. Unknown references are left in place.
type renderer struct {
	logger *logger.Logger
}

func (r *renderer) render(template string, data map[string]interface{}) string {
	if !strings.Contains(template, "${") {
		return template
	}

	result := template
	for _, match := range templateVariable.FindAllStringSubmatch(template, -1) {
		if len(match) != 2 {
			continue
		}

		placeholder := match[0]
		value, err := valueAtPath(data, strings.Split(match[1], "."))
		if err != nil {
			r.logger.Debug("template value not found",
				"path", match[1],
				"error", err)
			continue
		}

		result = strings.ReplaceAll(result, placeholder, convertToString(value))
	}

	return result
}

// renderAction returns a copy of action with every template expanded
func (r *renderer) renderAction(action *Action, data map[string]interface{}) *Action {
	out := &Action{
		Queue:      r.render(action.Queue, data),
		Exchange:   r.render(action.Exchange, data),
		RoutingKey: r.render(action.RoutingKey, data),
		Payload:    r.render(action.Payload, data),
	}
	if len(action.Headers) > 0 {
		out.Headers = make(map[string]string, len(action.Headers))
		for k, v := range action.Headers {
			out.Headers[k] = r.render(v, data)
		}
	}
	return out
}

// valueAtPath retrieves a value from nested maps using a path
func valueAtPath(data map[string]interface{}, path []string) (interface{}, error) {
	var current interface{} = data

	for _, key := range path {
		switch v := current.(type) {
		case map[string]interface{}:
			var ok bool
			current, ok = v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", key)
			}
		case []interface{}:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(v) {
				return nil, fmt.Errorf("invalid index: %s", key)
			}
			current = v[i]
		default:
			return nil, fmt.Errorf("invalid path: %s is not a map", key)
		}
	}

	return current, nil
}

// convertToString renders a decoded JSON value for a template
func convertToString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "null"
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
