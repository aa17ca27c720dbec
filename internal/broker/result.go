package broker

import (
	"encoding/json"
	"fmt"

	"phoenix/internal/failure"
)

// Header names carried by error messages
const (
	HeaderException     = "exception"
	HeaderExceptionType = "exception_type"
	HeaderTraceback     = "traceback"
)

// NormalizeResult turns whatever a microservice returned into the messages to
// send. Nested slices are flattened; values that are not already bytes or
// messages are JSON-encoded.
func NormalizeResult(result interface{}) ([]*Message, error) {
	var out []*Message
	if err := appendResult(&out, result); err != nil {
		return nil, err
	}
	return out, nil
}

func appendResult(out *[]*Message, result interface{}) error {
	switch v := result.(type) {
	case nil:
		return nil
	case *Message:
		if v != nil {
			*out = append(*out, v)
		}
	case Message:
		m := v
		*out = append(*out, &m)
	case []*Message:
		for _, m := range v {
			if m != nil {
				*out = append(*out, m)
			}
		}
	case []Message:
		for i := range v {
			m := v[i]
			*out = append(*out, &m)
		}
	case []interface{}:
		for _, item := range v {
			if err := appendResult(out, item); err != nil {
				return err
			}
		}
	default:
		payload, err := EncodePayload(v)
		if err != nil {
			return err
		}
		*out = append(*out, &Message{Payload: payload})
	}
	return nil
}

// EncodePayload renders v as message bytes. Bytes and strings are sent as is.
func EncodePayload(v interface{}) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		return data, nil
	}
}

// ErrorHeaders returns the headers attached to an error message for cause
func ErrorHeaders(cause error) map[string]interface{} {
	headers := map[string]interface{}{
		HeaderExceptionType: failure.KindOf(cause).String(),
		HeaderTraceback:     failure.StackTrace(cause),
	}
	if cause != nil {
		headers[HeaderException] = cause.Error()
	} else {
		headers[HeaderException] = ""
	}
	return headers
}

// ErrorDestination derives the error destination for name from the
// classification of cause, e.g. "files" -> "files.error.DomainError".
func ErrorDestination(name, sep string, cause error) string {
	return name + sep + "error" + sep + failure.KindOf(cause).String()
}
