package configuration

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// VersionKey is the document field compared by the configuration watcher
const VersionKey = "active_version"

// Document is one JSON configuration document as served by the configuration
// server.
type Document map[string]interface{}

// Version returns the document's active_version marker as a string, or an
// empty string when the document carries none.
func (d Document) Version() string {
	if d == nil {
		return ""
	}
	switch v := d[VersionKey].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Map returns the sub-document stored under key, or nil when the key is
// absent or not an object.
func (d Document) Map(key string) Document {
	switch v := d[key].(type) {
	case Document:
		return v
	case map[string]interface{}:
		return Document(v)
	default:
		return nil
	}
}

// String returns the string stored under key
func (d Document) String(key string) (string, bool) {
	s, ok := d[key].(string)
	return s, ok
}

// Has reports whether key is present, even with a null value
func (d Document) Has(key string) bool {
	_, ok := d[key]
	return ok
}

// Clone returns a deep copy of d
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(d)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case Document:
		return Document(cloneValue(map[string]interface{}(val)).(map[string]interface{}))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// Decode converts a document fragment into a typed value through its JSON
// form.
func Decode(in interface{}, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}
