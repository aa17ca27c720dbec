package configuration

// Names of the top-level sections of a merged configuration
const (
	BaseConfigKey         = "base_config"
	MicroserviceConfigKey = "microservice_config"
)

// ProtectedKeys are never overwritten by a microservice document
var ProtectedKeys = []string{"_id", "version", "logger"}

// Merged is the base document with the microservice document overlaid, plus
// the microservice document itself.
type Merged struct {
	Base         Document
	Microservice Document
}

// Merge overlays every key of ms outside ProtectedKeys onto a copy of base.
// Neither argument is modified. A nil ms yields an empty microservice section.
func Merge(base, ms Document) Merged {
	merged := base.Clone()
	if merged == nil {
		merged = Document{}
	}

	if ms == nil {
		return Merged{Base: merged, Microservice: Document{}}
	}

	ms = ms.Clone()
	for key, value := range ms {
		if isProtected(key) {
			continue
		}
		merged[key] = cloneValue(value)
	}

	return Merged{Base: merged, Microservice: ms}
}

// Overridden returns the keys of ms that Merge would write over an existing
// base value.
func Overridden(base, ms Document) []string {
	var keys []string
	for key := range ms {
		if _, exists := base[key]; exists && !isProtected(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

func isProtected(key string) bool {
	for _, p := range ProtectedKeys {
		if key == p {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of m for handing to a collaborator
func (m Merged) Clone() Merged {
	return Merged{Base: m.Base.Clone(), Microservice: m.Microservice.Clone()}
}

// Document renders m in the two-section form adapters and services read
func (m Merged) Document() Document {
	return Document{
		BaseConfigKey:         map[string]interface{}(m.Base.Clone()),
		MicroserviceConfigKey: map[string]interface{}(m.Microservice.Clone()),
	}
}

// Section returns key from the microservice document, falling back to the
// merged base document.
func (m Merged) Section(key string) Document {
	if sub := m.Microservice.Map(key); sub != nil {
		return sub
	}
	return m.Base.Map(key)
}
