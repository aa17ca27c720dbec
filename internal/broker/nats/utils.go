package nats

import (
	"strings"
)

// ToNATSSubject converts an MQTT style topic to a NATS subject.
// MQTT uses / as separators and +/# as wildcards;
// NATS uses . as separators and */> as wildcards.
func ToNATSSubject(mqttTopic string) string {
	subject := strings.ReplaceAll(mqttTopic, "+", "*")
	subject = strings.ReplaceAll(subject, "#", ">")
	subject = strings.ReplaceAll(subject, "/", ".")
	return subject
}

// NormalizeSubject replaces characters NATS does not allow in subjects
func NormalizeSubject(subject string) string {
	replacer := strings.NewReplacer(
		" ", "_",
		",", "_",
		":", "_",
		"?", "_",
		"[", "_",
		"]", "_",
	)
	return replacer.Replace(subject)
}

// StreamName derives a stream name from a subject. Stream names may not
// contain dots or wildcards.
func StreamName(subject string) string {
	replacer := strings.NewReplacer(
		".", "_",
		"*", "ANY",
		">", "ALL",
		"/", "_",
		" ", "_",
	)
	return strings.ToUpper(replacer.Replace(subject))
}

// headerValue flattens a value for a NATS header, which cannot span lines
func headerValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "\\n").Replace(v)
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
