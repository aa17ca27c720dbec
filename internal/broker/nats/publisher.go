package nats

import (
	"context"

	"github.com/nats-io/nats.go"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
	"phoenix/internal/metrics"
)

// SendData publishes each message through JetStream to its own subject,
// falling back to the configured subject
func (a *Adapter) SendData(ctx context.Context, msgs []*broker.Message) error {
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		subject := a.subjectFor(msg)
		if subject == "" {
			return failure.New(failure.KindConfiguration, "message has no subject and no subject is configured")
		}

		out := nats.NewMsg(subject)
		out.Data = msg.Payload
		if headers, ok := msg.Properties["headers"].(map[string]interface{}); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					out.Header.Set(k, headerValue(s))
				}
			}
		}

		if err := a.publish(out); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) subjectFor(msg *broker.Message) string {
	switch {
	case msg.RoutingKey != "":
		return NormalizeSubject(ToNATSSubject(msg.RoutingKey))
	case msg.Queue != "":
		return NormalizeSubject(ToNATSSubject(msg.Queue))
	default:
		return a.settings.Subject
	}
}

// SendErrorMessage publishes payload to <subject>.error.<Kind> with the error
// text and stack trace as headers
func (a *Adapter) SendErrorMessage(ctx context.Context, msg *broker.Message, payload interface{}, cause error) error {
	subject := a.settings.Subject
	if msg != nil && msg.RoutingKey != "" {
		subject = NormalizeSubject(ToNATSSubject(msg.RoutingKey))
	}
	if subject == "" {
		return failure.New(failure.KindConfiguration, "cannot derive an error subject without a subject")
	}

	body, err := broker.EncodePayload(payload)
	if err != nil {
		return failure.Wrap(failure.KindPoison, err, "failed to encode error payload")
	}

	out := nats.NewMsg(broker.ErrorDestination(subject, ".", cause))
	out.Data = body
	for k, v := range broker.ErrorHeaders(cause) {
		if s, ok := v.(string); ok {
			out.Header.Set(k, headerValue(s))
		}
	}
	return a.publish(out)
}

func (a *Adapter) publish(msg *nats.Msg) error {
	if err := a.cm.Publish(msg); err != nil {
		a.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("publish_error")
		})
		a.logger.Error("failed to publish message", "subject", msg.Subject, "error", err)
		return failure.Wrap(failure.KindTransport, err, "failed to publish message")
	}

	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("published")
	})
	a.logger.Debug("published message", "subject", msg.Subject, "payloadSize", len(msg.Data))
	return nil
}
