package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
	"phoenix/internal/metrics"
	"phoenix/internal/microservice"
)

// Values of the fixed "status" metric label
const (
	StatusFinished = "Finished"
	StatusFailed   = "Failed"
)

// iteration records one pass of the fetch/execute/route protocol
type iteration struct {
	msg       *broker.Message
	start     time.Time
	end       time.Time
	status    string
	errorType string
}

func (it *iteration) finish(status string, kind failure.Kind, failed bool) {
	it.end = time.Now()
	it.status = status
	if failed {
		it.errorType = kind.String()
	}
}

func (c *Controller) iterate(ctx context.Context) {
	it := &iteration{}

	if err := c.runIteration(ctx, it); err != nil && ctx.Err() == nil {
		c.handleUnhandled(err)
	}

	if !it.start.IsZero() && !it.end.IsZero() {
		c.emitMetrics(it)
	}
}

func (c *Controller) runIteration(ctx context.Context, it *iteration) error {
	if !c.io.HasInput() {
		return c.runWithoutInput(ctx, it)
	}

	msg, err := c.io.GetData(ctx)
	if err != nil {
		return fmt.Errorf("failed to get data: %w", err)
	}
	if msg == nil {
		return nil
	}

	it.msg = msg
	it.start = time.Now()
	c.stats.IncReceived()
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})

	result, execErr := c.execute(ctx, msg)
	if execErr == nil {
		if err := c.routeSuccess(ctx, msg, result); err != nil {
			return err
		}
		it.finish(StatusFinished, failure.KindUnhandled, false)
	} else {
		kind, err := c.routeFailure(ctx, msg, execErr)
		if err != nil {
			return err
		}
		it.finish(StatusFailed, kind, true)
	}

	if c.runMode == RunModeSingleMessage {
		c.log().Info("single message processed, stopping")
		c.transition(StateStopped)
	}
	return nil
}

func (c *Controller) runWithoutInput(ctx context.Context, it *iteration) error {
	it.start = time.Now()

	result, execErr := c.execute(ctx, nil)
	if execErr != nil {
		kind := failure.KindOf(execErr)
		if kind != failure.KindDomain {
			return execErr
		}
		if fh, ok := c.service.(microservice.FailureHandler); ok {
			fh.FailureAction(ctx, execErr)
		}
		c.log().Warn("execution failed", "error", execErr, "error_type", kind.String())
		it.finish(StatusFailed, kind, true)
		c.stats.IncFailed()
		return nil
	}

	if err := c.routeSuccess(ctx, nil, result); err != nil {
		return err
	}
	it.finish(StatusFinished, failure.KindUnhandled, false)

	// a periodic service keeps looping even in script mode
	if c.periodicSleep > 0 {
		if err := c.sleep(ctx, c.periodicSleep); err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	}

	if c.runMode == RunModeScript {
		c.log().Info("script run finished, stopping")
		c.transition(StateStopped)
	}
	return nil
}

// execute calls the service, turning a panic into an unclassified error
func (c *Controller) execute(ctx context.Context, msg *broker.Message) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = failure.Newf(failure.KindUnhandled, "microservice panicked: %v", r)
		}
	}()
	return c.service.Execute(ctx, msg)
}

func (c *Controller) routeSuccess(ctx context.Context, msg *broker.Message, result interface{}) error {
	if c.io.HasOutput() {
		out, err := broker.NormalizeResult(result)
		if err != nil {
			return fmt.Errorf("failed to normalize result: %w", err)
		}
		if len(out) > 0 {
			if err := c.io.SendData(ctx, out); err != nil {
				return fmt.Errorf("failed to send data: %w", err)
			}
		}
	}

	if !c.manualSuccess {
		if err := c.service.AfterSuccess(ctx); err != nil {
			return fmt.Errorf("after success hook failed: %w", err)
		}
		if msg != nil {
			if err := c.io.SuccessAction(ctx, msg); err != nil {
				return fmt.Errorf("failed to acknowledge message: %w", err)
			}
		}
	}

	c.unhandledCount = 0
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetUnhandledErrors(0)
		m.IncMessagesTotal("processed")
	})
	c.stats.IncProcessed()
	return nil
}

// routeFailure sends the failing message to its error destination and
// settles it. Poison messages are rejected, everything else is acknowledged.
func (c *Controller) routeFailure(ctx context.Context, msg *broker.Message, execErr error) (failure.Kind, error) {
	kind := failure.KindOf(execErr)

	c.log().Error("execution failed",
		"error", execErr,
		"error_type", kind.String(),
		"queue", msg.Queue,
		"traceback", failure.StackTrace(execErr))

	switch kind {
	case failure.KindDomain:
		if fh, ok := c.service.(microservice.FailureHandler); ok {
			fh.FailureAction(ctx, execErr)
		}
		if err := c.io.SendErrorMessage(ctx, msg, c.canonicalMessage(msg), execErr); err != nil {
			return kind, fmt.Errorf("failed to route domain error: %w", err)
		}
		if err := c.io.SuccessAction(ctx, msg); err != nil {
			return kind, fmt.Errorf("failed to acknowledge message: %w", err)
		}
		c.stats.IncFailed()
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("failed")
		})

	case failure.KindPoison:
		if err := c.io.SendErrorMessage(ctx, msg, decodePayload(msg.Payload), execErr); err != nil {
			return kind, fmt.Errorf("failed to route poison message: %w", err)
		}
		if err := c.io.FailureAction(ctx, msg); err != nil {
			return kind, fmt.Errorf("failed to reject message: %w", err)
		}
		c.stats.IncRejected()
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("rejected")
		})

	default:
		kind = failure.KindUnhandled
		cause := failure.Classify(failure.KindUnhandled, execErr)
		if err := c.io.SendErrorMessage(ctx, msg, c.canonicalMessage(msg), cause); err != nil {
			return kind, fmt.Errorf("failed to route error: %w", err)
		}
		if err := c.io.SuccessAction(ctx, msg); err != nil {
			return kind, fmt.Errorf("failed to acknowledge message: %w", err)
		}
		c.stats.IncFailed()
		c.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("failed")
		})
	}

	return kind, nil
}

// canonicalMessage is the service's own view of the message when it keeps
// one, else the decoded payload
func (c *Controller) canonicalMessage(msg *broker.Message) interface{} {
	if holder, ok := c.service.(microservice.MessageHolder); ok {
		if current := holder.CurrentMessage(); current != nil {
			return current
		}
	}
	return decodePayload(msg.Payload)
}

// decodePayload returns the payload as JSON when it parses, retrying with
// literal \r and \n escapes removed, and as a string otherwise
func decodePayload(payload []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(payload, &v); err == nil {
		return v
	}

	cleaned := strings.NewReplacer(`\r`, "", `\n`, "").Replace(string(payload))
	if err := json.Unmarshal([]byte(cleaned), &v); err == nil {
		return v
	}
	return string(payload)
}

func (c *Controller) handleUnhandled(err error) {
	c.unhandledCount++
	count := c.unhandledCount

	c.log().Error("unhandled error in iteration",
		"error", err,
		"error_type", failure.KindOf(err).String(),
		"count", count,
		"traceback", failure.StackTrace(err))

	c.stats.IncErrors()
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetUnhandledErrors(count)
	})

	if count > c.maxUnhandled {
		c.log().Error("too many consecutive unhandled errors, stopping", "count", count, "limit", c.maxUnhandled)
		c.transition(StateStopped)
	}
}

// emitMetrics updates every configured gauge except the epoch with the
// iteration latency and every configured counter. The errors counter only
// counts failures.
func (c *Controller) emitMetrics(it *iteration) {
	elapsed := it.end.Sub(it.start)
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.ObserveIteration(elapsed)
	})

	milliseconds := float64(elapsed) / float64(time.Millisecond)
	for name, labels := range c.deps.Sink.Gauges() {
		if name == EpochGauge {
			continue
		}
		values, ok := c.labelValues(name, labels, it)
		if !ok {
			continue
		}
		c.deps.Sink.SetTimeMetric(name, milliseconds, values)
	}

	for name, labels := range c.deps.Sink.Counters() {
		if name == ErrorsCounter && it.status != StatusFailed {
			continue
		}
		values, ok := c.labelValues(name, labels, it)
		if !ok {
			continue
		}
		c.deps.Sink.IncrementCount(name, values)
	}
}

func (c *Controller) labelValues(metric string, labels []string, it *iteration) (map[string]string, bool) {
	values := make(map[string]string, len(labels))
	for _, label := range labels {
		switch label {
		case "module":
			values[label] = c.instance.Raw
		case "status":
			values[label] = it.status
		case "error_type":
			values[label] = it.errorType
		default:
			resolver, ok := c.service.(microservice.LabelResolver)
			if !ok {
				c.log().Error("metric label needs a label resolver",
					"metric", metric,
					"label", label,
					"error_type", failure.KindConfiguration.String())
				return nil, false
			}
			value, err := resolver.LabelValue(label, it.msg)
			if err != nil {
				c.log().Warn("failed to resolve metric label", "metric", metric, "label", label, "error", err)
				return nil, false
			}
			values[label] = value
		}
	}
	return values, true
}
