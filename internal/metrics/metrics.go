package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the fixed runtime metrics every instance exports regardless of
// what its configuration document declares.
type Metrics struct {
	runtimeState           prometheus.Gauge
	restartsTotal          prometheus.Counter
	unhandledErrors        prometheus.Gauge
	messagesTotal          *prometheus.CounterVec
	processingDuration     prometheus.Histogram
	brokerConnectionStatus *prometheus.GaugeVec
	brokerReconnects       *prometheus.CounterVec
	epoch                  prometheus.Gauge
}

// NewMetrics creates the runtime metrics and registers them with reg. A nil
// registerer leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoenix_runtime_state",
			Help: "Current run state (0=initializing, 1=running, 2=restarting, 3=stopped)",
		}),
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "phoenix_restarts_total",
			Help: "Total number of configuration-driven restarts",
		}),
		unhandledErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoenix_unhandled_errors",
			Help: "Consecutive errors that escaped an iteration",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_messages_total",
			Help: "Total number of messages handled, by outcome",
		}, []string{"status"}),
		processingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "phoenix_iteration_duration_seconds",
			Help:    "Time spent in one fetch/execute/route iteration",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		brokerConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "phoenix_broker_connection_status",
			Help: "Broker connection status per adapter (0=disconnected, 1=connected)",
		}, []string{"adapter"}),
		brokerReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "phoenix_broker_reconnects_total",
			Help: "Total number of broker reinitializations per adapter",
		}, []string{"adapter"}),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "phoenix_heartbeat_timestamp_seconds",
			Help: "Unix time of the last heartbeat",
		}),
	}

	if reg == nil {
		return m, nil
	}

	collectors := []prometheus.Collector{
		m.runtimeState,
		m.restartsTotal,
		m.unhandledErrors,
		m.messagesTotal,
		m.processingDuration,
		m.brokerConnectionStatus,
		m.brokerReconnects,
		m.epoch,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// SetRuntimeState records the controller's run state
func (m *Metrics) SetRuntimeState(state int) {
	m.runtimeState.Set(float64(state))
}

// IncRestarts counts a configuration-driven restart
func (m *Metrics) IncRestarts() {
	m.restartsTotal.Inc()
}

// SetUnhandledErrors records the circuit breaker counter
func (m *Metrics) SetUnhandledErrors(count int) {
	m.unhandledErrors.Set(float64(count))
}

// IncMessagesTotal counts a handled message by outcome
func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

// ObserveIteration records the wall time of one iteration
func (m *Metrics) ObserveIteration(d time.Duration) {
	m.processingDuration.Observe(d.Seconds())
}

// SetBrokerConnectionStatus records whether an adapter holds a live connection
func (m *Metrics) SetBrokerConnectionStatus(adapter string, connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.brokerConnectionStatus.WithLabelValues(adapter).Set(value)
}

// IncBrokerReconnects counts an adapter reinitialization
func (m *Metrics) IncBrokerReconnects(adapter string) {
	m.brokerReconnects.WithLabelValues(adapter).Inc()
}

// SetEpoch records a heartbeat
func (m *Metrics) SetEpoch(t time.Time) {
	m.epoch.Set(float64(t.Unix()))
}
