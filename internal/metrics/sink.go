package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"phoenix/internal/logger"
)

// Settings is the "prometheus" block of a configuration document. Counters
// and gauges map a metric name to its label names.
type Settings struct {
	Port     int                 `json:"prometheus_port"`
	Counters map[string][]string `json:"counters"`
	Gauges   map[string][]string `json:"gauges"`
}

// Sink exposes the counters and gauges declared by configuration. Updates to
// metrics it does not know, or with labels that do not match the declaration,
// are logged and dropped.
type Sink struct {
	registry *prometheus.Registry
	logger   *logger.Logger

	mu            sync.RWMutex
	counters      map[string]*prometheus.CounterVec
	counterLabels map[string][]string
	gauges        map[string]*prometheus.GaugeVec
	gaugeLabels   map[string][]string

	serverMu   sync.Mutex
	server     *http.Server
	serverAddr string
	handlers   map[string]http.Handler
}

// NewSink creates a sink backed by reg. A nil registry gets a fresh one.
func NewSink(reg *prometheus.Registry, log *logger.Logger) *Sink {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Sink{
		registry:      reg,
		logger:        log,
		counters:      make(map[string]*prometheus.CounterVec),
		counterLabels: make(map[string][]string),
		gauges:        make(map[string]*prometheus.GaugeVec),
		gaugeLabels:   make(map[string][]string),
		handlers:      make(map[string]http.Handler),
	}
}

// Registry returns the registry the sink serves
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// SetLogger swaps the logger used for dropped updates
func (s *Sink) SetLogger(log *logger.Logger) {
	s.mu.Lock()
	s.logger = log
	s.mu.Unlock()
}

// Configure replaces the declared metric set. Metrics whose name and labels
// are unchanged keep their values across reconfiguration.
func (s *Sink) Configure(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := make(map[string]*prometheus.CounterVec, len(settings.Counters))
	for name, labels := range settings.Counters {
		if existing, ok := s.counters[name]; ok && sameLabels(s.counterLabels[name], labels) {
			counters[name] = existing
			continue
		}
		counters[name] = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name,
			Help: fmt.Sprintf("%s counter", name),
		}, labels)
	}

	gauges := make(map[string]*prometheus.GaugeVec, len(settings.Gauges))
	for name, labels := range settings.Gauges {
		if existing, ok := s.gauges[name]; ok && sameLabels(s.gaugeLabels[name], labels) {
			gauges[name] = existing
			continue
		}
		gauges[name] = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name,
			Help: fmt.Sprintf("%s gauge", name),
		}, labels)
	}

	for name, c := range s.counters {
		if counters[name] != c {
			s.registry.Unregister(c)
		}
	}
	for name, g := range s.gauges {
		if gauges[name] != g {
			s.registry.Unregister(g)
		}
	}

	counterLabels := copyLabels(settings.Counters)
	gaugeLabels := copyLabels(settings.Gauges)

	var errs error
	for name, c := range counters {
		if s.counters[name] == c {
			continue
		}
		if err := s.registry.Register(c); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("counter %s: %w", name, err))
			delete(counters, name)
			delete(counterLabels, name)
		}
	}
	for name, g := range gauges {
		if s.gauges[name] == g {
			continue
		}
		if err := s.registry.Register(g); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("gauge %s: %w", name, err))
			delete(gauges, name)
			delete(gaugeLabels, name)
		}
	}

	s.counters = counters
	s.gauges = gauges
	s.counterLabels = counterLabels
	s.gaugeLabels = gaugeLabels

	return errs
}

// Counters returns the declared counters and their label names
func (s *Sink) Counters() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyLabels(s.counterLabels)
}

// Gauges returns the declared gauges and their label names
func (s *Sink) Gauges() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyLabels(s.gaugeLabels)
}

// IncrementCount increments a declared counter
func (s *Sink) IncrementCount(name string, labels map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vec, ok := s.counters[name]
	if !ok {
		s.warn("counter not configured", "counter", name)
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		s.warn("counter labels do not match configuration",
			"counter", name,
			"expected", s.counterLabels[name],
			"error", err)
		return
	}
	c.Inc()
}

// SetTimeMetric sets a declared gauge to a duration in milliseconds
func (s *Sink) SetTimeMetric(name string, milliseconds float64, labels map[string]string) {
	s.SetGauge(name, milliseconds, labels)
}

// SetGauge sets a declared gauge
func (s *Sink) SetGauge(name string, value float64, labels map[string]string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vec, ok := s.gauges[name]
	if !ok {
		s.warn("gauge not configured", "gauge", name)
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		s.warn("gauge labels do not match configuration",
			"gauge", name,
			"expected", s.gaugeLabels[name],
			"error", err)
		return
	}
	g.Set(value)
}

func (s *Sink) warn(msg string, args ...interface{}) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

// Handle mounts an extra handler next to the metrics endpoint. Handlers must
// be mounted before Serve.
func (s *Sink) Handle(path string, h http.Handler) {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	s.handlers[path] = h
}

// Serve starts the metrics server on addr. Calling Serve again with the same
// address is a no-op; a different address moves the server once the new
// address is bound, and a bind failure leaves the old server running.
func (s *Sink) Serve(addr, path string) error {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()

	if s.server != nil && s.serverAddr == addr {
		return nil
	}

	// the running server stays up until the new address is bound
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	if s.server != nil {
		if err := s.server.Close(); err != nil {
			s.warn("failed to close metrics server", "address", s.serverAddr, "error", err)
		}
		s.server = nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry:          s.registry,
		EnableOpenMetrics: true,
	}))
	for p, h := range s.handlers {
		mux.Handle(p, h)
	}

	server := &http.Server{Handler: mux}
	s.server = server
	s.serverAddr = addr

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.warn("metrics server error", "address", addr, "error", err)
		}
	}()

	if s.logger != nil {
		s.logger.Info("metrics server started", "address", ln.Addr().String(), "path", path)
	}
	return nil
}

// Addr returns the address the server was asked to listen on
func (s *Sink) Addr() string {
	s.serverMu.Lock()
	defer s.serverMu.Unlock()
	return s.serverAddr
}

// Shutdown stops the metrics server
func (s *Sink) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	server := s.server
	s.server = nil
	s.serverAddr = ""
	s.serverMu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

func copyLabels(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for name, labels := range in {
		out[name] = append([]string(nil), labels...)
	}
	return out
}
