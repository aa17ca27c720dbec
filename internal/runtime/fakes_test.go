package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
	"phoenix/internal/microservice"
	"phoenix/internal/stats"
)

const (
	testInstanceID = "scan-file-hash-worker-0"
	testConfigName = "microservices/scan-file-hash-worker"
	fakeKind       = "fake"
	fakeService    = "fake"
)

type routedError struct {
	msg     *broker.Message
	payload interface{}
	cause   error
}

// fakeTransport serves as both input and output adapter
type fakeTransport struct {
	mu      sync.Mutex
	inbox   []*broker.Message
	gets    int
	acks    []*broker.Message
	rejects []*broker.Message
	sent    []*broker.Message
	errors  []routedError
	stops   int
	getErr  error
}

func (f *fakeTransport) Initialize(ctx context.Context) error { return nil }

func (f *fakeTransport) GetData(ctx context.Context) (*broker.Message, error) {
	f.mu.Lock()
	f.gets++
	if f.getErr != nil {
		err := f.getErr
		f.mu.Unlock()
		return nil, err
	}
	if len(f.inbox) == 0 {
		f.mu.Unlock()
		select {
		case <-time.After(2 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil
	}
	msg := f.inbox[0]
	f.inbox = f.inbox[1:]
	f.mu.Unlock()
	return msg, nil
}

func (f *fakeTransport) SuccessAction(ctx context.Context, msg *broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, msg)
	return nil
}

func (f *fakeTransport) FailureAction(ctx context.Context, msg *broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, msg)
	return nil
}

func (f *fakeTransport) SendErrorMessage(ctx context.Context, msg *broker.Message, payload interface{}, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, routedError{msg: msg, payload: payload, cause: cause})
	return nil
}

func (f *fakeTransport) SendData(ctx context.Context, msgs []*broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msgs...)
	return nil
}

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeTransport) push(payloads ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range payloads {
		f.inbox = append(f.inbox, &broker.Message{Payload: []byte(p), Queue: "files"})
	}
}

// counts returns gets, acks, rejects, sent, errors
func (f *fakeTransport) counts() (int, int, int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, len(f.acks), len(f.rejects), len(f.sent), len(f.errors)
}

func (f *fakeTransport) routedErrors() []routedError {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]routedError(nil), f.errors...)
}

func (f *fakeTransport) sentMessages() []*broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*broker.Message(nil), f.sent...)
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(format string, args ...interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, fmt.Sprintf(format, args...))
}

func (e *eventLog) list() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

type executeFunc func(ctx context.Context, msg *broker.Message) (interface{}, error)

// testService records every call the controller makes
type testService struct {
	id      int
	execute executeFunc
	events  *eventLog

	mu           sync.Mutex
	executions   int
	afterSuccess int
	failures     []error
	stops        int
	current      interface{}
}

func (s *testService) Execute(ctx context.Context, msg *broker.Message) (interface{}, error) {
	s.mu.Lock()
	s.executions++
	s.current = nil
	if msg != nil {
		var decoded interface{}
		if json.Unmarshal(msg.Payload, &decoded) == nil {
			s.current = decoded
		}
	}
	s.mu.Unlock()

	s.events.add("execute %d", s.id)
	if s.execute == nil {
		if msg == nil {
			return "tick", nil
		}
		return msg.Payload, nil
	}
	return s.execute(ctx, msg)
}

func (s *testService) AfterSuccess(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterSuccess++
	return nil
}

func (s *testService) FailureAction(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *testService) CurrentMessage() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *testService) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	s.events.add("stop %d", s.id)
	return nil
}

func (s *testService) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// labelledService resolves the "tenant" metric label
type labelledService struct {
	*testService
}

func (s *labelledService) LabelValue(label string, data interface{}) (string, error) {
	if label == "tenant" {
		return "acme", nil
	}
	return "", fmt.Errorf("unknown label %q", label)
}

type harness struct {
	t         *testing.T
	source    *configuration.StaticSource
	transport *fakeTransport
	events    *eventLog
	reg       *prometheus.Registry
	stats     *stats.StatsCollector
	logs      *observer.ObservedLogs
	ctrl      *Controller
	done      chan error

	mu       sync.Mutex
	services []*testService
}

type harnessConfig struct {
	ms         configuration.Document
	execute    executeFunc
	labelled   bool
	prometheus map[string]interface{}
	opts       []Option
}

func baseDocument(version string, prom map[string]interface{}) configuration.Document {
	if prom == nil {
		prom = map[string]interface{}{
			"counters": map[string]interface{}{
				"phoenix_messages": []interface{}{"module", "status"},
				ErrorsCounter:      []interface{}{"module", "error_type"},
			},
			"gauges": map[string]interface{}{
				"phoenix_latency": []interface{}{"module", "status"},
			},
		}
	}
	return configuration.Document{
		"active_version": version,
		"supported_type": []interface{}{fakeKind, "memory"},
		"logger":         map[string]interface{}{"level": "INFO"},
		"prometheus":     prom,
	}
}

// msDocument declares the fake adapter on both sides plus extra keys
func msDocument(extra map[string]interface{}) configuration.Document {
	doc := configuration.Document{
		"active_version": "1",
		"input_type":     map[string]interface{}{fakeKind: map[string]interface{}{}},
		"output_type":    map[string]interface{}{fakeKind: map[string]interface{}{}},
	}
	for k, v := range extra {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return doc
}

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		events:    &eventLog{},
		reg:       prometheus.NewRegistry(),
		stats:     stats.NewStatsCollector(),
		done:      make(chan error, 1),
	}

	docs := map[string]configuration.Document{
		configuration.BaseConfigName:     baseDocument("1", cfg.prometheus),
		configuration.GlobalSettingsName: {"active_version": "1", "region": "eu"},
	}
	if cfg.ms != nil {
		docs[testConfigName] = cfg.ms
	}
	h.source = configuration.NewStaticSource(docs)

	adapters := broker.NewRegistry()
	adapters.Register(fakeKind, func(log *logger.Logger, ac broker.AdapterConfig) (broker.Adapter, error) {
		return h.transport, nil
	})

	services := microservice.NewRegistry()
	services.Register(fakeService, func(deps microservice.Dependencies) (microservice.Microservice, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		svc := &testService{id: len(h.services) + 1, execute: cfg.execute, events: h.events}
		h.services = append(h.services, svc)
		h.events.add("create %d", svc.id)
		if cfg.labelled {
			return &labelledService{svc}, nil
		}
		return svc, nil
	})

	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	obs := &logger.Logger{Logger: zap.New(core)}

	m, err := metrics.NewMetrics(h.reg)
	require.NoError(t, err)

	opts := append([]Option{
		WithLoggerFactory(func(logger.Settings) (*logger.Logger, error) { return obs, nil }),
		WithWatchInterval(time.Hour),
	}, cfg.opts...)

	ctrl, err := New(Dependencies{
		Source:      h.source,
		Registry:    adapters,
		Services:    services,
		ServiceName: fakeService,
		InstanceID:  testInstanceID,
		Environment: "test",
		Logger:      obs,
		Sink:        metrics.NewSink(h.reg, obs),
		Metrics:     m,
		Stats:       h.stats,
	}, opts...)
	require.NoError(t, err)
	h.ctrl = ctrl

	return h
}

func (h *harness) start() {
	go func() {
		h.done <- h.ctrl.Run(context.Background())
	}()
}

// wait returns Run's result, failing the test if it does not return
func (h *harness) wait() error {
	h.t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("controller did not stop")
		return nil
	}
}

func (h *harness) stop() error {
	h.t.Helper()
	h.ctrl.Stop()
	return h.wait()
}

func (h *harness) service(i int) *testService {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.services) {
		return nil
	}
	return h.services[i]
}

func (h *harness) serviceCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.services)
}

// metricValue sums the counter or gauge samples of name whose labels
// include want
func (h *harness) metricValue(name string, want map[string]string) float64 {
	h.t.Helper()

	families, err := h.reg.Gather()
	require.NoError(h.t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range want {
				if labels[k] != v {
					match = false
				}
			}
			if !match {
				continue
			}
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			} else if m.GetGauge() != nil {
				total += m.GetGauge().GetValue()
			}
		}
	}
	return total
}

func (h *harness) seriesCount(name string) int {
	h.t.Helper()

	families, err := h.reg.Gather()
	require.NoError(h.t, err)
	for _, mf := range families {
		if mf.GetName() == name {
			return len(mf.GetMetric())
		}
	}
	return 0
}
