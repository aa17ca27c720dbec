// Package runtime hosts one microservice: it loads configuration, binds the
// I/O adapters, drives the fetch/execute/route loop and restarts everything
// when the configuration version changes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"phoenix/internal/broker"
	"phoenix/internal/configuration"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
	"phoenix/internal/microservice"
	"phoenix/internal/stats"
)

// Keys read from the microservice document
const (
	RunModeKey       = "run_mode"
	PeriodicSleepKey = "periodic_sleep"
	ManualSuccessKey = "manual_action_on_success"
	LoggerKey        = "logger"
	PrometheusKey    = "prometheus"
)

// ErrorsCounter is only incremented for failed iterations
const ErrorsCounter = "phoenix_errors"

// EpochGauge, when configured, is set to the Unix time on every heartbeat
const EpochGauge = "phoenix_epoch"

const (
	defaultWatchInterval    = 10 * time.Second
	defaultHaltPollInterval = time.Second
	defaultEpochInterval    = time.Minute
	defaultMaxUnhandled     = 10
)

// Dependencies is everything the controller needs from the process
type Dependencies struct {
	Source      configuration.Source
	Registry    *broker.Registry
	Services    *microservice.Registry
	ServiceName string
	InstanceID  string
	Environment string
	Logger      *logger.Logger
	Sink        *metrics.Sink
	Metrics     *metrics.Metrics      // optional
	Stats       *stats.StatsCollector // optional
}

// Controller drives the service lifecycle
type Controller struct {
	deps     Dependencies
	instance configuration.InstanceID
	logger   atomic.Pointer[logger.Logger] // replaced on every initialization
	stats    *stats.StatsCollector

	watchInterval    time.Duration
	haltPollInterval time.Duration
	epochInterval    time.Duration
	maxUnhandled     int
	sleep            func(ctx context.Context, d time.Duration) error
	loggerFactory    func(logger.Settings) (*logger.Logger, error)

	state   atomic.Int32
	halted  atomic.Bool
	restart atomic.Bool

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	versionMu sync.RWMutex
	versions  documentVersions

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}

	heartbeat    *metrics.Heartbeat
	shutdownOnce sync.Once

	// owned by the Run goroutine
	io             *broker.IOHandler
	service        microservice.Microservice
	runMode        RunMode
	periodicSleep  time.Duration
	manualSuccess  bool
	unhandledCount int
}

type documentVersions struct {
	base, global, microservice string
}

// New creates a controller. A missing or malformed instance id is a
// configuration error.
func New(deps Dependencies, opts ...Option) (*Controller, error) {
	if deps.Source == nil {
		return nil, failure.New(failure.KindConfiguration, "configuration source is required")
	}
	if deps.Registry == nil || deps.Services == nil {
		return nil, failure.New(failure.KindConfiguration, "adapter and microservice registries are required")
	}
	if !deps.Services.Has(deps.ServiceName) {
		return nil, failure.Newf(failure.KindConfiguration, "unknown microservice %q (registered: %v)", deps.ServiceName, deps.Services.Names())
	}

	instance, err := configuration.ParseInstanceID(deps.InstanceID)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, err, "invalid instance id")
	}

	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Sink == nil {
		deps.Sink = metrics.NewSink(nil, deps.Logger)
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewStatsCollector()
	}

	c := &Controller{
		deps:             deps,
		instance:         instance,
		stats:            deps.Stats,
		watchInterval:    defaultWatchInterval,
		haltPollInterval: defaultHaltPollInterval,
		epochInterval:    defaultEpochInterval,
		maxUnhandled:     defaultMaxUnhandled,
		sleep:            sleepContext,
		loggerFactory:    logger.FromSettings,
	}

	c.logger.Store(deps.Logger.With("instance", instance.Raw))

	for _, opt := range opts {
		opt(c)
	}

	c.heartbeat = metrics.NewHeartbeat(deps.Metrics, c.epochInterval)
	c.heartbeat.OnBeat(c.stampEpoch)

	c.state.Store(int32(StateInitializing))
	return c, nil
}

// State reports the current run state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// transition moves to next unless the controller is already Stopped
func (c *Controller) transition(next State) bool {
	for {
		current := c.state.Load()
		if State(current) == StateStopped {
			return false
		}
		if c.state.CompareAndSwap(current, int32(next)) {
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.SetRuntimeState(int(next))
			})
			if State(current) != next {
				c.log().Info("run state changed", "from", State(current).String(), "to", next.String())
			}
			return true
		}
	}
}

// Run drives the state machine until the controller stops. It returns an
// error only when initialization fails.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancel = cancel
	c.cancelMu.Unlock()

	defer cancel()
	defer c.shutdown()

	for {
		switch c.State() {
		case StateInitializing:
			if err := c.initialize(ctx); err != nil {
				if ctx.Err() != nil && c.State() == StateStopped {
					c.teardown()
					return nil
				}
				c.log().Error("initialization failed",
					"error", err,
					"error_type", failure.KindOf(err).String(),
					"traceback", failure.StackTrace(err))
				c.teardown()
				c.transition(StateStopped)
				return err
			}
			c.transition(StateRunning)

		case StateRunning:
			if ctx.Err() != nil {
				c.transition(StateStopped)
				continue
			}
			if c.restart.Load() {
				c.transition(StateRestarting)
				continue
			}
			c.iterate(ctx)

		case StateRestarting:
			c.log().Info("configuration changed, restarting")
			c.teardown()
			c.restart.Store(false)
			c.stats.IncRestarts()
			c.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncRestarts()
			})
			c.transition(StateInitializing)

		case StateStopped:
			return nil
		}
	}
}

// Stop requests a cooperative shutdown. The loop ends after the current
// iteration; Run performs the teardown.
func (c *Controller) Stop() {
	c.transition(StateStopped)

	c.cancelMu.Lock()
	cancel := c.cancel
	c.cancelMu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Controller) initialize(ctx context.Context) error {
	base, err := c.deps.Source.Get(ctx, configuration.BaseConfigName)
	if err != nil {
		return failure.Wrap(failure.KindConfiguration, err, "base configuration is required")
	}

	global, err := c.optionalDocument(ctx, configuration.GlobalSettingsName)
	if err != nil {
		return err
	}

	msName := configuration.MicroserviceName(c.instance.ConfigName)
	msDoc, err := c.optionalDocument(ctx, msName)
	if err != nil {
		return err
	}

	merged := configuration.Merge(base, msDoc)

	if err := c.configureLogging(merged, base); err != nil {
		return err
	}
	if err := c.configureMetrics(merged); err != nil {
		return err
	}

	if keys := configuration.Overridden(base, msDoc); len(keys) > 0 {
		c.log().Debug("microservice configuration overrides base keys", "keys", keys)
	}

	runMode, ok := parseRunMode(merged.Microservice[RunModeKey])
	if !ok {
		return failure.Newf(failure.KindConfiguration, "invalid %s: %v", RunModeKey, merged.Microservice[RunModeKey])
	}
	c.runMode = runMode
	c.periodicSleep = secondsValue(merged.Microservice[PeriodicSleepKey])
	c.manualSuccess = merged.Microservice.Has(ManualSuccessKey)

	c.versionMu.Lock()
	c.versions = documentVersions{
		base:         base.Version(),
		global:       global.Version(),
		microservice: msDoc.Version(),
	}
	c.versionMu.Unlock()

	c.startWatcher()

	io, err := broker.NewIOHandler(c.deps.Registry, merged, c.deps.Environment, c.log(), broker.WithMetrics(c.deps.Metrics))
	if err != nil {
		return err
	}
	c.io = io
	if err := io.Initialize(ctx); err != nil {
		return err
	}

	svc, err := c.deps.Services.Create(c.deps.ServiceName, microservice.Dependencies{
		Logger:         c.log(),
		Config:         merged.Microservice.Map(microservice.CustomConfigKey).Clone(),
		GlobalSettings: global.Clone(),
		IO:             io,
	})
	if err != nil {
		return failure.Classify(failure.KindConfiguration, err)
	}
	c.service = svc

	c.heartbeat.Start()

	c.unhandledCount = 0
	c.halted.Store(false)

	c.log().Info("service initialized",
		"service", c.deps.ServiceName,
		"input", io.InputKind(),
		"output", io.OutputKind(),
		"run_mode", string(c.runMode),
		"versions", fmt.Sprintf("%s/%s/%s", c.versions.base, c.versions.global, c.versions.microservice))

	return nil
}

// optionalDocument returns an empty document when name does not exist
func (c *Controller) optionalDocument(ctx context.Context, name string) (configuration.Document, error) {
	doc, err := c.deps.Source.Get(ctx, name)
	if errors.Is(err, configuration.ErrNotFound) {
		c.log().Warn("configuration not found", "name", name)
		return configuration.Document{}, nil
	}
	if err != nil {
		return nil, failure.Wrap(failure.KindConfiguration, err, fmt.Sprintf("failed to load %s", name))
	}
	return doc, nil
}

func (c *Controller) configureLogging(merged configuration.Merged, base configuration.Document) error {
	block := merged.Microservice.Map(LoggerKey)
	if block == nil {
		block = base.Map(LoggerKey)
	}
	if block == nil {
		return failure.New(failure.KindConfiguration, "logger configuration is required")
	}

	var settings logger.Settings
	if err := configuration.Decode(block, &settings); err != nil {
		return failure.Wrap(failure.KindConfiguration, err, "invalid logger configuration")
	}

	log, err := c.loggerFactory(settings)
	if err != nil {
		return failure.Wrap(failure.KindConfiguration, err, "failed to build logger")
	}
	log = log.With("instance", c.instance.Raw)
	c.logger.Store(log)
	c.deps.Sink.SetLogger(log)
	return nil
}

func (c *Controller) configureMetrics(merged configuration.Merged) error {
	block := merged.Section(PrometheusKey)
	if block == nil {
		return failure.New(failure.KindConfiguration, "prometheus configuration is required")
	}

	var settings metrics.Settings
	if err := configuration.Decode(block, &settings); err != nil {
		return failure.Wrap(failure.KindConfiguration, err, "invalid prometheus configuration")
	}

	if err := c.deps.Sink.Configure(settings); err != nil {
		c.log().Warn("some metrics could not be registered", "error", err)
	}
	if settings.Port > 0 {
		if err := c.deps.Sink.Serve(fmt.Sprintf(":%d", settings.Port), "/metrics"); err != nil {
			c.log().Warn("failed to start metrics server", "port", settings.Port, "error", err)
		}
	}
	return nil
}

// teardown stops the service instance and the adapters. Each is stopped at
// most once.
func (c *Controller) teardown() {
	if c.service != nil {
		if err := c.service.Stop(); err != nil {
			c.log().Error("failed to stop microservice", "error", err)
		}
		c.service = nil
	}
	if c.io != nil {
		if err := c.io.Stop(); err != nil {
			c.log().Error("failed to stop adapters", "error", err)
		}
		c.io = nil
	}
}

func (c *Controller) shutdown() {
	c.shutdownOnce.Do(func() {
		c.stopWatcher()
		c.teardown()
		c.heartbeat.Stop()
		c.transition(StateStopped)

		c.log().Info("service stopped", "stats", c.stats.GetStats())
	})
}

// stampEpoch sets the configured epoch gauge. Only the module label has a
// value outside an iteration; any other label is left empty.
func (c *Controller) stampEpoch(now time.Time) {
	labels, ok := c.deps.Sink.Gauges()[EpochGauge]
	if !ok {
		return
	}
	values := make(map[string]string, len(labels))
	for _, label := range labels {
		values[label] = ""
		if label == "module" {
			values[label] = c.instance.Raw
		}
	}
	c.deps.Sink.SetGauge(EpochGauge, float64(now.Unix()), values)
}

func (c *Controller) log() *logger.Logger {
	return c.logger.Load()
}

func (c *Controller) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.deps.Metrics != nil {
		fn(c.deps.Metrics)
	}
}

func secondsValue(v interface{}) time.Duration {
	switch s := v.(type) {
	case float64:
		if s > 0 {
			return time.Duration(s * float64(time.Second))
		}
	case int:
		if s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return 0
}
