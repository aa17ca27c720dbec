// Package rabbitmq implements the AMQP 0-9-1 input and output adapter.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/multierr"

	"phoenix/internal/broker"
	"phoenix/internal/failure"
	"phoenix/internal/logger"
	"phoenix/internal/metrics"
)

const (
	// Kind is the adapter kind name used in configuration documents
	Kind = "rabbitmq"

	// ErrorThreshold is the number of consecutive transport failures after
	// which an operation gives up with a MaxThresholdError
	ErrorThreshold = 3

	defaultLivenessInterval = time.Second
)

// Register adds the rabbitmq kind to reg
func Register(reg *broker.Registry) {
	reg.Register(Kind, func(log *logger.Logger, cfg broker.AdapterConfig) (broker.Adapter, error) {
		return New(log, cfg)
	})
}

// Option configures an Adapter
type Option func(*Adapter)

// WithDialer replaces the function used to open connections
func WithDialer(d Dialer) Option {
	return func(a *Adapter) {
		a.dialer = d
	}
}

// WithLivenessInterval sets how often connections are checked
func WithLivenessInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.livenessInterval = d
		}
	}
}

// WithIDGenerator replaces the message id generator
func WithIDGenerator(fn func() string) Option {
	return func(a *Adapter) {
		a.newID = fn
	}
}

// Adapter is a RabbitMQ input or output adapter. One connection is kept per
// virtual host, each with a normal and an error channel. All connection and
// channel state is guarded by mu.
type Adapter struct {
	logger      *logger.Logger
	conn        ConnectionSettings
	settings    Settings
	role        broker.Role
	environment string
	metrics     *metrics.Metrics
	tlsConfig   *tls.Config
	dialer      Dialer
	newID       func() string
	now         func() time.Time

	mu             sync.Mutex
	vhosts         map[string]*vhostState
	generation     uint64
	retryCount     int
	lastErrorQueue string

	lifeMu           sync.Mutex
	livenessInterval time.Duration
	livenessCancel   context.CancelFunc
	livenessDone     chan struct{}
}

// New validates cfg and creates an adapter. No connection is opened until
// Initialize.
func New(log *logger.Logger, cfg broker.AdapterConfig, opts ...Option) (*Adapter, error) {
	conn, settings, err := parseConfig(cfg)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		logger:           log.With("adapter", Kind, "role", string(cfg.Role), "queue", settings.QueueName),
		conn:             conn,
		settings:         settings,
		role:             cfg.Role,
		environment:      cfg.Environment,
		metrics:          cfg.Metrics,
		dialer:           Dial,
		newID:            uuid.NewString,
		now:              time.Now,
		vhosts:           make(map[string]*vhostState),
		livenessInterval: defaultLivenessInterval,
	}

	if conn.TLS.Enable {
		a.tlsConfig, err = broker.NewTLSConfig(conn.TLS)
		if err != nil {
			return nil, failure.Wrap(failure.KindConfiguration, err, "invalid rabbitmq tls settings")
		}
	}

	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Initialize opens the default virtual host connection, declares the
// configured topology on both channels and starts the liveness goroutine.
// Calling it again tears everything down and starts over.
func (a *Adapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	err := a.initializeLocked(ctx)
	a.mu.Unlock()
	if err != nil {
		return err
	}

	a.startLiveness()
	a.logger.Info("rabbitmq adapter initialized", "settings", a.settings.String())
	return nil
}

func (a *Adapter) initializeLocked(ctx context.Context) error {
	if err := a.closeAllLocked(); err != nil {
		a.logger.Debug("error while closing previous connections", "error", err)
	}

	vs, err := a.vhostLocked(a.settings.VirtualHost)
	if err != nil {
		return err
	}

	if a.settings.QueueName != "" {
		dest := a.configuredDestination()
		for _, p := range []purpose{purposeNormal, purposeError} {
			if _, err := a.declareLocked(vs, p, dest); err != nil {
				return fmt.Errorf("failed to declare %s topology: %w", p, err)
			}
		}
	}

	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, true)
	})
	return ctx.Err()
}

// reinitialize reopens every connection after a transport failure
func (a *Adapter) reinitialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncBrokerReconnects(Kind)
	})
	return a.initializeLocked(ctx)
}

// vhostLocked returns the open connection for vhost, dialing a new one when
// there is none
func (a *Adapter) vhostLocked(vhost string) (*vhostState, error) {
	if vs, ok := a.vhosts[vhost]; ok {
		if vs.open() {
			return vs, nil
		}
		delete(a.vhosts, vhost)
	}

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(fmt.Sprintf("phoenix-%s-%s", a.role, a.environment))

	conn, err := a.dialer(a.conn.uri(), amqp.Config{
		Vhost:           vhost,
		Heartbeat:       a.conn.heartbeat(),
		TLSClientConfig: a.tlsConfig,
		Properties:      props,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq virtual host %q: %w", vhost, err)
	}

	vs := &vhostState{conn: conn, channels: make(map[purpose]*channelState)}
	a.vhosts[vhost] = vs

	for _, p := range []purpose{purposeNormal, purposeError} {
		if _, err := a.openChannelLocked(vs, p); err != nil {
			_ = conn.Close()
			delete(a.vhosts, vhost)
			return nil, err
		}
	}

	a.logger.Debug("connected to rabbitmq", "vhost", vhost, "host", a.conn.Host)
	return vs, nil
}

// openChannelLocked replaces the channel for p with a fresh one in confirm
// mode
func (a *Adapter) openChannelLocked(vs *vhostState, p purpose) (*channelState, error) {
	if old := vs.channels[p]; old != nil && old.ch != nil && !old.ch.IsClosed() {
		_ = old.ch.Close()
	}
	delete(vs.channels, p)

	ch, err := vs.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s channel: %w", p, err)
	}
	if err := ch.Qos(a.settings.PrefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set qos on %s channel: %w", p, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable confirms on %s channel: %w", p, err)
	}

	a.generation++
	cs := &channelState{
		ch:         ch,
		generation: a.generation,
		confirms:   ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:    ch.NotifyReturn(make(chan amqp.Return, 1)),
	}
	vs.channels[p] = cs
	return cs, nil
}

// channelLocked returns the open channel for p, reopening it if it was closed
func (a *Adapter) channelLocked(vs *vhostState, p purpose) (*channelState, error) {
	if cs := vs.channels[p]; cs.open() {
		return cs, nil
	}
	return a.openChannelLocked(vs, p)
}

func (a *Adapter) closeAllLocked() error {
	var err error
	for vhost, vs := range a.vhosts {
		if cs := vs.channels[purposeNormal]; cs.open() && cs.consumerTag != "" {
			_ = cs.ch.Cancel(cs.consumerTag, false)
		}
		if vs.conn != nil && !vs.conn.IsClosed() {
			if cerr := vs.conn.Close(); cerr != nil && !errors.Is(cerr, amqp.ErrClosed) {
				err = multierr.Append(err, fmt.Errorf("failed to close connection to %q: %w", vhost, cerr))
			}
		}
	}
	a.vhosts = make(map[string]*vhostState)
	a.lastErrorQueue = ""
	return err
}

// Stop halts the liveness goroutine and closes every connection
func (a *Adapter) Stop() error {
	a.stopLiveness()

	a.mu.Lock()
	defer a.mu.Unlock()

	err := a.closeAllLocked()
	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, false)
	})
	a.logger.Info("rabbitmq connections closed")
	return err
}

func (a *Adapter) startLiveness() {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.livenessCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.livenessCancel = cancel
	a.livenessDone = make(chan struct{})
	go a.liveness(ctx, a.livenessDone)
}

func (a *Adapter) stopLiveness() {
	a.lifeMu.Lock()
	cancel, done := a.livenessCancel, a.livenessDone
	a.livenessCancel, a.livenessDone = nil, nil
	a.lifeMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// liveness drops dead connections and channels so the next operation
// recreates them, and keeps the connection gauge current. Heartbeats are
// serviced by the amqp091 reader goroutine of each connection.
func (a *Adapter) liveness(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkConnections()
		}
	}
}

func (a *Adapter) checkConnections() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for vhost, vs := range a.vhosts {
		if !vs.open() {
			a.logger.Warn("rabbitmq connection lost", "vhost", vhost)
			delete(a.vhosts, vhost)
			if vhost == a.settings.VirtualHost {
				a.lastErrorQueue = ""
			}
			continue
		}
		for p, cs := range vs.channels {
			if !cs.open() {
				a.logger.Debug("rabbitmq channel closed", "vhost", vhost, "channel", string(p))
				delete(vs.channels, p)
			}
		}
	}

	connected := a.vhosts[a.settings.VirtualHost].open()
	a.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(Kind, connected)
	})
}

// countFailure records a transport failure and reports whether the threshold
// was reached
func (a *Adapter) countFailure(msg string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.retryCount++
	if a.retryCount >= ErrorThreshold {
		return failure.MaxThreshold(a.retryCount, msg)
	}
	return nil
}

func (a *Adapter) resetRetries() {
	a.mu.Lock()
	a.retryCount = 0
	a.mu.Unlock()
}

// RetryCount returns the number of consecutive transport failures
func (a *Adapter) RetryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCount
}

func (a *Adapter) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if a.metrics != nil {
		fn(a.metrics)
	}
}
