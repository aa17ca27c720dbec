package metrics

import (
	"sync"
	"time"
)

// Heartbeat periodically stamps the epoch gauge so a scraper can tell a live
// but idle instance from a hung one. The metrics may be nil when only the
// beat hooks are wanted.
type Heartbeat struct {
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	hooks   []func(time.Time)
	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// NewHeartbeat creates a heartbeat that fires every interval
func NewHeartbeat(m *Metrics, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Heartbeat{
		metrics:  m,
		interval: interval,
		now:      time.Now,
	}
}

// OnBeat adds fn to the calls made on every beat
func (h *Heartbeat) OnBeat(fn func(time.Time)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hooks = append(h.hooks, fn)
}

// Start begins stamping. Calling Start on a running heartbeat is a no-op.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.done = make(chan struct{})

	go h.run(h.stopCh, h.done)
}

func (h *Heartbeat) run(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.beat()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

func (h *Heartbeat) beat() {
	now := h.now()
	if h.metrics != nil {
		h.metrics.SetEpoch(now)
	}

	h.mu.Lock()
	hooks := append(([]func(time.Time))(nil), h.hooks...)
	h.mu.Unlock()

	for _, fn := range hooks {
		fn(now)
	}
}

// Stop halts the heartbeat and waits for its goroutine to exit
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stopCh)
	done := h.done
	h.mu.Unlock()

	<-done
}

// Running reports whether the heartbeat goroutine is active
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}
