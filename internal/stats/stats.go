package stats

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// StatsCollector tracks per-process message statistics for the controller
type StatsCollector struct {
	StartTime         time.Time
	MessagesReceived  uint64
	MessagesProcessed uint64
	MessagesFailed    uint64
	MessagesRejected  uint64
	Errors            uint64
	Restarts          uint64

	mu         sync.RWMutex
	LastUpdate time.Time
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	now := time.Now()
	return &StatsCollector{
		StartTime:  now,
		LastUpdate: now,
	}
}

func (s *StatsCollector) touch() {
	s.mu.Lock()
	s.LastUpdate = time.Now()
	s.mu.Unlock()
}

// IncReceived counts a message pulled from the input adapter
func (s *StatsCollector) IncReceived() {
	atomic.AddUint64(&s.MessagesReceived, 1)
	s.touch()
}

// IncProcessed counts a successfully completed iteration
func (s *StatsCollector) IncProcessed() {
	atomic.AddUint64(&s.MessagesProcessed, 1)
	s.touch()
}

// IncFailed counts a message routed to an error destination and acknowledged
func (s *StatsCollector) IncFailed() {
	atomic.AddUint64(&s.MessagesFailed, 1)
	s.touch()
}

// IncRejected counts a poison message handed back to the broker
func (s *StatsCollector) IncRejected() {
	atomic.AddUint64(&s.MessagesRejected, 1)
	s.touch()
}

// IncErrors counts an error that escaped an iteration
func (s *StatsCollector) IncErrors() {
	atomic.AddUint64(&s.Errors, 1)
	s.touch()
}

// IncRestarts counts a configuration-driven restart
func (s *StatsCollector) IncRestarts() {
	atomic.AddUint64(&s.Restarts, 1)
	s.touch()
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() map[string]interface{} {
	s.mu.RLock()
	lastUpdate := s.LastUpdate
	s.mu.RUnlock()

	return map[string]interface{}{
		"uptime":             time.Since(s.StartTime).String(),
		"messages_received":  atomic.LoadUint64(&s.MessagesReceived),
		"messages_processed": atomic.LoadUint64(&s.MessagesProcessed),
		"messages_failed":    atomic.LoadUint64(&s.MessagesFailed),
		"messages_rejected":  atomic.LoadUint64(&s.MessagesRejected),
		"errors":             atomic.LoadUint64(&s.Errors),
		"restarts":           atomic.LoadUint64(&s.Restarts),
		"last_update":        lastUpdate,
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate calculates message processing rate
func (s *StatsCollector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesProcessed)) / uptime
}
