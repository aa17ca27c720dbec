package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is one message held by a Hub queue
type Entry struct {
	Payload []byte
	Headers map[string]interface{}
}

// Hub is a set of named in-process queues shared by memory adapters
type Hub struct {
	mu     sync.Mutex
	queues map[string]*queue
}

type queue struct {
	entries  []Entry
	inFlight int
	signal   chan struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{queues: make(map[string]*queue)}
}

func (h *Hub) queueLocked(name string) *queue {
	q, ok := h.queues[name]
	if !ok {
		q = &queue{signal: make(chan struct{}, 1)}
		h.queues[name] = q
	}
	return q
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Publish appends an entry to the named queue
func (h *Hub) Publish(name string, e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	q := h.queueLocked(name)
	q.entries = append(q.entries, e)
	q.notify()
}

// Pop waits up to timeout for the head of the named queue. The entry stays
// in flight until Settle or Requeue.
func (h *Hub) Pop(ctx context.Context, name string, timeout time.Duration) (Entry, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		h.mu.Lock()
		q := h.queueLocked(name)
		if len(q.entries) > 0 {
			e := q.entries[0]
			q.entries = q.entries[1:]
			q.inFlight++
			if len(q.entries) > 0 {
				q.notify()
			}
			h.mu.Unlock()
			return e, true, nil
		}
		signal := q.signal
		h.mu.Unlock()

		select {
		case <-signal:
		case <-timer.C:
			return Entry{}, false, nil
		case <-ctx.Done():
			return Entry{}, false, ctx.Err()
		}
	}
}

// Settle marks an in-flight entry of the named queue as done
func (h *Hub) Settle(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if q := h.queueLocked(name); q.inFlight > 0 {
		q.inFlight--
	}
}

// Requeue puts an in-flight entry back at the head of the named queue
func (h *Hub) Requeue(name string, e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	q := h.queueLocked(name)
	if q.inFlight > 0 {
		q.inFlight--
	}
	q.entries = append([]Entry{e}, q.entries...)
	q.notify()
}

// Entries returns a snapshot of the entries waiting in the named queue
func (h *Hub) Entries(name string) []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	q, ok := h.queues[name]
	if !ok {
		return nil
	}
	return append([]Entry(nil), q.entries...)
}

// InFlight returns the number of popped but unsettled entries
func (h *Hub) InFlight(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if q, ok := h.queues[name]; ok {
		return q.inFlight
	}
	return 0
}

// Queues returns the names of every queue that has been used
func (h *Hub) Queues() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
