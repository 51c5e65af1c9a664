package observe

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Signal is one telemetry event produced inside a worker and forwarded to
// the supervisor over the control channel, where it is recorded against the
// supervisor's exporter. Workers never export directly.
type Signal struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// DefaultFlushBudget bounds how long a final drain may take when the worker
// is going down on a fatal error.
const DefaultFlushBudget = time.Second

// Queue buffers signals on the worker side until a forwarder drains them.
// Enqueue never blocks; when the buffer is full the signal is dropped and
// logged. Delivery is at-least-once from the forwarder's perspective.
type Queue struct {
	mu      sync.Mutex
	buf     []Signal
	max     int
	closed  bool
	pending chan struct{}
}

// QueueOption configures a [Queue].
type QueueOption func(*Queue)

// WithQueueCapacity sets the maximum number of buffered signals. The default
// is 1024.
func WithQueueCapacity(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.max = n
		}
	}
}

// NewQueue creates an empty telemetry queue.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		max:     1024,
		pending: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue adds a signal to the queue. Signals without a timestamp are
// stamped with the current time.
func (q *Queue) Enqueue(s Signal) {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if len(q.buf) >= q.max {
		q.mu.Unlock()
		slog.Warn("telemetry queue full, dropping signal", "signal", s.Name)
		return
	}
	q.buf = append(q.buf, s)
	q.mu.Unlock()

	select {
	case q.pending <- struct{}{}:
	default:
	}
}

// Drain removes and returns all buffered signals. It returns nil when the
// queue is empty.
func (q *Queue) Drain() []Signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// Wait blocks until at least one signal is buffered, the queue closes, or
// ctx is done. It returns false when no further signals will arrive.
func (q *Queue) Wait(ctx context.Context) bool {
	q.mu.Lock()
	buffered, closed := len(q.buf) > 0, q.closed
	q.mu.Unlock()
	if buffered {
		return true
	}
	if closed {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case _, ok := <-q.pending:
		return ok
	}
}

// Close marks the queue closed. Buffered signals remain drainable; further
// Enqueue calls are ignored.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.pending)
}

// Flush drains the queue and hands every signal to send, stopping early when
// budget elapses. Send errors drop the signal with an error log; delivery is
// best effort on the way down.
func (q *Queue) Flush(budget time.Duration, send func(Signal) error) {
	deadline := time.Now().Add(budget)
	for _, s := range q.Drain() {
		if time.Now().After(deadline) {
			slog.Warn("telemetry flush budget exhausted")
			return
		}
		if err := send(s); err != nil {
			slog.Error("telemetry flush: send failed", "signal", s.Name, "err", err)
		}
	}
}
