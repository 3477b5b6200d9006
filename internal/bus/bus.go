// Package bus carries raw fragments from the page observer to the relay
// loop.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/metrics"
)

const (
	DefaultSize           = 256
	DefaultPublishTimeout = 10 * time.Second
)

// FragmentQueue is a bounded, single-consumer queue. Publish never blocks
// forever: when the queue stays full past the publish timeout the fragment
// is dropped.
type FragmentQueue struct {
	ch      chan string
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New creates a queue holding up to size fragments. Non-positive arguments
// use the defaults.
func New(size int, publishTimeout time.Duration, logger *slog.Logger) *FragmentQueue {
	if size <= 0 {
		size = DefaultSize
	}
	if publishTimeout <= 0 {
		publishTimeout = DefaultPublishTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FragmentQueue{
		ch:      make(chan string, size),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish enqueues fragment and reports whether it was accepted.
func (q *FragmentQueue) Publish(fragment string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("fragment published to closed queue")
		return false
	}
	metrics.FragmentsReceived.Inc()

	select {
	case q.ch <- fragment:
		metrics.QueueDepth.Set(int64(len(q.ch)))
		return true
	default:
	}

	q.logger.Warn("fragment queue full, waiting", "size", cap(q.ch))
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.ch <- fragment:
		metrics.QueueDepth.Set(int64(len(q.ch)))
		return true
	case <-timer.C:
		metrics.FragmentsDropped.Inc()
		q.logger.Error("fragment dropped: queue full", "waited", q.timeout)
		return false
	}
}

// C is the consumer side. It is closed by Close.
func (q *FragmentQueue) C() <-chan string {
	return q.ch
}

// Len reports the number of queued fragments.
func (q *FragmentQueue) Len() int { return len(q.ch) }

// Close stops accepting fragments. Queued fragments remain readable.
func (q *FragmentQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
