// Package transport serializes outbound messages onto the single shared
// broadcast resource, one chunk at a time, with retry and shrink policies for
// radio failures.
package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/auramesh/message"
	"github.com/user/auramesh/metrics"
)

const (
	// DefaultMaxRetryCount is how many transient failures a message survives
	DefaultMaxRetryCount = 3

	// DefaultMaxQueued caps messages waiting for the broadcast slot
	DefaultMaxQueued = 128

	// DefaultPendingTTL abandons outbound messages older than this
	DefaultPendingTTL = 5 * time.Minute
)

var (
	ErrQueueFull   = errors.New("transport: queue full")
	ErrDuplicateID = errors.New("transport: message id already queued")
	ErrNilMessage  = errors.New("transport: nil message")
)

// Queue is the FIFO of outbound messages plus the pending map of messages
// popped for transmission but not yet terminal. It is the only place a
// message's Status and RetryCount change; callers get snapshots.
type Queue struct {
	mu       sync.Mutex
	fifo     []*message.Message
	pending  map[string]*message.Message
	queued   map[string]bool
	maxRetry int
	maxQueue int
	ttl      time.Duration
	metrics  *metrics.Metrics
}

// QueueConfig configures a Queue
type QueueConfig struct {
	MaxRetryCount int
	MaxQueued     int
	PendingTTL    time.Duration
	Metrics       *metrics.Metrics
}

// NewQueue creates an empty queue
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.MaxRetryCount < 0 {
		cfg.MaxRetryCount = 0
	}
	if cfg.MaxQueued <= 0 {
		cfg.MaxQueued = DefaultMaxQueued
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	return &Queue{
		pending:  make(map[string]*message.Message),
		queued:   make(map[string]bool),
		maxRetry: cfg.MaxRetryCount,
		maxQueue: cfg.MaxQueued,
		ttl:      cfg.PendingTTL,
		metrics:  cfg.Metrics,
	}
}

// Enqueue appends msg to the FIFO
func (q *Queue) Enqueue(msg *message.Message) error {
	if msg == nil {
		return ErrNilMessage
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.queued[msg.ID] || q.pending[msg.ID] != nil {
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	if len(q.fifo)+len(q.pending) >= q.maxQueue {
		return fmt.Errorf("%w (%d messages)", ErrQueueFull, q.maxQueue)
	}

	m := msg.Clone()
	m.Status = message.StatusPending
	q.fifo = append(q.fifo, m)
	q.queued[m.ID] = true
	q.metrics.SetQueued(len(q.fifo))
	return nil
}

// DequeueNext pops the oldest message, marks it Sending and tracks it in the
// pending map. Returns nil when the FIFO is empty.
func (q *Queue) DequeueNext() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.fifo) == 0 {
		return nil
	}

	m := q.fifo[0]
	q.fifo[0] = nil
	q.fifo = q.fifo[1:]
	delete(q.queued, m.ID)

	m.Status = message.StatusSending
	q.pending[m.ID] = m
	q.metrics.SetQueued(len(q.fifo))
	return m.Clone()
}

// MarkSending flips a pending message back to Sending before a retry
func (q *Queue) MarkSending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.pending[id]
	if ok {
		m.Status = message.StatusSending
	}
	return ok
}

// MarkSent records that every chunk of id was accepted by the radio and
// removes it from the pending map. Returns the final snapshot.
func (q *Queue) MarkSent(id string) *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.pending[id]
	if !ok {
		return nil
	}
	m.Status = message.StatusSent
	delete(q.pending, id)
	return m.Clone()
}

// MarkFailed records one transient failure. It reports whether the message
// may be retried; once RetryCount exceeds the limit the message is Failed and
// removed from the pending map.
func (q *Queue) MarkFailed(id string) (retryable bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.pending[id]
	if !ok {
		return false
	}

	m.RetryCount++
	if m.RetryCount > q.maxRetry {
		m.Status = message.StatusFailed
		delete(q.pending, id)
		return false
	}
	m.Status = message.StatusPending
	return true
}

// Fail marks id Failed immediately, regardless of retries left
func (q *Queue) Fail(id string) *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	m, ok := q.pending[id]
	if !ok {
		return nil
	}
	m.Status = message.StatusFailed
	delete(q.pending, id)
	return m.Clone()
}

// Get returns a snapshot of a pending message
func (q *Queue) Get(id string) *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[id].Clone()
}

// IsPending reports whether id is still being transmitted
func (q *Queue) IsPending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[id]
	return ok
}

// SweepExpired abandons queued and pending messages created more than the
// pending TTL before now. Abandoned messages are returned with status Failed.
func (q *Queue) SweepExpired(now time.Time) []*message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*message.Message

	kept := q.fifo[:0]
	for _, m := range q.fifo {
		if now.Sub(m.Timestamp) > q.ttl {
			m.Status = message.StatusFailed
			delete(q.queued, m.ID)
			expired = append(expired, m.Clone())
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.fifo); i++ {
		q.fifo[i] = nil
	}
	q.fifo = kept

	for id, m := range q.pending {
		if now.Sub(m.Timestamp) > q.ttl {
			m.Status = message.StatusFailed
			delete(q.pending, id)
			expired = append(expired, m.Clone())
		}
	}

	q.metrics.SetQueued(len(q.fifo))
	return expired
}

// Len returns the number of messages waiting in the FIFO
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// PendingLen returns the number of messages popped but not yet terminal
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
