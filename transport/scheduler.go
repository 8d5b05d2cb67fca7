package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pion/logging"

	"github.com/user/auramesh/chunk"
	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/message"
	"github.com/user/auramesh/metrics"
	"github.com/user/auramesh/radio"
)

const (
	DefaultChunkDuration     = 300 * time.Millisecond
	DefaultRetryDelay        = 200 * time.Millisecond
	DefaultRetryMaxDelay     = 2 * time.Second
	DefaultMaxShrinkAttempts = 2
	DefaultEventBuffer       = 64
)

// ErrPayloadTooLarge is reported when shrinking the chunk size did not help
var ErrPayloadTooLarge = errors.New("transport: payload too large after shrinking")

// SchedulerConfig configures a Scheduler. Durations are used as given, so a
// zero ChunkDuration or RetryDelay disables that wait; start from
// DefaultSchedulerConfig for radio timings.
type SchedulerConfig struct {
	Radio radio.Broadcaster
	Queue *Queue

	MaxPayload        int
	ChunkDuration     time.Duration
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	MaxShrinkAttempts int
	EventBuffer       int

	Clock         clock.Clock
	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

// DefaultSchedulerConfig returns the observed radio timings
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		ChunkDuration:     DefaultChunkDuration,
		RetryDelay:        DefaultRetryDelay,
		RetryMaxDelay:     DefaultRetryMaxDelay,
		MaxShrinkAttempts: DefaultMaxShrinkAttempts,
		EventBuffer:       DefaultEventBuffer,
	}
}

// Scheduler drains the queue chunk by chunk through the single broadcast
// slot. At most one chunk is on air at any time, across every caller.
type Scheduler struct {
	radio radio.Broadcaster
	queue *Queue

	maxPayload    int
	chunkDuration time.Duration
	retryDelay    time.Duration
	retryMaxDelay time.Duration
	maxShrink     int

	slot         chan struct{}
	broadcasting atomic.Bool
	wake         chan struct{}
	events       chan Event

	clock   clock.Clock
	metrics *metrics.Metrics
	log     logging.LeveledLogger
}

// NewScheduler creates a scheduler. Radio and Queue are required.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Radio == nil || cfg.Queue == nil {
		return nil, errors.New("transport: scheduler needs a radio and a queue")
	}
	if cfg.MaxPayload < 1 {
		return nil, chunk.ErrInvalidPayloadSize
	}
	if cfg.MaxShrinkAttempts < 0 {
		cfg.MaxShrinkAttempts = 0
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.RetryMaxDelay < cfg.RetryDelay {
		cfg.RetryMaxDelay = cfg.RetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Scheduler{
		radio:         cfg.Radio,
		queue:         cfg.Queue,
		maxPayload:    cfg.MaxPayload,
		chunkDuration: cfg.ChunkDuration,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
		maxShrink:     cfg.MaxShrinkAttempts,
		slot:          make(chan struct{}, 1),
		wake:          make(chan struct{}, 1),
		events:        make(chan Event, cfg.EventBuffer),
		clock:         cfg.Clock,
		metrics:       cfg.Metrics,
		log:           logger.For(cfg.LoggerFactory, "transport"),
	}, nil
}

// Events returns the stream of outbound message outcomes
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// Broadcasting reports whether a chunk currently holds the slot
func (s *Scheduler) Broadcasting() bool {
	return s.broadcasting.Load()
}

// Wake nudges Run after an Enqueue. Never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue whenever woken, until ctx is done
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Debug("scheduler started")
	defer s.log.Debug("scheduler stopped")

	for {
		for ctx.Err() == nil && s.SendNext(ctx) {
		}

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// SendNext pops the oldest queued message and transmits it end to end.
// Returns false when the queue was empty.
func (s *Scheduler) SendNext(ctx context.Context) bool {
	msg := s.queue.DequeueNext()
	if msg == nil {
		return false
	}
	s.send(ctx, msg)
	return true
}

// SweepExpired abandons outbound messages older than the pending TTL and
// publishes an EventExpired for each
func (s *Scheduler) SweepExpired(ctx context.Context, now time.Time) int {
	expired := s.queue.SweepExpired(now)
	for _, m := range expired {
		s.log.Infof("message %s expired after %d retries", m.ID, m.RetryCount)
		s.metrics.Message("expired")
		s.emit(ctx, Event{Type: EventExpired, MessageID: m.ID, RetryCount: m.RetryCount})
	}
	return len(expired)
}

func (s *Scheduler) send(ctx context.Context, msg *message.Message) {
	budget := s.maxPayload
	parts, err := chunk.Split(msg, budget)
	if err != nil {
		s.fail(ctx, msg, err)
		return
	}

	s.log.Debugf("sending message %s (%d bytes, %d parts)", msg.ID, len(msg.Content), len(parts))

	retry := s.newBackOff()
	shrinks := 0

	// wire carries the id the parts go out under; onAir counts parts the
	// radio accepted under that id
	wire := msg
	onAir := 0

	for i := 0; i < len(parts); {
		if !s.queue.IsPending(msg.ID) {
			s.log.Debugf("message %s abandoned before part %d", msg.ID, i)
			return
		}

		err := s.transmit(ctx, chunk.Encode(parts[i]))
		if ctx.Err() != nil {
			s.fail(ctx, msg, ctx.Err())
			return
		}

		outcome := radio.Classify(err)
		s.metrics.Chunk(outcome.String())

		switch outcome {
		case radio.OutcomeOK:
			s.log.Tracef("message %s: part %d/%d on air", msg.ID, i+1, len(parts))
			onAir++
			i++

		case radio.OutcomeBusy:
			s.log.Debugf("message %s: radio already broadcasting, continuing with part %d", msg.ID, i+1)
			onAir++
			i++

		case radio.OutcomeTooLarge:
			shrinks++
			if shrinks > s.maxShrink || budget <= 1 {
				s.log.Warnf("message %s: still too large at %d bytes per part", msg.ID, budget)
				s.fail(ctx, msg, ErrPayloadTooLarge)
				return
			}
			budget /= 2
			if onAir > 0 {
				// Receivers keep the part count they saw first, so a re-split
				// under the same id could never complete.
				wire = msg.Clone()
				wire.ID = message.NewID()
				onAir = 0
				s.log.Debugf("message %s: %d parts already on air, resending as %s", msg.ID, i, wire.ID)
			}
			parts, err = chunk.Split(wire, budget)
			if err != nil {
				s.fail(ctx, msg, err)
				return
			}
			s.log.Debugf("message %s: shrinking to %d bytes per part (%d parts)", msg.ID, budget, len(parts))
			i = 0

		default:
			if !s.queue.MarkFailed(msg.ID) {
				msg.RetryCount++
				s.log.Warnf("message %s failed after %d retries: %v", msg.ID, msg.RetryCount-1, err)
				s.metrics.Message("failed")
				s.emit(ctx, Event{Type: EventFailed, MessageID: msg.ID, RetryCount: msg.RetryCount, Err: err})
				return
			}
			msg.RetryCount++

			delay := retry.NextBackOff()
			s.log.Debugf("message %s: part %d failed (%v), retry %d in %v", msg.ID, i, err, msg.RetryCount, delay)
			s.emit(ctx, Event{Type: EventRetry, MessageID: msg.ID, RetryCount: msg.RetryCount, Err: err})

			if err := clock.Sleep(ctx, s.clock, delay); err != nil {
				s.fail(ctx, msg, err)
				return
			}
			if !s.queue.MarkSending(msg.ID) {
				s.log.Debugf("message %s abandoned while waiting to retry", msg.ID)
				return
			}
		}
	}

	sent := s.queue.MarkSent(msg.ID)
	if sent == nil {
		return
	}
	s.log.Debugf("message %s sent (%d parts)", msg.ID, len(parts))
	s.metrics.Message("sent")
	s.emit(ctx, Event{Type: EventSent, MessageID: msg.ID, Parts: len(parts), RetryCount: sent.RetryCount})
}

// transmit puts one frame on air. The slot is held for the chunk duration
// whatever the radio reported.
func (s *Scheduler) transmit(ctx context.Context, frame []byte) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.broadcasting.Store(true)
	defer func() {
		s.broadcasting.Store(false)
		<-s.slot
	}()

	err := s.radio.Transmit(ctx, frame)
	_ = clock.Sleep(ctx, s.clock, s.chunkDuration)
	switch radio.Classify(err) {
	case radio.OutcomeOK, radio.OutcomeBusy:
		s.radio.StopTransmit()
	}
	return err
}

func (s *Scheduler) fail(ctx context.Context, msg *message.Message, err error) {
	failed := s.queue.Fail(msg.ID)
	if failed == nil {
		return
	}
	s.log.Warnf("message %s failed: %v", msg.ID, err)
	s.metrics.Message("failed")
	s.emit(ctx, Event{Type: EventFailed, MessageID: msg.ID, RetryCount: failed.RetryCount, Err: err})
}

func (s *Scheduler) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryDelay
	b.Multiplier = 2
	b.MaxInterval = s.retryMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = s.clock
	b.Reset()
	return b
}

// emit publishes ev, blocking while the buffer is full unless ctx is done
func (s *Scheduler) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-ctx.Done():
		s.log.Warnf("dropping %s event for %s", ev.Type, ev.MessageID)
	}
}
