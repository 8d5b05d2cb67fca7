// Package node wires the codec, reassembly store, transport scheduler and
// recovery manager around one radio adapter and exposes them to the
// application as a single endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/user/auramesh/chunk"
	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/config"
	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/message"
	"github.com/user/auramesh/metrics"
	"github.com/user/auramesh/radio"
	"github.com/user/auramesh/reassembly"
	"github.com/user/auramesh/recovery"
	"github.com/user/auramesh/transport"
	"github.com/user/auramesh/util"
)

const (
	// AnomalyMalformedFrame is reported when a received unit cannot be decoded
	AnomalyMalformedFrame = "malformed_frame"
	// AnomalyDeliveryDropped is reported when an assembled message arrives
	// while no Run is draining a full delivery buffer
	AnomalyDeliveryDropped = "delivery_dropped"
)

// deliveryBuffer bounds assembled messages waiting for the dispatcher
const deliveryBuffer = 64

var (
	ErrAlreadyRunning = errors.New("node: already running")
	ErrClosed         = errors.New("node: closed")
)

// Option customizes a Node
type Option func(*options)

type options struct {
	clock    clock.Clock
	metrics  *metrics.Metrics
	registry prometheus.Registerer
	factory  logging.LoggerFactory
}

// WithClock drives every timer of the node from c
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetrics shares an existing collector set
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry creates the node's collectors and registers them with reg.
// Ignored when WithMetrics is also given.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// WithLoggerFactory replaces the default logger factory
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(o *options) { o.factory = f }
}

// Node is one messaging endpoint on the air
type Node struct {
	id      string
	name    string
	adapter radio.Adapter

	store     *reassembly.Store
	queue     *transport.Queue
	scheduler *transport.Scheduler
	recovery  *recovery.Manager

	sweepInterval time.Duration

	clock   clock.Clock
	metrics *metrics.Metrics
	log     logging.LeveledLogger

	seq        atomic.Int64
	running    atomic.Bool
	deliveries chan *message.Message
	done       chan struct{}
	closeOnce  sync.Once

	runMu sync.Mutex
	idle  chan struct{} // closed while no Run is active

	mu          sync.RWMutex
	onDelivered func(*message.Message)
	onFailed    func(messageID string)
	onState     func(peer string, state recovery.State)
	onRestored  func(peer string, success bool)
}

// New builds a node over adapter. A nil cfg uses config.Default.
func New(cfg *config.Config, adapter radio.Adapter, opts ...Option) (*Node, error) {
	if adapter == nil {
		return nil, errors.New("node: radio adapter is required")
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clock.New()
	}
	if o.metrics == nil && o.registry != nil {
		m, err := metrics.New(o.registry)
		if err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		o.metrics = m
	}

	id := cfg.Node.ID
	if id == "" {
		id = message.NewID()
	}
	if o.factory == nil {
		o.factory = logger.NewFactory(logger.ShortID(id))
	}

	maxPayload := cfg.Codec.MaxPayload
	if maxPayload == 0 {
		maxPayload = adapter.MaxPayload()
	}

	n := &Node{
		id:            id,
		name:          cfg.Node.Name,
		adapter:       adapter,
		sweepInterval: cfg.Reassembly.SweepInterval,
		clock:         o.clock,
		metrics:       o.metrics,
		log:           logger.For(o.factory, "node"),
		deliveries:    make(chan *message.Message, deliveryBuffer),
		done:          make(chan struct{}),
		idle:          make(chan struct{}),
	}
	close(n.idle)

	n.store = reassembly.NewStore(reassembly.Config{
		TTL:           cfg.Reassembly.TTL,
		MaxEntries:    cfg.Reassembly.MaxEntries,
		Clock:         o.clock,
		Metrics:       o.metrics,
		LoggerFactory: o.factory,
	})

	n.queue = transport.NewQueue(transport.QueueConfig{
		MaxRetryCount: cfg.Transport.MaxRetryCount,
		MaxQueued:     cfg.Transport.MaxQueued,
		PendingTTL:    cfg.Transport.PendingTTL,
		Metrics:       o.metrics,
	})

	scheduler, err := transport.NewScheduler(transport.SchedulerConfig{
		Radio:             adapter,
		Queue:             n.queue,
		MaxPayload:        maxPayload,
		ChunkDuration:     cfg.Transport.ChunkDuration,
		RetryDelay:        cfg.Transport.RetryDelay,
		RetryMaxDelay:     cfg.Transport.RetryMaxDelay,
		MaxShrinkAttempts: cfg.Transport.MaxShrinkAttempts,
		EventBuffer:       cfg.Transport.EventBuffer,
		Clock:             o.clock,
		Metrics:           o.metrics,
		LoggerFactory:     o.factory,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	n.scheduler = scheduler

	sessions, eventLog, err := openState(cfg, id, o)
	if err != nil {
		return nil, err
	}

	manager, err := recovery.NewManager(recovery.Config{
		Connector:      adapter,
		Sessions:       sessions,
		EventLog:       eventLog,
		MaxAttempts:    cfg.Recovery.MaxAttempts,
		BaseDelay:      cfg.Recovery.BaseDelay,
		MaxDelay:       cfg.Recovery.MaxDelay,
		ConnectTimeout: cfg.Recovery.ConnectTimeout,
		Clock:          o.clock,
		Metrics:        o.metrics,
		LoggerFactory:  o.factory,
	})
	if err != nil {
		return nil, fmt.Errorf("node: %w", err)
	}
	n.recovery = manager

	adapter.OnReceive(n.handleFrame)
	adapter.OnRadioState(n.handleRadioState)

	n.log.Infof("node %s ready (max payload %d bytes, %d saved sessions)", id, maxPayload, sessions.Len())
	return n, nil
}

// openState resolves the on-disk session store and lifecycle log. Both stay
// in memory unless enabled in cfg.
func openState(cfg *config.Config, id string, o *options) (*recovery.SessionStore, *recovery.EventLog, error) {
	if !cfg.Recovery.PersistSessions && !cfg.Recovery.EventLog {
		return recovery.NewSessionStore(""), nil, nil
	}

	base := cfg.Data.Dir
	if base == "" {
		dir, err := util.GetDataDir()
		if err != nil {
			return nil, nil, err
		}
		base = dir
	}
	nodeDir, err := util.GetNodeDir(base, id)
	if err != nil {
		return nil, nil, err
	}

	sessions := recovery.NewSessionStore("")
	if cfg.Recovery.PersistSessions {
		sessions = recovery.NewSessionStore(util.SessionsPath(nodeDir))
		if err := sessions.LoadFromDisk(); err != nil {
			return nil, nil, fmt.Errorf("node: load sessions: %w", err)
		}
	}

	var eventLog *recovery.EventLog
	if cfg.Recovery.EventLog {
		eventLog = recovery.NewEventLog(util.ConnectionEventsPath(nodeDir), o.clock, o.factory)
	}
	return sessions, eventLog, nil
}

// ID is the sender id stamped on this node's messages
func (n *Node) ID() string { return n.id }

// Name is the configured display name
func (n *Node) Name() string { return n.name }

// OnMessageDelivered registers the callback for fully reassembled messages
func (n *Node) OnMessageDelivered(fn func(*message.Message)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onDelivered = fn
}

// OnMessageFailed registers the callback for outbound messages that failed
// or expired
func (n *Node) OnMessageFailed(fn func(messageID string)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onFailed = fn
}

// OnConnectionStateChanged registers the callback for peer state changes
func (n *Node) OnConnectionStateChanged(fn func(peer string, state recovery.State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onState = fn
}

// OnSessionRestored registers the callback for session restoration results
func (n *Node) OnSessionRestored(fn func(peer string, success bool)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onRestored = fn
}

// SendMessage queues content for broadcast and returns the new message id.
// It never waits for the radio.
func (n *Node) SendMessage(content []byte, kind message.Kind) (string, error) {
	select {
	case <-n.done:
		return "", ErrClosed
	default:
	}

	msg := message.New(n.id, content, kind, n.seq.Add(1), n.clock.Now())
	if err := n.queue.Enqueue(msg); err != nil {
		return "", err
	}
	n.scheduler.Wake()
	n.log.Debugf("queued %s message %s (%d bytes)", kind, msg.ID, len(content))
	return msg.ID, nil
}

// SendAck broadcasts an acknowledgement carrying messageID. Acks travel the
// same pipeline as chat messages.
func (n *Node) SendAck(messageID string) (string, error) {
	return n.SendMessage([]byte(messageID), message.KindAck)
}

// ConnectPeer starts a direct connection to addr
func (n *Node) ConnectPeer(addr string) error {
	return n.recovery.ConnectPeer(addr)
}

// DisconnectPeer closes the connection to addr and stops reconnecting it
func (n *Node) DisconnectPeer(addr string) {
	n.recovery.DisconnectPeer(addr)
}

// ForgetPeer disconnects addr and drops its saved session
func (n *Node) ForgetPeer(addr string) {
	n.recovery.ForgetPeer(addr)
}

// SaveSession records the subscriptions to restore after reconnecting addr
func (n *Node) SaveSession(addr, name string, services []recovery.ServiceDescriptor) error {
	return n.recovery.SaveSession(addr, name, services)
}

// Session returns the saved session for addr, or nil
func (n *Node) Session(addr string) *recovery.Session {
	return n.recovery.Session(addr)
}

// ConnectionState returns the connection state of addr
func (n *Node) ConnectionState(addr string) recovery.State {
	return n.recovery.State(addr)
}

// DiscoveredServices returns what the current connection to addr exposes
func (n *Node) DiscoveredServices(addr string) []radio.Service {
	return n.recovery.DiscoveredServices(addr)
}

// Pending reports whether an outbound message is still queued or in flight
func (n *Node) Pending(messageID string) bool {
	return n.queue.Get(messageID) != nil
}

// Run drives the scheduler, the periodic sweep and the callback dispatcher
// until ctx is done. Callbacks are invoked on the goroutine calling Run.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer n.running.Store(false)

	n.runMu.Lock()
	n.idle = make(chan struct{})
	idle := n.idle
	n.runMu.Unlock()
	defer close(idle)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-n.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		n.scheduler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		n.sweepLoop(ctx)
	}()

	n.log.Info("node running")
	n.dispatch(ctx)
	wg.Wait()
	n.log.Info("node stopped")
	return nil
}

// Sweep drops expired partial messages, dedup records and outbound messages
func (n *Node) Sweep(ctx context.Context) {
	now := n.clock.Now()
	res := n.store.SweepExpired(now)
	expired := n.scheduler.SweepExpired(ctx, now)
	if res.Dedup+res.Entries+expired > 0 {
		n.log.Debugf("sweep removed %d dedup records, %d partial and %d outbound messages",
			res.Dedup, res.Entries, expired)
	}
}

func (n *Node) sweepLoop(ctx context.Context) {
	for {
		if err := clock.Sleep(ctx, n.clock, n.sweepInterval); err != nil {
			return
		}
		n.Sweep(ctx)
	}
}

func (n *Node) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-n.deliveries:
			n.mu.RLock()
			fn := n.onDelivered
			n.mu.RUnlock()
			if fn != nil {
				fn(msg)
			}

		case ev := <-n.scheduler.Events():
			n.handleTransportEvent(ev)

		case ev := <-n.recovery.Events():
			n.handleRecoveryEvent(ev)
		}
	}
}

func (n *Node) handleTransportEvent(ev transport.Event) {
	switch ev.Type {
	case transport.EventSent:
		n.log.Debugf("message %s sent in %d parts", ev.MessageID, ev.Parts)
	case transport.EventRetry:
		n.log.Tracef("message %s retry %d: %v", ev.MessageID, ev.RetryCount, ev.Err)
	case transport.EventFailed, transport.EventExpired:
		n.mu.RLock()
		fn := n.onFailed
		n.mu.RUnlock()
		if fn != nil {
			fn(ev.MessageID)
		}
	}
}

func (n *Node) handleRecoveryEvent(ev recovery.Event) {
	n.mu.RLock()
	onState, onRestored := n.onState, n.onRestored
	n.mu.RUnlock()

	switch ev.Type {
	case recovery.EventStateChanged:
		if onState != nil {
			onState(ev.Peer, ev.State)
		}
	case recovery.EventSessionRestored:
		if onRestored != nil {
			onRestored(ev.Peer, ev.Success)
		}
	}
}

// handleFrame is the adapter receive callback
func (n *Node) handleFrame(frame []byte, from string) {
	part, err := chunk.Decode(frame)
	if err != nil {
		n.log.Warnf("dropping frame from %s: %v", logger.ShortID(from), err)
		n.metrics.Anomaly(AnomalyMalformedFrame)
		return
	}
	if part.Sender == n.id {
		n.log.Tracef("ignoring own echo of message %s", part.MessageID)
		return
	}
	part.From = from
	logger.TraceValue(n.log, "received part", part)

	msg := n.store.Ingest(part)
	if msg == nil {
		return
	}

	n.log.Debugf("delivered message %s from %s (%d bytes)", msg.ID, logger.ShortID(msg.Sender), len(msg.Content))
	select {
	case n.deliveries <- msg:
		return
	default:
	}

	n.runMu.Lock()
	idle := n.idle
	n.runMu.Unlock()

	select {
	case n.deliveries <- msg:
	case <-idle:
		n.log.Warnf("delivery buffer full and node not running, dropping message %s", msg.ID)
		n.metrics.Anomaly(AnomalyDeliveryDropped)
	case <-n.done:
	}
}

func (n *Node) handleRadioState(enabled bool) {
	n.recovery.HandleRadioState(enabled)
	if enabled {
		n.scheduler.Wake()
	}
}

// Close stops Run and cancels every pending connection attempt and timer
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.recovery.Close()
	})
}
