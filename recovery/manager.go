package recovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/logging"

	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/metrics"
	"github.com/user/auramesh/radio"
)

const (
	DefaultMaxAttempts    = 5
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// ErrEmptyAddress is returned for operations without a peer address
var ErrEmptyAddress = errors.New("recovery: empty peer address")

// Config configures a Manager
type Config struct {
	Connector radio.Connector

	// Sessions defaults to an in-memory store
	Sessions *SessionStore
	// EventLog is optional
	EventLog *EventLog

	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	ConnectTimeout time.Duration

	Clock         clock.Clock
	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

// peer is the connection state of one remote address. Every field is
// guarded by mu. gen increases whenever the current attempt is abandoned;
// stream events and timers carrying an older gen are ignored.
type peer struct {
	addr string

	mu        sync.Mutex
	state     State
	gen       uint64
	attempt   int
	cancel    context.CancelFunc
	reconnect clock.Timer
	watchdog  clock.Timer
	services  []radio.Service
	explicit  bool
}

// Manager runs the per-peer connection state machines
type Manager struct {
	conn      radio.Connector
	sessions  *SessionStore
	lifecycle *EventLog

	maxAttempts    int
	baseDelay      time.Duration
	maxDelay       time.Duration
	connectTimeout time.Duration

	clock   clock.Clock
	metrics *metrics.Metrics
	log     logging.LeveledLogger

	mu       sync.Mutex
	peers    map[string]*peer
	radioOff atomic.Bool

	ctx  context.Context
	stop context.CancelFunc

	out       chan Event
	pendingMu sync.Mutex
	pending   []Event
	signal    chan struct{}
}

// NewManager creates a manager. Close releases its timers and goroutines.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Connector == nil {
		return nil, errors.New("recovery: manager needs a connector")
	}
	if cfg.Sessions == nil {
		cfg.Sessions = NewSessionStore("")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	ctx, stop := context.WithCancel(context.Background())
	m := &Manager{
		conn:           cfg.Connector,
		sessions:       cfg.Sessions,
		lifecycle:      cfg.EventLog,
		maxAttempts:    cfg.MaxAttempts,
		baseDelay:      cfg.BaseDelay,
		maxDelay:       cfg.MaxDelay,
		connectTimeout: cfg.ConnectTimeout,
		clock:          cfg.Clock,
		metrics:        cfg.Metrics,
		log:            logger.For(cfg.LoggerFactory, "recovery"),
		peers:          make(map[string]*peer),
		ctx:            ctx,
		stop:           stop,
		out:            make(chan Event, 16),
		signal:         make(chan struct{}, 1),
	}
	go m.pump()
	return m, nil
}

// Events returns the stream of state changes and session restorations
func (m *Manager) Events() <-chan Event {
	return m.out
}

// Sessions returns the backing session store
func (m *Manager) Sessions() *SessionStore {
	return m.sessions
}

// Close cancels every attempt and timer
func (m *Manager) Close() {
	m.stop()
	for _, p := range m.snapshot() {
		p.mu.Lock()
		m.invalidateLocked(p)
		p.mu.Unlock()
	}
}

// ConnectPeer starts a user-initiated connection to addr. It preempts any
// pending reconnect for the peer and resets its attempt count.
func (m *Manager) ConnectPeer(addr string) error {
	if addr == "" {
		return ErrEmptyAddress
	}
	if m.radioOff.Load() {
		return radio.ErrRadioOff
	}

	p := m.peer(addr)
	p.mu.Lock()
	if p.state.Active() {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", radio.ErrAlreadyConnected, addr, state)
	}
	p.explicit = false
	p.attempt = 0
	gen, ctx := m.beginAttemptLocked(p)
	p.mu.Unlock()

	m.log.Infof("connecting to %s", addr)
	return m.dial(ctx, p, gen)
}

// DisconnectPeer cancels any attempt or reconnect, releases the connection
// and parks the peer in StateIdle. The session is kept, but the peer is not
// reconnected automatically until ConnectPeer is called again.
func (m *Manager) DisconnectPeer(addr string) {
	m.release(addr)
}

// ForgetPeer disconnects addr and drops its session
func (m *Manager) ForgetPeer(addr string) {
	m.release(addr)
	if m.sessions.Delete(addr) {
		if err := m.sessions.SaveToDisk(); err != nil {
			m.log.Warnf("failed to persist sessions: %v", err)
		}
	}

	m.mu.Lock()
	delete(m.peers, addr)
	m.mu.Unlock()
}

func (m *Manager) release(addr string) {
	p := m.lookup(addr)
	if p == nil {
		return
	}

	p.mu.Lock()
	held := p.state.Active() || p.reconnect != nil
	p.explicit = true
	p.attempt = 0
	p.services = nil
	m.invalidateLocked(p)
	if p.state.Active() {
		m.setStateLocked(p, StateDisconnected)
	}
	m.setStateLocked(p, StateIdle)
	p.mu.Unlock()

	if held {
		m.conn.Disconnect(addr)
	}
	m.log.Infof("released %s", addr)
}

// SaveSession records what was negotiated with addr, replacing any previous
// session. A peer that is Connected becomes Ready.
func (m *Manager) SaveSession(addr, name string, services []ServiceDescriptor) error {
	if addr == "" {
		return ErrEmptyAddress
	}
	m.sessions.Put(&Session{
		PeerAddress: addr,
		PeerName:    name,
		Services:    services,
		SavedAt:     m.clock.Now(),
	})

	if p := m.lookup(addr); p != nil {
		p.mu.Lock()
		if p.state == StateConnected {
			m.setStateLocked(p, StateReady)
		}
		p.mu.Unlock()
	}

	if err := m.sessions.SaveToDisk(); err != nil {
		return fmt.Errorf("session for %s kept in memory: %w", addr, err)
	}
	return nil
}

// Session returns a copy of the session for addr, or nil
func (m *Manager) Session(addr string) *Session {
	return m.sessions.Get(addr)
}

// State returns the connection state of addr. Unknown peers are Idle.
func (m *Manager) State(addr string) State {
	p := m.lookup(addr)
	if p == nil {
		return StateIdle
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// DiscoveredServices returns the services found on the current connection
func (m *Manager) DiscoveredServices(addr string) []radio.Service {
	p := m.lookup(addr)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneServices(p.services)
}

// ReconnectPending reports whether a backoff reconnect is scheduled for addr
func (m *Manager) ReconnectPending(addr string) bool {
	p := m.lookup(addr)
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnect != nil
}

// Peers returns every tracked peer address, sorted
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// HandleRadioState reacts to the whole radio being switched off or on.
// Off cancels every attempt and timer and parks all peers in Idle, keeping
// sessions. On after an off immediately re-attempts every peer with a
// session, except those explicitly disconnected. A repeated on is ignored.
func (m *Manager) HandleRadioState(enabled bool) {
	if !enabled {
		m.radioOff.Store(true)
		m.log.Info("radio off, parking all peers")
		for _, p := range m.snapshot() {
			p.mu.Lock()
			m.invalidateLocked(p)
			p.attempt = 0
			p.services = nil
			m.setStateLocked(p, StateIdle)
			p.mu.Unlock()
		}
		return
	}

	if !m.radioOff.Swap(false) {
		m.log.Debug("radio on again, nothing parked")
		return
	}
	m.log.Info("radio on, restoring sessions")
	for _, addr := range m.sessions.Peers() {
		p := m.peer(addr)
		p.mu.Lock()
		if p.explicit || p.state.Active() || p.reconnect != nil {
			p.mu.Unlock()
			continue
		}
		p.attempt = 0
		gen, ctx := m.beginAttemptLocked(p)
		p.mu.Unlock()

		if err := m.dial(ctx, p, gen); err != nil {
			m.log.Warnf("reconnect to %s after radio on failed: %v", addr, err)
		}
	}
}

func (m *Manager) peer(addr string) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[addr]
	if !ok {
		p = &peer{addr: addr}
		m.peers[addr] = p
	}
	return p
}

func (m *Manager) lookup(addr string) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[addr]
}

func (m *Manager) snapshot() []*peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	return peers
}

// beginAttemptLocked abandons whatever p was doing and opens a new attempt
// guarded by the connect watchdog
func (m *Manager) beginAttemptLocked(p *peer) (uint64, context.Context) {
	m.invalidateLocked(p)

	ctx, cancel := context.WithCancel(m.ctx)
	p.cancel = cancel
	gen := p.gen

	m.setStateLocked(p, StateConnecting)
	p.watchdog = m.clock.AfterFunc(m.connectTimeout, func() {
		m.onWatchdog(p, gen)
	})
	return gen, ctx
}

// invalidateLocked stops both timers, cancels the attempt and makes every
// outstanding stream event and callback stale
func (m *Manager) invalidateLocked(p *peer) {
	if p.reconnect != nil {
		p.reconnect.Stop()
		p.reconnect = nil
	}
	if p.watchdog != nil {
		p.watchdog.Stop()
		p.watchdog = nil
	}
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.gen++
}

func (m *Manager) dial(ctx context.Context, p *peer, gen uint64) error {
	m.metrics.Attempt()

	stream, err := m.conn.Connect(ctx, p.addr)
	if err != nil {
		p.mu.Lock()
		if p.gen == gen {
			m.log.Warnf("connect to %s failed: %v", p.addr, err)
			m.lostLocked(p, err)
		}
		p.mu.Unlock()
		return err
	}

	go m.watch(ctx, p, gen, stream)
	return nil
}

// watch consumes one connection stream until it ends or the attempt is
// abandoned
func (m *Manager) watch(ctx context.Context, p *peer, gen uint64, stream <-chan radio.ConnEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-stream:
			if !ok {
				m.handle(ctx, p, gen, radio.ConnEvent{Type: radio.EventDisconnected})
				return
			}
			m.handle(ctx, p, gen, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, p *peer, gen uint64, ev radio.ConnEvent) {
	switch ev.Type {
	case radio.EventConnecting:
		return

	case radio.EventConnected:
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		if p.watchdog != nil {
			p.watchdog.Stop()
			p.watchdog = nil
		}
		p.attempt = 0
		m.setStateLocked(p, StateConnected)
		p.mu.Unlock()

		if err := m.conn.DiscoverServices(p.addr); err != nil {
			p.mu.Lock()
			stale := p.gen != gen
			if !stale {
				m.log.Warnf("service discovery on %s failed: %v", p.addr, err)
				m.lostLocked(p, err)
			}
			p.mu.Unlock()
			if !stale {
				m.conn.Disconnect(p.addr)
			}
		}

	case radio.EventServicesDiscovered:
		p.mu.Lock()
		if p.gen != gen {
			p.mu.Unlock()
			return
		}
		p.services = cloneServices(ev.Services)
		p.mu.Unlock()

		session := m.sessions.Get(p.addr)
		if session == nil {
			m.log.Debugf("%s: %d services discovered, no session to restore", p.addr, len(ev.Services))
			return
		}
		ok, failed := m.restore(ctx, p.addr, session, ev.Services)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen {
			return
		}
		m.metrics.SessionRestored(ok)
		m.lifecycle.sessionRestored(p.addr, ok, failed)
		m.publish(Event{Type: EventSessionRestored, Peer: p.addr, Success: ok})
		if ok {
			m.log.Infof("session with %s restored", p.addr)
			m.setStateLocked(p, StateReady)
		} else {
			m.log.Warnf("session with %s partially restored, failed: %v", p.addr, failed)
		}

	case radio.EventDisconnected:
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen {
			return
		}
		if ev.Reason != nil {
			m.log.Infof("connection to %s lost: %v", p.addr, ev.Reason)
		} else {
			m.log.Infof("connection to %s closed", p.addr)
		}
		m.lostLocked(p, ev.Reason)
	}
}

// restore re-subscribes every notify-enabled characteristic of session,
// resolving each by UUID in the fresh discovery. Failures do not undo the
// subscriptions that succeeded.
func (m *Manager) restore(ctx context.Context, addr string, session *Session, discovered []radio.Service) (bool, []string) {
	logger.DebugValue(m.log, "restoring session with "+addr, session)

	var failed []string
	for _, sub := range session.Subscriptions() {
		svc, chr := sub[0], sub[1]

		var err error
		c, found := radio.FindCharacteristic(discovered, svc, chr)
		switch {
		case !found:
			err = radio.ErrUnknownService
		case !c.Notify:
			err = radio.ErrNotNotifiable
		default:
			err = m.conn.Subscribe(ctx, addr, svc, chr)
		}

		if err != nil {
			m.log.Warnf("%s: resubscribe %s/%s failed: %v", addr, svc, chr, err)
			failed = append(failed, chr)
			continue
		}
		m.log.Debugf("%s: resubscribed %s/%s (handle %d)", addr, svc, chr, c.Handle)
	}
	return len(failed) == 0, failed
}

func (m *Manager) onWatchdog(p *peer, gen uint64) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	m.log.Warnf("connect to %s timed out after %v", p.addr, m.connectTimeout)
	m.metrics.Timeout()
	m.lifecycle.connectTimeout(p.addr, p.attempt)
	m.invalidateLocked(p)
	stale := p.gen
	p.mu.Unlock()

	m.conn.Disconnect(p.addr)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gen != stale {
		return
	}
	m.setStateLocked(p, StateDisconnected)
	m.nextStepLocked(p)
}

func (m *Manager) fireReconnect(p *peer, gen uint64) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.reconnect = nil
	attempt := p.attempt
	gen, ctx := m.beginAttemptLocked(p)
	p.mu.Unlock()

	m.log.Infof("reconnecting to %s (attempt %d/%d)", p.addr, attempt, m.maxAttempts)
	_ = m.dial(ctx, p, gen)
}

// lostLocked handles the end of a connection or attempt that was not asked
// for
func (m *Manager) lostLocked(p *peer, reason error) {
	m.invalidateLocked(p)
	p.services = nil
	m.lifecycle.connectionLost(p.addr, reason)
	m.setStateLocked(p, StateDisconnected)
	m.nextStepLocked(p)
}

// nextStepLocked schedules the next reconnect attempt, or parks the peer in
// Idle when it has no session or the attempts are used up
func (m *Manager) nextStepLocked(p *peer) {
	if p.explicit || m.radioOff.Load() || !m.sessions.Has(p.addr) {
		p.attempt = 0
		m.setStateLocked(p, StateIdle)
		return
	}

	p.attempt++
	if p.attempt > m.maxAttempts {
		m.log.Warnf("giving up on %s after %d attempts, session kept", p.addr, m.maxAttempts)
		p.attempt = 0
		m.setStateLocked(p, StateIdle)
		m.metrics.SessionRestored(false)
		m.lifecycle.sessionRestored(p.addr, false, nil)
		m.publish(Event{Type: EventSessionRestored, Peer: p.addr, Success: false})
		return
	}

	delay := Backoff(p.attempt, m.baseDelay, m.maxDelay)
	gen := p.gen
	p.reconnect = m.clock.AfterFunc(delay, func() {
		m.fireReconnect(p, gen)
	})
	m.metrics.ReconnectScheduled()
	m.lifecycle.reconnectScheduled(p.addr, p.attempt, delay.Milliseconds())
	m.log.Debugf("reconnect to %s in %v (attempt %d/%d)", p.addr, delay, p.attempt, m.maxAttempts)
}

func (m *Manager) setStateLocked(p *peer, s State) {
	if p.state == s {
		return
	}
	m.log.Debugf("%s: %s -> %s", p.addr, p.state, s)
	p.state = s
	m.lifecycle.stateChanged(p.addr, s)
	m.publish(Event{Type: EventStateChanged, Peer: p.addr, State: s})
}

// publish queues ev for Events without blocking the caller
func (m *Manager) publish(ev Event) {
	m.pendingMu.Lock()
	m.pending = append(m.pending, ev)
	m.pendingMu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *Manager) pump() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.signal:
		}

		for {
			m.pendingMu.Lock()
			if len(m.pending) == 0 {
				m.pendingMu.Unlock()
				break
			}
			ev := m.pending[0]
			m.pending = m.pending[1:]
			m.pendingMu.Unlock()

			select {
			case m.out <- ev:
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func cloneServices(in []radio.Service) []radio.Service {
	if in == nil {
		return nil
	}
	out := make([]radio.Service, len(in))
	for i, svc := range in {
		out[i] = radio.Service{
			UUID:            svc.UUID,
			Characteristics: append([]radio.Characteristic(nil), svc.Characteristics...),
		}
	}
	return out
}
