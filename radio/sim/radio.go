package sim

import (
	"context"
	"sort"
	"sync"

	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/radio"
)

var _ radio.Adapter = (*Radio)(nil)

// Radio is one simulated device radio
type Radio struct {
	air      *Air
	addr     string
	services []radio.Service

	mu           sync.Mutex
	enabled      bool
	broadcasting bool
	onReceive    func(frame []byte, from string)
	onState      func(enabled bool)
	links        map[string]*link
	connSeq      int

	inbox     chan inbound
	done      chan struct{}
	closeOnce sync.Once
}

type inbound struct {
	frame []byte
	from  string
}

// link is the local end of one direct connection
type link struct {
	peer string
	ch   chan radio.ConnEvent

	mu         sync.Mutex
	closed     bool
	connected  bool
	services   []radio.Service
	subscribed map[string]bool
}

func newLink(peer string) *link {
	return &link{
		peer:       peer,
		ch:         make(chan radio.ConnEvent, 32),
		subscribed: make(map[string]bool),
	}
}

func (l *link) send(ev radio.ConnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- ev:
	default:
	}
}

func (l *link) close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

func (l *link) isConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected && !l.closed
}

func newRadio(air *Air, addr string, services []radio.Service) *Radio {
	r := &Radio{
		air:      air,
		addr:     addr,
		services: services,
		enabled:  true,
		links:    make(map[string]*link),
		inbox:    make(chan inbound, air.config.InboxSize),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Address returns the radio's address on the air
func (r *Radio) Address() string { return r.addr }

// MaxPayload implements radio.Adapter
func (r *Radio) MaxPayload() int { return r.air.config.MaxPayload }

// OnReceive implements radio.Adapter
func (r *Radio) OnReceive(fn func(frame []byte, from string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReceive = fn
}

// OnRadioState implements radio.Adapter
func (r *Radio) OnRadioState(fn func(enabled bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = fn
}

// Enabled reports whether the radio is powered
func (r *Radio) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Broadcasting reports whether a broadcast is running
func (r *Radio) Broadcasting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcasting
}

// SetEnabled powers the radio on or off. Switching off ends every direct
// connection and stops the broadcast.
func (r *Radio) SetEnabled(on bool) {
	r.mu.Lock()
	if r.enabled == on {
		r.mu.Unlock()
		return
	}
	r.enabled = on
	cb := r.onState
	var dropped []*link
	if !on {
		for _, l := range r.links {
			dropped = append(dropped, l)
		}
		r.links = make(map[string]*link)
		r.broadcasting = false
	}
	r.mu.Unlock()

	for _, l := range dropped {
		l.send(radio.ConnEvent{Type: radio.EventDisconnected, Reason: radio.ErrRadioOff})
		l.close()
	}
	r.air.log.Infof("radio %s enabled=%t", logger.ShortID(r.addr), on)
	if cb != nil {
		cb(on)
	}
}

// Transmit implements radio.Broadcaster
func (r *Radio) Transmit(ctx context.Context, frame []byte) error {
	r.mu.Lock()
	switch {
	case !r.enabled:
		r.mu.Unlock()
		return &radio.TransmitError{Code: radio.CodeInternal, Err: radio.ErrRadioOff}
	case r.broadcasting:
		r.mu.Unlock()
		return radio.NewTransmitError(radio.CodeAlreadyStarted)
	}
	if max := r.air.config.MaxFrameSize; max > 0 && len(frame) > max {
		r.mu.Unlock()
		return radio.NewTransmitError(radio.CodeTooLarge)
	}
	if r.air.sim.transmitFails() {
		r.mu.Unlock()
		return radio.NewTransmitError(radio.CodeInternal)
	}
	r.broadcasting = true
	r.mu.Unlock()

	r.air.broadcast(r.addr, append([]byte(nil), frame...))
	return nil
}

// StopTransmit implements radio.Broadcaster
func (r *Radio) StopTransmit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasting = false
}

// Connect implements radio.Connector. The attempt completes asynchronously
// on the returned stream.
func (r *Radio) Connect(ctx context.Context, addr string) (<-chan radio.ConnEvent, error) {
	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		return nil, radio.ErrRadioOff
	}
	if _, ok := r.links[addr]; ok {
		r.mu.Unlock()
		return nil, radio.ErrAlreadyConnected
	}
	l := newLink(addr)
	r.links[addr] = l
	r.connSeq++
	seq := r.connSeq
	r.mu.Unlock()

	l.send(radio.ConnEvent{Type: radio.EventConnecting})
	go r.establish(ctx, l, seq)
	return l.ch, nil
}

func (r *Radio) establish(ctx context.Context, l *link, seq int) {
	if err := clock.Sleep(ctx, r.air.clock, r.air.sim.connectionDelay()); err != nil {
		r.dropLink(l, err)
		return
	}
	if ctx.Err() != nil {
		r.dropLink(l, ctx.Err())
		return
	}

	target := r.air.lookup(l.peer)
	if target == nil || !target.Enabled() || r.air.sim.connectionFails() {
		r.dropLink(l, radio.ErrConnectFailed)
		return
	}

	l.mu.Lock()
	l.connected = true
	l.services = target.servicesFor(seq)
	l.mu.Unlock()

	r.air.log.Debugf("%s connected to %s", logger.ShortID(r.addr), logger.ShortID(l.peer))
	l.send(radio.ConnEvent{Type: radio.EventConnected})
}

// servicesFor returns the service table as seen on one connection. Handles
// are assigned per connection.
func (r *Radio) servicesFor(seq int) []radio.Service {
	handle := uint16(seq%512)*32 + 1
	out := make([]radio.Service, len(r.services))
	for i, svc := range r.services {
		out[i] = radio.Service{UUID: svc.UUID}
		for _, c := range svc.Characteristics {
			c.Handle = handle
			handle++
			out[i].Characteristics = append(out[i].Characteristics, c)
		}
	}
	return out
}

func (r *Radio) dropLink(l *link, reason error) {
	r.mu.Lock()
	if r.links[l.peer] == l {
		delete(r.links, l.peer)
	}
	r.mu.Unlock()

	l.send(radio.ConnEvent{Type: radio.EventDisconnected, Reason: reason})
	l.close()
}

func (r *Radio) link(addr string) *link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[addr]
}

// DiscoverServices implements radio.Connector
func (r *Radio) DiscoverServices(addr string) error {
	l := r.link(addr)
	if l == nil || !l.isConnected() {
		return radio.ErrNotConnected
	}

	go func() {
		_ = clock.Sleep(context.Background(), r.air.clock, r.air.sim.discoveryDelay())
		l.mu.Lock()
		services := l.services
		l.mu.Unlock()
		l.send(radio.ConnEvent{Type: radio.EventServicesDiscovered, Services: services})
	}()
	return nil
}

// Subscribe implements radio.Connector
func (r *Radio) Subscribe(ctx context.Context, addr, serviceUUID, charUUID string) error {
	l := r.link(addr)
	if l == nil || !l.isConnected() {
		return radio.ErrNotConnected
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := radio.FindCharacteristic(l.services, serviceUUID, charUUID)
	if !ok {
		return radio.ErrUnknownService
	}
	if !c.Notify {
		return radio.ErrNotNotifiable
	}
	l.subscribed[charUUID] = true
	return nil
}

// Disconnect implements radio.Connector. The stream is closed without a
// disconnect event.
func (r *Radio) Disconnect(addr string) {
	r.mu.Lock()
	l := r.links[addr]
	delete(r.links, addr)
	r.mu.Unlock()

	if l != nil {
		l.close()
	}
}

// Drop severs the connection to addr as if the link was lost
func (r *Radio) Drop(addr string) bool {
	l := r.link(addr)
	if l == nil {
		return false
	}
	r.dropLink(l, radio.ErrConnectionDrop)
	return true
}

// Links returns the peers with an open or pending connection, sorted
func (r *Radio) Links() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.links))
	for addr := range r.links {
		peers = append(peers, addr)
	}
	sort.Strings(peers)
	return peers
}

// Subscriptions returns the characteristics subscribed on the connection to
// addr, sorted
func (r *Radio) Subscriptions(addr string) []string {
	l := r.link(addr)
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	subs := make([]string, 0, len(l.subscribed))
	for chr := range l.subscribed {
		subs = append(subs, chr)
	}
	sort.Strings(subs)
	return subs
}

// Close detaches the radio from the air and ends its connections
func (r *Radio) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
		r.air.detach(r.addr)

		r.mu.Lock()
		links := r.links
		r.links = make(map[string]*link)
		r.mu.Unlock()
		for _, l := range links {
			l.close()
		}
	})
}

func (r *Radio) hear(from string, frame []byte) {
	if !r.Enabled() {
		return
	}
	select {
	case r.inbox <- inbound{frame: frame, from: from}:
	case <-r.done:
	default:
		r.air.log.Warnf("radio %s inbox full, frame dropped", logger.ShortID(r.addr))
	}
}

func (r *Radio) run() {
	for {
		select {
		case <-r.done:
			return
		case in := <-r.inbox:
			r.mu.Lock()
			fn := r.onReceive
			enabled := r.enabled
			r.mu.Unlock()
			if fn != nil && enabled {
				fn(in.frame, in.from)
			}
		}
	}
}
