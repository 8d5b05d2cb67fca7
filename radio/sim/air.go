package sim

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/radio"
)

// Air is the shared medium radios broadcast on
type Air struct {
	config *Config
	sim    *simulator
	clock  clock.Clock
	log    logging.LeveledLogger

	mu     sync.RWMutex
	radios map[string]*Radio
}

// NewAir creates an empty medium. A nil config uses DefaultConfig.
func NewAir(config *Config, c clock.Clock, factory logging.LoggerFactory) *Air {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxPayload <= 0 {
		config.MaxPayload = DefaultConfig().MaxPayload
	}
	if config.InboxSize <= 0 {
		config.InboxSize = DefaultConfig().InboxSize
	}
	if c == nil {
		c = clock.New()
	}
	return &Air{
		config: config,
		sim:    newSimulator(config),
		clock:  c,
		log:    logger.For(factory, "air"),
		radios: make(map[string]*Radio),
	}
}

// NewRadio attaches a radio exposing services to direct connections. An
// empty addr gets a random one.
func (a *Air) NewRadio(addr string, services []radio.Service) *Radio {
	if addr == "" {
		addr = uuid.New().String()
	}
	r := newRadio(a, addr, services)

	a.mu.Lock()
	a.radios[addr] = r
	a.mu.Unlock()

	a.log.Debugf("radio %s attached", logger.ShortID(addr))
	return r
}

// Radios returns the attached addresses, sorted
func (a *Air) Radios() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	addrs := make([]string, 0, len(a.radios))
	for addr := range a.radios {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

func (a *Air) lookup(addr string) *Radio {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.radios[addr]
}

func (a *Air) detach(addr string) {
	a.mu.Lock()
	delete(a.radios, addr)
	a.mu.Unlock()
}

// broadcast hands frame to every other enabled radio, subject to loss
func (a *Air) broadcast(from string, frame []byte) {
	a.mu.RLock()
	receivers := make([]*Radio, 0, len(a.radios))
	for addr, r := range a.radios {
		if addr != from {
			receivers = append(receivers, r)
		}
	}
	a.mu.RUnlock()

	for _, r := range receivers {
		if a.sim.packetLost() {
			a.log.Tracef("frame from %s to %s lost", logger.ShortID(from), logger.ShortID(r.addr))
			continue
		}
		r.hear(from, frame)
	}
}
