// Package sim is an in-memory radio: every Radio attached to the same Air
// hears every other Radio's broadcasts and can open direct connections to
// it. Loss, failures and delays are drawn from a seeded generator so runs
// can be reproduced.
package sim

import (
	"math/rand"
	"sync"
	"time"
)

// Config controls the realism of the simulated radio
type Config struct {
	// MaxPayload is the data budget per broadcast unit reported to the core
	MaxPayload int // Default: 17 bytes
	// MaxFrameSize rejects larger frames with a too-large error; 0 disables
	MaxFrameSize int

	// Broadcast reliability
	PacketLossRate      float64 // Default: 0.015 (1.5% frames lost)
	TransmitFailureRate float64 // Default: 0 (internal errors from the advertiser)

	// Connection timing and reliability
	MinConnectionDelay    time.Duration // Default: 30ms
	MaxConnectionDelay    time.Duration // Default: 100ms
	ConnectionFailureRate float64       // Default: 0.016
	MinDiscoveryDelay     time.Duration // Default: 10ms
	MaxDiscoveryDelay     time.Duration // Default: 50ms

	// InboxSize bounds frames queued for one receiver before they are dropped
	InboxSize int

	// Deterministic mode for testing
	Deterministic bool
	Seed          int64
}

// DefaultConfig returns realistic simulation parameters
func DefaultConfig() *Config {
	return &Config{
		MaxPayload: 17,

		PacketLossRate: 0.015,

		MinConnectionDelay:    30 * time.Millisecond,
		MaxConnectionDelay:    100 * time.Millisecond,
		ConnectionFailureRate: 0.016,
		MinDiscoveryDelay:     10 * time.Millisecond,
		MaxDiscoveryDelay:     50 * time.Millisecond,

		InboxSize: 1024,
	}
}

// PerfectConfig returns a lossless, delay-free, reproducible config
func PerfectConfig() *Config {
	cfg := DefaultConfig()
	cfg.PacketLossRate = 0
	cfg.MinConnectionDelay = 0
	cfg.MaxConnectionDelay = 0
	cfg.ConnectionFailureRate = 0
	cfg.MinDiscoveryDelay = 0
	cfg.MaxDiscoveryDelay = 0
	cfg.Deterministic = true
	return cfg
}

// simulator draws random outcomes. rand.Rand is not safe for concurrent
// use, hence the mutex.
type simulator struct {
	config *Config

	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulator(config *Config) *simulator {
	seed := config.Seed
	if !config.Deterministic {
		seed = time.Now().UnixNano()
	}
	return &simulator{
		config: config,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (s *simulator) chance(rate float64) bool {
	if rate <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64() < rate
}

func (s *simulator) between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return min + time.Duration(s.rng.Int63n(int64(max-min)))
}

func (s *simulator) packetLost() bool { return s.chance(s.config.PacketLossRate) }

func (s *simulator) transmitFails() bool { return s.chance(s.config.TransmitFailureRate) }

func (s *simulator) connectionFails() bool { return s.chance(s.config.ConnectionFailureRate) }

func (s *simulator) connectionDelay() time.Duration {
	return s.between(s.config.MinConnectionDelay, s.config.MaxConnectionDelay)
}

func (s *simulator) discoveryDelay() time.Duration {
	return s.between(s.config.MinDiscoveryDelay, s.config.MaxDiscoveryDelay)
}
