// Package reassembly holds partially received messages until every part has
// arrived, and remembers delivered message ids long enough to drop
// retransmissions.
package reassembly

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/user/auramesh/chunk"
	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/logger"
	"github.com/user/auramesh/message"
	"github.com/user/auramesh/metrics"
)

const (
	// DefaultTTL bounds both dedup records and partial messages
	DefaultTTL = 5 * time.Minute

	// DefaultMaxEntries caps partial messages held at once
	DefaultMaxEntries = 256
)

// Anomaly kinds reported to metrics
const (
	AnomalyDuplicateMessage = "duplicate_message"
	AnomalyEvicted          = "evicted"
	AnomalyExpiredPartial   = "expired_partial"
)

// Config configures a Store
type Config struct {
	TTL        time.Duration
	MaxEntries int

	Clock         clock.Clock
	Metrics       *metrics.Metrics
	LoggerFactory logging.LoggerFactory
}

// SweepResult reports what a sweep removed
type SweepResult struct {
	Dedup   int
	Entries int
}

// Store is the receive-side reassembly buffer plus dedup cache.
//
// The dedup check, the completion of an entry and the insertion of its dedup
// record happen under one lock, so a message id is handed out at most once
// while its dedup record lives.
type Store struct {
	mu      sync.Mutex
	entries map[string]*chunk.Entry
	dedup   map[string]time.Time

	ttl        time.Duration
	maxEntries int
	clock      clock.Clock
	metrics    *metrics.Metrics
	log        logging.LeveledLogger
}

// NewStore creates an empty store
func NewStore(cfg Config) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Store{
		entries:    make(map[string]*chunk.Entry),
		dedup:      make(map[string]time.Time),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		log:        logger.For(cfg.LoggerFactory, "reassembly"),
	}
}

// Ingest adds a received part. It returns the assembled message exactly once,
// when the final missing part arrives, and nil otherwise.
func (s *Store) Ingest(part *message.Part) *message.Message {
	now := s.clock.Now()
	if part.ReceivedAt.IsZero() {
		part.ReceivedAt = now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if seen, ok := s.dedup[part.MessageID]; ok {
		if now.Sub(seen) <= s.ttl {
			s.log.Tracef("dropping part %d of delivered message %s", part.PartIndex, part.MessageID)
			s.metrics.Anomaly(AnomalyDuplicateMessage)
			return nil
		}
		delete(s.dedup, part.MessageID)
	}

	entry, ok := s.entries[part.MessageID]
	if ok && now.Sub(entry.OldestAt()) > s.ttl {
		s.log.Debugf("partial message %s expired (%d/%d parts)", part.MessageID, entry.Len(), entry.Total())
		s.metrics.Anomaly(AnomalyExpiredPartial)
		delete(s.entries, part.MessageID)
		ok = false
	}

	if !ok {
		if part.PartIndex < 0 || part.PartIndex >= part.Expected() {
			s.metrics.Anomaly(chunk.IndexOutOfRange.String())
			s.log.Warnf("message %s: part index %d outside 0..%d", part.MessageID, part.PartIndex, part.Expected()-1)
			return nil
		}
		s.evictIfFull()
		entry = chunk.NewEntry(part)
		s.entries[part.MessageID] = entry
	} else if result := entry.Add(part); result != chunk.Added {
		s.reportAnomaly(part, entry, result)
		return nil
	}

	if !entry.Complete() {
		s.log.Tracef("message %s: %d/%d parts", part.MessageID, entry.Len(), entry.Total())
		s.metrics.SetEntries(len(s.entries))
		return nil
	}

	delete(s.entries, part.MessageID)
	s.dedup[part.MessageID] = now
	s.metrics.SetEntries(len(s.entries))
	s.metrics.Delivered()

	msg := entry.Message()
	s.log.Debugf("message %s from %s reassembled (%d parts, %d bytes)",
		msg.ID, logger.ShortID(msg.Sender), entry.Total(), len(msg.Content))
	return msg
}

func (s *Store) reportAnomaly(part *message.Part, entry *chunk.Entry, result chunk.AddResult) {
	s.metrics.Anomaly(result.String())
	switch result {
	case chunk.DuplicatePart:
		s.log.Tracef("message %s: duplicate part %d", part.MessageID, part.PartIndex)
	case chunk.TotalMismatch:
		s.log.Warnf("message %s: part %d advertises %d parts, keeping first-seen %d",
			part.MessageID, part.PartIndex, part.TotalParts, entry.Total())
	case chunk.IndexOutOfRange:
		s.log.Warnf("message %s: part index %d outside 0..%d",
			part.MessageID, part.PartIndex, entry.Total()-1)
	}
}

// evictIfFull drops the entry with the oldest part once the cap is reached.
// Must be called with lock held.
func (s *Store) evictIfFull() {
	if len(s.entries) < s.maxEntries {
		return
	}

	var oldestID string
	var oldestAt time.Time
	for id, e := range s.entries {
		if oldestID == "" || e.OldestAt().Before(oldestAt) {
			oldestID = id
			oldestAt = e.OldestAt()
		}
	}
	delete(s.entries, oldestID)
	s.metrics.Anomaly(AnomalyEvicted)
	s.log.Warnf("reassembly buffer full (%d), evicted partial message %s", s.maxEntries, oldestID)
}

// IsDuplicate reports whether id was delivered within the TTL
func (s *Store) IsDuplicate(id string) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.dedup[id]
	return ok && now.Sub(seen) <= s.ttl
}

// SweepExpired purges dedup records and partial messages older than the TTL
func (s *Store) SweepExpired(now time.Time) SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	for id, seen := range s.dedup {
		if now.Sub(seen) > s.ttl {
			delete(s.dedup, id)
			res.Dedup++
		}
	}
	for id, e := range s.entries {
		if now.Sub(e.OldestAt()) > s.ttl {
			s.log.Debugf("sweeping partial message %s (%d/%d parts)", id, e.Len(), e.Total())
			delete(s.entries, id)
			s.metrics.Anomaly(AnomalyExpiredPartial)
			res.Entries++
		}
	}
	s.metrics.SetEntries(len(s.entries))

	if res.Dedup > 0 || res.Entries > 0 {
		s.log.Debugf("sweep removed %d dedup records, %d partial messages", res.Dedup, res.Entries)
	}
	return res
}

// Len returns the number of partial messages held
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// DedupLen returns the number of remembered delivered ids
func (s *Store) DedupLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dedup)
}

// PendingIDs returns the ids of partial messages, sorted
func (s *Store) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
