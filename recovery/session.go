package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/auramesh/radio"
)

// CharacteristicDescriptor is one characteristic of a negotiated session
type CharacteristicDescriptor struct {
	UUID          string `json:"uuid"`
	NotifyEnabled bool   `json:"notify_enabled"`
}

// ServiceDescriptor is one service of a negotiated session
type ServiceDescriptor struct {
	UUID            string                     `json:"uuid"`
	Characteristics []CharacteristicDescriptor `json:"characteristics"`
}

// Session is what was negotiated with a peer the last time its capabilities
// were discovered and subscribed to. Sessions are replaced wholesale, never
// edited in place.
type Session struct {
	PeerAddress string              `json:"peer_address"`
	PeerName    string              `json:"peer_name"`
	Services    []ServiceDescriptor `json:"services"`
	SavedAt     time.Time           `json:"saved_at"`
}

// Clone returns a deep copy
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Services = cloneDescriptors(s.Services)
	return &c
}

// Subscriptions returns the (service, characteristic) pairs to re-subscribe
func (s *Session) Subscriptions() [][2]string {
	var subs [][2]string
	for _, svc := range s.Services {
		for _, ch := range svc.Characteristics {
			if ch.NotifyEnabled {
				subs = append(subs, [2]string{svc.UUID, ch.UUID})
			}
		}
	}
	return subs
}

func cloneDescriptors(in []ServiceDescriptor) []ServiceDescriptor {
	if in == nil {
		return nil
	}
	out := make([]ServiceDescriptor, len(in))
	for i, svc := range in {
		out[i] = ServiceDescriptor{
			UUID:            svc.UUID,
			Characteristics: append([]CharacteristicDescriptor(nil), svc.Characteristics...),
		}
	}
	return out
}

// DescriptorsFrom builds session descriptors from a discovery result,
// enabling notifications on every characteristic in subscribed (keyed by
// characteristic UUID)
func DescriptorsFrom(services []radio.Service, subscribed map[string]bool) []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(services))
	for _, svc := range services {
		d := ServiceDescriptor{UUID: svc.UUID}
		for _, ch := range svc.Characteristics {
			d.Characteristics = append(d.Characteristics, CharacteristicDescriptor{
				UUID:          ch.UUID,
				NotifyEnabled: ch.Notify && subscribed[ch.UUID],
			})
		}
		out = append(out, d)
	}
	return out
}

// SessionStore holds one session per peer. Values go in and come out as
// copies.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// statePath is empty for an in-memory store
	statePath string
}

// sessionStoreState is the JSON structure for persistence
type sessionStoreState struct {
	Sessions []*Session `json:"sessions"`
}

// NewSessionStore creates a store persisted at statePath. An empty path
// keeps sessions in memory only.
func NewSessionStore(statePath string) *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]*Session),
		statePath: statePath,
	}
}

// Put stores s, replacing any previous session for the same peer
func (ss *SessionStore) Put(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions[s.PeerAddress] = s.Clone()
}

// Get returns a copy of the session for addr, or nil
func (ss *SessionStore) Get(addr string) *Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return ss.sessions[addr].Clone()
}

// Has reports whether a session exists for addr
func (ss *SessionStore) Has(addr string) bool {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	_, ok := ss.sessions[addr]
	return ok
}

// Delete drops the session for addr
func (ss *SessionStore) Delete(addr string) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	_, ok := ss.sessions[addr]
	delete(ss.sessions, addr)
	return ok
}

// Peers returns every peer address with a session, sorted
func (ss *SessionStore) Peers() []string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	peers := make([]string, 0, len(ss.sessions))
	for addr := range ss.sessions {
		peers = append(peers, addr)
	}
	sort.Strings(peers)
	return peers
}

// Len returns the number of sessions
func (ss *SessionStore) Len() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// SaveToDisk persists every session
func (ss *SessionStore) SaveToDisk() error {
	if ss.statePath == "" {
		return nil
	}

	ss.mu.RLock()
	state := sessionStoreState{Sessions: make([]*Session, 0, len(ss.sessions))}
	for _, addr := range sortedKeys(ss.sessions) {
		state.Sessions = append(state.Sessions, ss.sessions[addr])
	}
	data, err := json.MarshalIndent(state, "", "  ")
	ss.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal sessions: %w", err)
	}

	dir := filepath.Dir(ss.statePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	tempPath := ss.statePath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write sessions temp file: %w", err)
	}
	if err := os.Rename(tempPath, ss.statePath); err != nil {
		return fmt.Errorf("failed to rename sessions file: %w", err)
	}
	return nil
}

// LoadFromDisk replaces the in-memory sessions with the persisted ones
func (ss *SessionStore) LoadFromDisk() error {
	if ss.statePath == "" {
		return nil
	}

	data, err := os.ReadFile(ss.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // No saved state, not an error
		}
		return fmt.Errorf("failed to read sessions: %w", err)
	}

	var state sessionStoreState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal sessions: %w", err)
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.sessions = make(map[string]*Session, len(state.Sessions))
	for _, s := range state.Sessions {
		if s == nil || s.PeerAddress == "" {
			continue
		}
		ss.sessions[s.PeerAddress] = s
	}
	return nil
}

func sortedKeys(m map[string]*Session) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
