package recovery

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/pion/logging"

	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/logger"
)

// LifecycleEvent is one line of the connection lifecycle log
type LifecycleEvent struct {
	Timestamp int64             `json:"timestamp"` // nanoseconds since epoch
	Event     string            `json:"event"`     // state_changed, reconnect_scheduled, connect_timeout, ...
	Peer      string            `json:"peer"`
	State     string            `json:"state,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Error     string            `json:"error,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// EventLog appends lifecycle events to a JSONL file. A nil or disabled
// EventLog drops everything.
type EventLog struct {
	logPath string
	mutex   sync.Mutex
	clock   clock.Clock
	log     logging.LeveledLogger
}

// NewEventLog creates a log writing to path. An empty path disables it.
func NewEventLog(path string, c clock.Clock, factory logging.LoggerFactory) *EventLog {
	if path == "" {
		return nil
	}
	if c == nil {
		c = clock.New()
	}
	return &EventLog{
		logPath: path,
		clock:   c,
		log:     logger.For(factory, "lifecycle"),
	}
}

// Log writes a lifecycle event to the JSONL file
func (el *EventLog) Log(event LifecycleEvent) {
	if el == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = el.clock.Now().UnixNano()
	}

	data, err := json.Marshal(event)
	if err != nil {
		el.log.Warnf("failed to marshal lifecycle event: %v", err)
		return
	}

	el.mutex.Lock()
	defer el.mutex.Unlock()

	f, err := os.OpenFile(el.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		el.log.Warnf("failed to open lifecycle log: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		el.log.Warnf("failed to write lifecycle event: %v", err)
	}
}

func (el *EventLog) stateChanged(peer string, s State) {
	el.Log(LifecycleEvent{Event: "state_changed", Peer: peer, State: s.String()})
}

func (el *EventLog) reconnectScheduled(peer string, attempt int, delayMs int64) {
	el.Log(LifecycleEvent{
		Event:   "reconnect_scheduled",
		Peer:    peer,
		Attempt: attempt,
		Details: map[string]string{"delay_ms": fmt.Sprintf("%d", delayMs)},
	})
}

func (el *EventLog) connectTimeout(peer string, attempt int) {
	el.Log(LifecycleEvent{Event: "connect_timeout", Peer: peer, Attempt: attempt})
}

func (el *EventLog) connectionLost(peer string, reason error) {
	ev := LifecycleEvent{Event: "connection_lost", Peer: peer}
	if reason != nil {
		ev.Error = reason.Error()
	}
	el.Log(ev)
}

func (el *EventLog) sessionRestored(peer string, ok bool, failed []string) {
	ev := LifecycleEvent{Event: "session_restored", Peer: peer, Details: map[string]string{"ok": fmt.Sprintf("%t", ok)}}
	if len(failed) > 0 {
		ev.Details["failed"] = fmt.Sprintf("%v", failed)
	}
	el.Log(ev)
}

// ReadEventLog loads every event from a lifecycle log
func ReadEventLog(path string) ([]LifecycleEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []LifecycleEvent
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev LifecycleEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
