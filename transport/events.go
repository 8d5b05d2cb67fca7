package transport

import "fmt"

// EventType identifies what happened to an outbound message
type EventType int

const (
	// EventSent means every chunk was accepted by the radio
	EventSent EventType = iota
	// EventFailed means the message was given up on
	EventFailed
	// EventRetry means a chunk failed and will be retried after a delay
	EventRetry
	// EventExpired means the message outlived the pending TTL
	EventExpired
)

func (t EventType) String() string {
	switch t {
	case EventSent:
		return "sent"
	case EventFailed:
		return "failed"
	case EventRetry:
		return "retry"
	case EventExpired:
		return "expired"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is published on Scheduler.Events
type Event struct {
	Type       EventType
	MessageID  string
	Parts      int
	RetryCount int
	Err        error
}

func (e Event) String() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s (retries=%d): %v", e.Type, e.MessageID, e.RetryCount, e.Err)
	}
	return fmt.Sprintf("%s %s (retries=%d)", e.Type, e.MessageID, e.RetryCount)
}
