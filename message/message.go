// Package message defines the application message and the radio-sized parts
// it travels as.
package message

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes ordinary chat payloads from acknowledgements
type Kind int32

const (
	KindChat Kind = iota
	KindAck
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Status tracks an outbound message through the transport queue, and marks
// an inbound message once it is fully reassembled.
type Status int

const (
	StatusPending Status = iota
	StatusSending
	StatusSent
	StatusDelivered
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IDLength is the number of hex characters in a message id
const IDLength = 8

// Message is one application-level message
type Message struct {
	ID             string    `json:"id"`
	Sender         string    `json:"sender"`
	Content        []byte    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Kind           Kind      `json:"kind"`
	SequenceNumber int64     `json:"sequence_number"`
	RetryCount     int       `json:"retry_count"`
	Status         Status    `json:"status"`
}

// New builds a pending message stamped at now. The timestamp is truncated to
// the millisecond precision the radio frame carries.
func New(sender string, content []byte, kind Kind, seq int64, now time.Time) *Message {
	return &Message{
		ID:             NewID(),
		Sender:         sender,
		Content:        content,
		Timestamp:      TruncateTimestamp(now),
		Kind:           kind,
		SequenceNumber: seq,
		Status:         StatusPending,
	}
}

// NewID returns a short random message id
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:IDLength]
}

// TruncateTimestamp drops sub-millisecond precision and the monotonic reading
func TruncateTimestamp(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

// Clone returns a deep copy so callers never share mutable state with the queue
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Content != nil {
		c.Content = append([]byte(nil), m.Content...)
	}
	return &c
}

// Part is one radio-sized slice of a message. Every part carries the full
// addressing metadata so it can be routed on its own; only Data differs
// between parts of the same message.
type Part struct {
	MessageID      string
	Sender         string
	Timestamp      time.Time
	SequenceNumber int64
	Kind           Kind
	PartIndex      int
	TotalParts     int // 0 means the message was not split
	Data           []byte

	// Local receive metadata, never on the wire
	ReceivedAt time.Time
	From       string
}

// Expected returns the number of parts that make up the message, treating
// the unsplit sentinel as one.
func (p *Part) Expected() int {
	if p.TotalParts <= 0 {
		return 1
	}
	return p.TotalParts
}
