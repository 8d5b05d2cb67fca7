package chunk

import (
	"time"

	"github.com/user/auramesh/message"
)

// AddResult describes what happened to a part handed to Entry.Add
type AddResult int

const (
	Added AddResult = iota
	DuplicatePart
	TotalMismatch
	IndexOutOfRange
)

func (r AddResult) String() string {
	switch r {
	case Added:
		return "added"
	case DuplicatePart:
		return "duplicate_part"
	case TotalMismatch:
		return "total_mismatch"
	case IndexOutOfRange:
		return "index_out_of_range"
	default:
		return "unknown"
	}
}

// Entry collects the parts of one in-flight message. The first TotalParts
// seen for the message id is authoritative; the number of stored parts never
// exceeds it.
type Entry struct {
	first    *message.Part
	total    int
	parts    map[int]*message.Part
	oldestAt time.Time
}

// NewEntry starts an entry from the first part received
func NewEntry(first *message.Part) *Entry {
	e := &Entry{
		first:    first,
		total:    first.Expected(),
		parts:    make(map[int]*message.Part, first.Expected()),
		oldestAt: first.ReceivedAt,
	}
	e.Add(first)
	return e
}

// Add stores part unless it conflicts with what the entry already holds.
// Conflicting parts are dropped and reported, never applied.
func (e *Entry) Add(part *message.Part) AddResult {
	if part.Expected() != e.total {
		return TotalMismatch
	}
	if part.PartIndex < 0 || part.PartIndex >= e.total {
		return IndexOutOfRange
	}
	if _, exists := e.parts[part.PartIndex]; exists {
		return DuplicatePart
	}

	e.parts[part.PartIndex] = part
	if !part.ReceivedAt.IsZero() && (e.oldestAt.IsZero() || part.ReceivedAt.Before(e.oldestAt)) {
		e.oldestAt = part.ReceivedAt
	}
	return Added
}

// Complete reports whether every index 0..Total-1 is present
func (e *Entry) Complete() bool {
	return len(e.parts) == e.total
}

// Len returns the number of distinct parts held
func (e *Entry) Len() int { return len(e.parts) }

// Total returns the authoritative part count
func (e *Entry) Total() int { return e.total }

// OldestAt returns when the oldest held part was received
func (e *Entry) OldestAt() time.Time { return e.oldestAt }

// Message concatenates the parts by index and returns the delivered message.
// Returns nil while the entry is incomplete.
func (e *Entry) Message() *message.Message {
	if !e.Complete() {
		return nil
	}

	size := 0
	for _, p := range e.parts {
		size += len(p.Data)
	}
	content := make([]byte, 0, size)
	for i := 0; i < e.total; i++ {
		content = append(content, e.parts[i].Data...)
	}

	return &message.Message{
		ID:             e.first.MessageID,
		Sender:         e.first.Sender,
		Content:        content,
		Timestamp:      e.first.Timestamp,
		Kind:           e.first.Kind,
		SequenceNumber: e.first.SequenceNumber,
		Status:         message.StatusDelivered,
	}
}
