// Package chunk splits messages into radio-sized parts and puts them back
// together.
//
// A message whose content fits in one broadcast unit travels as a single part
// with PartIndex 0 and TotalParts 0 (the unsplit sentinel). Larger content is
// cut into fixed-size slices in byte order and numbered 0..TotalParts-1. The
// payload budget is a capability of the radio, not a constant of this package.
package chunk

import (
	"errors"
	"fmt"

	"github.com/user/auramesh/message"
)

var (
	// ErrInvalidPayloadSize is returned when the payload budget is below one byte
	ErrInvalidPayloadSize = errors.New("chunk: payload size must be at least 1 byte")

	// ErrIncomplete is returned by Join when indices are missing
	ErrIncomplete = errors.New("chunk: parts incomplete")
)

// ShouldSplit reports whether content needs more than one broadcast unit
func ShouldSplit(maxPayload int, content []byte) bool {
	return len(content) > maxPayload
}

// PartCount returns how many parts Split will produce for size bytes.
// Unsplit content reports 0, matching the wire sentinel.
func PartCount(maxPayload, size int) int {
	if size <= maxPayload {
		return 0
	}
	return (size + maxPayload - 1) / maxPayload
}

// Split cuts msg into ordered parts of at most maxPayload data bytes
func Split(msg *message.Message, maxPayload int) ([]*message.Part, error) {
	if maxPayload < 1 {
		return nil, ErrInvalidPayloadSize
	}
	if msg == nil {
		return nil, fmt.Errorf("chunk: cannot split nil message")
	}

	if !ShouldSplit(maxPayload, msg.Content) {
		part := newPart(msg, 0, 0)
		part.Data = append([]byte(nil), msg.Content...)
		return []*message.Part{part}, nil
	}

	total := PartCount(maxPayload, len(msg.Content))
	parts := make([]*message.Part, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(msg.Content) {
			end = len(msg.Content)
		}

		part := newPart(msg, i, total)
		part.Data = make([]byte, end-start)
		copy(part.Data, msg.Content[start:end])
		parts = append(parts, part)
	}

	return parts, nil
}

func newPart(msg *message.Message, index, total int) *message.Part {
	return &message.Part{
		MessageID:      msg.ID,
		Sender:         msg.Sender,
		Timestamp:      msg.Timestamp,
		SequenceNumber: msg.SequenceNumber,
		Kind:           msg.Kind,
		PartIndex:      index,
		TotalParts:     total,
	}
}

// Join reassembles a complete set of parts regardless of their order
func Join(parts []*message.Part) (*message.Message, error) {
	if len(parts) == 0 {
		return nil, ErrIncomplete
	}

	entry := NewEntry(parts[0])
	for _, p := range parts[1:] {
		entry.Add(p)
	}
	if !entry.Complete() {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncomplete, entry.Len(), entry.Total())
	}
	return entry.Message(), nil
}
