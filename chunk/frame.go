package chunk

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/auramesh/message"
)

// Frame field numbers. The frame is encoded in protobuf wire format so that
// peers built from a .proto description can interoperate.
const (
	fieldID             protowire.Number = 1
	fieldSender         protowire.Number = 2
	fieldData           protowire.Number = 3
	fieldTimestamp      protowire.Number = 4
	fieldPartIndex      protowire.Number = 5
	fieldTotalParts     protowire.Number = 6
	fieldSequenceNumber protowire.Number = 7
	fieldKind           protowire.Number = 8
)

// ErrMalformedFrame is returned for frames that cannot be decoded into a part
var ErrMalformedFrame = errors.New("chunk: malformed frame")

// Encode serializes a part into one radio frame. Every field is written, in
// field order, so that Encode(Decode(b)) reproduces b exactly.
func Encode(p *message.Part) []byte {
	b := make([]byte, 0, 32+len(p.Data))
	b = protowire.AppendTag(b, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, p.MessageID)
	b = protowire.AppendTag(b, fieldSender, protowire.BytesType)
	b = protowire.AppendString(b, p.Sender)
	b = protowire.AppendTag(b, fieldData, protowire.BytesType)
	b = protowire.AppendBytes(b, p.Data)
	b = protowire.AppendTag(b, fieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Timestamp.UnixMilli()))
	b = protowire.AppendTag(b, fieldPartIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.PartIndex))
	b = protowire.AppendTag(b, fieldTotalParts, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.TotalParts))
	b = protowire.AppendTag(b, fieldSequenceNumber, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.SequenceNumber))
	b = protowire.AppendTag(b, fieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Kind))
	return b
}

// Decode parses one radio frame. Unknown fields are skipped.
func Decode(frame []byte) (*message.Part, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}

	p := &message.Part{}
	b := frame
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldID || num == fieldSender || num == fieldData):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldID:
				p.MessageID = string(v)
			case fieldSender:
				p.Sender = string(v)
			case fieldData:
				p.Data = append([]byte{}, v...)
			}

		case typ == protowire.VarintType && num >= fieldTimestamp && num <= fieldKind:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := applyVarint(p, num, v); err != nil {
				return nil, err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformedFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if p.MessageID == "" {
		return nil, fmt.Errorf("%w: missing message id", ErrMalformedFrame)
	}
	if p.Data == nil {
		p.Data = []byte{}
	}
	return p, nil
}

func applyVarint(p *message.Part, num protowire.Number, v uint64) error {
	switch num {
	case fieldTimestamp:
		p.Timestamp = time.UnixMilli(int64(v))
	case fieldPartIndex, fieldTotalParts:
		if v > math.MaxInt32 {
			return fmt.Errorf("%w: field %d out of range (%d)", ErrMalformedFrame, num, v)
		}
		if num == fieldPartIndex {
			p.PartIndex = int(v)
		} else {
			p.TotalParts = int(v)
		}
	case fieldSequenceNumber:
		p.SequenceNumber = int64(v)
	case fieldKind:
		p.Kind = message.Kind(int32(v))
	}
	return nil
}

// HeaderSize returns the frame bytes a part costs beyond its data
func HeaderSize(p *message.Part) int {
	return len(Encode(p)) - len(p.Data)
}
