package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/user/auramesh/message"
)

func TestFrame_RoundTripByteForByte(t *testing.T) {
	msg := testMessage("hello-world-this-is-long")
	msg.Kind = message.KindAck

	parts, err := Split(msg, 8)
	require.NoError(t, err)

	for _, p := range parts {
		frame := Encode(p)

		decoded, err := Decode(frame)
		require.NoError(t, err)

		assert.Equal(t, p.MessageID, decoded.MessageID)
		assert.Equal(t, p.Sender, decoded.Sender)
		assert.Equal(t, p.Data, decoded.Data)
		assert.Equal(t, p.Timestamp.UnixMilli(), decoded.Timestamp.UnixMilli())
		assert.Equal(t, p.PartIndex, decoded.PartIndex)
		assert.Equal(t, p.TotalParts, decoded.TotalParts)
		assert.Equal(t, p.SequenceNumber, decoded.SequenceNumber)
		assert.Equal(t, message.KindAck, decoded.Kind)

		assert.Equal(t, frame, Encode(decoded), "re-encoding must reproduce the frame")
	}
}

func TestFrame_EmptyData(t *testing.T) {
	parts, err := Split(testMessage(""), 8)
	require.NoError(t, err)

	frame := Encode(parts[0])
	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Empty(t, decoded.Data)
	assert.Equal(t, frame, Encode(decoded))
}

func TestFrame_SkipsUnknownFields(t *testing.T) {
	p := &message.Part{MessageID: "m1", Sender: "s", Data: []byte("abc")}
	frame := Encode(p)
	frame = protowire.AppendTag(frame, 99, protowire.BytesType)
	frame = protowire.AppendString(frame, "future")

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(decoded.Data))
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"truncated tag", []byte{0x80}},
		{"truncated bytes", []byte{0x0a, 0x05, 'a'}},
		{"missing id", Encode(&message.Part{Sender: "s"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestHeaderSize(t *testing.T) {
	p := &message.Part{MessageID: "a1b2c3d4", Sender: "node", Data: []byte("12345678")}
	assert.Equal(t, len(Encode(p))-8, HeaderSize(p))
}
