package protocol

import (
	"bytes"
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewHeaderLayout verifies the fixed bytes of a fresh template.
func TestNewHeaderLayout(t *testing.T) {
	h, err := NewHeader(DefaultPayloadType, 0xDEADBEEF)
	require.NoError(t, err)

	want := []byte{0x80, 96, 0, 0, 0, 0, 0, 0, 0xDE, 0xAD, 0xBE, 0xEF}
	assert.Equal(t, want, h[:])
}

func TestNewHeaderRejectsPayloadType(t *testing.T) {
	_, err := NewHeader(128, 1)
	require.Error(t, err)
}

// TestStampOnlyTouchesSeqAndTimestamp verifies that bytes 0-1 and 8-11
// survive repeated stamping.
func TestStampOnlyTouchesSeqAndTimestamp(t *testing.T) {
	h, err := NewHeader(111, 0x01020304)
	require.NoError(t, err)

	h.Stamp(0xABCD, 0x11223344)
	assert.Equal(t, []byte{0x80, 111, 0xAB, 0xCD, 0x11, 0x22, 0x33, 0x44, 0x01, 0x02, 0x03, 0x04}, h[:])

	h.Stamp(1, 2)
	assert.Equal(t, uint16(1), h.Sequence())
	assert.Equal(t, uint32(2), h.Timestamp())
	assert.Equal(t, uint32(0x01020304), h.SSRC())
	assert.Equal(t, uint8(111), h.PayloadType())
}

// TestHeaderIsRTPCompatible parses a stamped header with pion/rtp.
func TestHeaderIsRTPCompatible(t *testing.T) {
	h, err := NewHeader(DefaultPayloadType, 42)
	require.NoError(t, err)
	h.Stamp(65535, 90000)

	datagram := append(h[:], []byte("payload")...)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(datagram))
	assert.Equal(t, uint8(Version), pkt.Version)
	assert.False(t, pkt.Padding)
	assert.False(t, pkt.Extension)
	assert.False(t, pkt.Marker)
	assert.Equal(t, DefaultPayloadType, pkt.PayloadType)
	assert.Equal(t, uint16(65535), pkt.SequenceNumber)
	assert.Equal(t, uint32(90000), pkt.Timestamp)
	assert.Equal(t, uint32(42), pkt.SSRC)
	assert.Equal(t, []byte("payload"), pkt.Payload)
}

func TestPayloadsErrors(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", []byte{}, ErrShortDatagram},
		{"11 bytes", make([]byte, 11), ErrShortDatagram},
		{"version 0", make([]byte, 20), ErrBadVersion},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Payloads(tc.data, false)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestPayloadsSingle(t *testing.T) {
	h, err := NewHeader(DefaultPayloadType, 7)
	require.NoError(t, err)
	h.Stamp(3, 4)

	datagram := append(h[:], 1, 2, 3)
	segs, err := Payloads(datagram, true)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, []byte{1, 2, 3}, segs[0])
}

// TestPayloadsMerged splits a datagram carrying a staged tail followed by a
// second header and the next frame's data.
func TestPayloadsMerged(t *testing.T) {
	h, err := NewHeader(DefaultPayloadType, 0xCAFEBABE)
	require.NoError(t, err)

	h.Stamp(9, 1000)
	var datagram []byte
	datagram = append(datagram, h[:]...)
	tail := bytes.Repeat([]byte{0x11}, 30)
	datagram = append(datagram, tail...)

	h.Stamp(9, 4000)
	datagram = append(datagram, h[:]...)
	head := bytes.Repeat([]byte{0x22}, 50)
	datagram = append(datagram, head...)

	segs, err := Payloads(datagram, true)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, tail, segs[0])
	assert.Equal(t, head, segs[1])

	// Without merge awareness the inner header stays in the payload.
	segs, err = Payloads(datagram, false)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Len(t, segs[0], len(tail)+HeaderSize+len(head))
}

// TestPayloadsMergedIgnoresNearMiss places a header-like run (0x80 0x60 and
// the outer sequence number, but another session id) in the tail. Only the
// real inner header splits the datagram.
func TestPayloadsMergedIgnoresNearMiss(t *testing.T) {
	h, err := NewHeader(DefaultPayloadType, 0xCAFEBABE)
	require.NoError(t, err)
	h.Stamp(9, 1000)

	tail := []byte{0x01, 0x80, 0x60, 0x00, 0x09, 0, 0, 0, 0, 0xCA, 0xFE, 0xBA, 0xBF, 0x02, 0x80, 0x60}

	var datagram []byte
	datagram = append(datagram, h[:]...)
	datagram = append(datagram, tail...)
	h.Stamp(9, 4000)
	datagram = append(datagram, h[:]...)
	head := []byte{0x80, 0x60, 0x00, 0x09, 0x33}
	datagram = append(datagram, head...)

	segs, err := Payloads(datagram, true)
	require.NoError(t, err)
	require.Len(t, segs, 2)
	assert.Equal(t, tail, segs[0])
	assert.Equal(t, head, segs[1])

	// a lone near-miss with no inner header is left intact
	h.Stamp(9, 1000)
	single := append(append([]byte{}, h[:]...), tail...)
	segs, err = Payloads(single, true)
	require.NoError(t, err)
	require.Len(t, segs, 1)
	assert.Equal(t, tail, segs[0])
}
