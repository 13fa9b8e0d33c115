package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"
)

var (
	ErrShortDatagram = errors.New("datagram shorter than header")
	ErrBadVersion    = errors.New("unsupported header version")
)

// NewHeader builds the header template for a stream. Version, payload type
// and session id are written once here and never touched again.
func NewHeader(payloadType uint8, ssrc uint32) (Header, error) {
	var h Header
	if payloadType > 0x7f {
		return h, fmt.Errorf("payload type %d out of range (0~127)", payloadType)
	}

	tmpl := rtp.Header{
		Version:     Version,
		PayloadType: payloadType,
		SSRC:        ssrc,
	}
	n, err := tmpl.MarshalTo(h[:])
	if err != nil {
		return h, fmt.Errorf("failed to marshal header template: %w", err)
	}
	if n != HeaderSize {
		return h, fmt.Errorf("header template is %d bytes (want %d)", n, HeaderSize)
	}
	return h, nil
}

// Stamp overwrites the sequence number and timestamp in place.
func (h *Header) Stamp(seq uint16, ts uint32) {
	binary.BigEndian.PutUint16(h[2:4], seq)
	binary.BigEndian.PutUint32(h[4:8], ts)
}

func (h *Header) PayloadType() uint8 { return h[1] & 0x7f }
func (h *Header) Sequence() uint16   { return binary.BigEndian.Uint16(h[2:4]) }
func (h *Header) Timestamp() uint32  { return binary.BigEndian.Uint32(h[4:8]) }
func (h *Header) SSRC() uint32       { return binary.BigEndian.Uint32(h[8:12]) }

// Payloads strips the header from a datagram and returns its payload.
//
// When merged is true the datagram may carry a second header (same sequence
// number and session id as the first) in front of the next frame's data, as
// produced by a sender that merges its staged tail into the next frame. In
// that case the two payload segments are returned separately.
//
// The inner header is found by matching bytes 0-3 and 8-11 of the outer one,
// so this is a heuristic: a payload that happens to contain those eight bytes
// at the right distance is split there too.
func Payloads(datagram []byte, merged bool) ([][]byte, error) {
	if len(datagram) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(datagram))
	}
	if datagram[0]>>6 != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, datagram[0]>>6)
	}

	if merged {
		if i := embeddedHeader(datagram); i > 0 {
			return [][]byte{datagram[HeaderSize:i], datagram[i+HeaderSize:]}, nil
		}
	}
	return [][]byte{datagram[HeaderSize:]}, nil
}

// embeddedHeader returns the offset of a second header inside datagram, or -1.
// Both segments around it hold at least one payload byte.
func embeddedHeader(datagram []byte) int {
	outer := datagram[:HeaderSize]
	last := len(datagram) - HeaderSize - 1
	for i := HeaderSize + 1; i <= last; i++ {
		c := datagram[i:]
		if c[0] == outer[0] && c[1] == outer[1] && c[2] == outer[2] && c[3] == outer[3] &&
			bytes.Equal(c[8:HeaderSize], outer[8:HeaderSize]) {
			return i
		}
	}
	return -1
}
