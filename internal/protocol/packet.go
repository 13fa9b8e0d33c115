// Package protocol defines the datagram header used on the video link.
package protocol

// Wire constants.
const (
	// HeaderSize is the fixed header size: flags(1) + PT(1) + Seq(2) + TS(4) + SSRC(4).
	HeaderSize = 12

	// MaxDatagramSize is 1500 (Ethernet MTU) - 20 (IP header) - 8 (UDP header).
	MaxDatagramSize = 1472

	// PayloadCapacity is the payload carried by one full-size datagram.
	PayloadCapacity = MaxDatagramSize - HeaderSize

	// Version is written in the two top bits of byte 0.
	Version = 2

	// DefaultPayloadType is the dynamic payload type used for video.
	DefaultPayloadType uint8 = 96

	// ClockRate is the timestamp clock of video payloads.
	ClockRate = 90000
)

// Header is the 12-byte header template of one outbound stream. Bytes 0-1 and
// 8-11 are fixed at construction; Stamp rewrites bytes 2-7 before each send.
type Header [HeaderSize]byte
