// Package packetizer splits encoded video frames into header-prefixed UDP
// datagrams, carrying a frame's tail over into the next call so that
// datagrams are packed as fully as possible.
package packetizer

import (
	"errors"
	"fmt"
	"io"

	"github.com/pion/randutil"

	"github.com/1ureka/vtx/internal/protocol"
)

var (
	ErrEmptyFrame = errors.New("empty frame")
	ErrTransmit   = errors.New("transmit failed")
	ErrConfig     = errors.New("invalid packetizer config")
)

// Sender is the datagram transport. Send either transmits the whole datagram
// or returns an error. The packetizer never retains datagram after Send
// returns.
type Sender interface {
	Send(datagram []byte) error
}

// TailMode selects what happens to a staged tail when the next frame arrives.
type TailMode int

const (
	// TailMerge fills the rest of the staged datagram with a second header and
	// the start of the next frame.
	TailMerge TailMode = iota
	// TailFlush sends the staged tail as its own datagram, so every datagram
	// carries exactly one header.
	TailFlush
)

func (m TailMode) String() string {
	switch m {
	case TailMerge:
		return "merge"
	case TailFlush:
		return "flush"
	default:
		return fmt.Sprintf("TailMode(%d)", int(m))
	}
}

// ParseTailMode parses "merge" or "flush".
func ParseTailMode(s string) (TailMode, error) {
	switch s {
	case "merge", "":
		return TailMerge, nil
	case "flush":
		return TailFlush, nil
	default:
		return 0, fmt.Errorf("%w: unknown tail mode %q", ErrConfig, s)
	}
}

// Config holds the per-stream packetizer parameters.
type Config struct {
	// payload type of datagrams.
	PayloadType uint8

	// session id of datagrams (optional).
	// It defaults to a random value.
	SSRC *uint32

	// maximum datagram size including the header (optional).
	// It defaults to protocol.MaxDatagramSize.
	MaxDatagramSize int

	Tail TailMode
}

// Counters are cumulative per-packetizer totals.
type Counters struct {
	Frames      uint64 // frames fully handed over by Push
	Datagrams   uint64 // datagrams sent
	Bytes       uint64 // datagram bytes sent, headers included
	Merged      uint64 // datagrams that carried a staged tail and new data
	TailFlushes uint64 // staged tails sent on their own
}

// Packetizer owns one outbound stream: the transport, the header template,
// the sequence counter and the carry-over buffer.
//
// A Packetizer is not safe for concurrent use; callers serialize Push.
type Packetizer struct {
	tr      Sender
	header  protocol.Header
	ssrc    uint32
	maxSize int
	mode    TailMode

	// seq counts datagrams sent; the wire carries its low 16 bits.
	seq uint64

	// staged holds a header plus the unsent tail of the previous frame.
	staged    []byte
	stagedLen int

	// scratch is the outgoing datagram buffer.
	scratch []byte

	counters Counters
	closed   bool
}

// New initializes a stream on tr: zero sequence number, session id chosen,
// header template built and carry-over buffer allocated.
func New(tr Sender, cfg Config) (*Packetizer, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil sender", ErrConfig)
	}

	maxSize := cfg.MaxDatagramSize
	if maxSize == 0 {
		maxSize = protocol.MaxDatagramSize
	}
	// Room for at least one merge: header + 1 byte, twice.
	if maxSize < 2*(protocol.HeaderSize+1) || maxSize > 65507 {
		return nil, fmt.Errorf("%w: datagram size %d out of range (%d~65507)",
			ErrConfig, maxSize, 2*(protocol.HeaderSize+1))
	}

	if cfg.Tail != TailMerge && cfg.Tail != TailFlush {
		return nil, fmt.Errorf("%w: %v", ErrConfig, cfg.Tail)
	}

	var ssrc uint32
	if cfg.SSRC != nil {
		ssrc = *cfg.SSRC
	} else {
		ssrc = randutil.NewMathRandomGenerator().Uint32()
	}

	header, err := protocol.NewHeader(cfg.PayloadType, ssrc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &Packetizer{
		tr:      tr,
		header:  header,
		ssrc:    ssrc,
		maxSize: maxSize,
		mode:    cfg.Tail,
		staged:  make([]byte, maxSize),
		scratch: make([]byte, maxSize),
	}, nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Sequence returns the number of datagrams sent so far. The next datagram
// goes out with uint16(Sequence()) on the wire.
func (p *Packetizer) Sequence() uint64 { return p.seq }

func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Staged returns the number of bytes (header included) waiting in the
// carry-over buffer.
func (p *Packetizer) Staged() int { return p.stagedLen }

func (p *Packetizer) Counters() Counters { return p.counters }

func (p *Packetizer) MaxDatagramSize() int { return p.maxSize }

func (p *Packetizer) TailMode() TailMode { return p.mode }

// ---------------------------------------------------------------------------
// Push
// ---------------------------------------------------------------------------

// Push packetizes one frame. Every header built during the call carries pts.
//
// Any staged tail is first merged with (or, in TailFlush mode, sent ahead of)
// the frame. The rest of the frame goes out in full-size datagrams, and what
// is left over is staged for the next call. A staged datagram too full to
// take another header plus one byte is sent immediately.
//
// On a transport failure Push returns an error wrapping ErrTransmit. The
// failed datagram does not consume a sequence number, and the carry-over
// buffer keeps whatever it held before that send. The rest of the frame is
// dropped.
func (p *Packetizer) Push(data []byte, pts uint32) error {
	p.mustBeOpen()

	if len(data) == 0 {
		return ErrEmptyFrame
	}

	// A forced flush that failed on the previous call left no room to merge.
	if p.stagedLen > 0 && p.maxSize-p.stagedLen < protocol.HeaderSize+1 {
		if err := p.flushTail(); err != nil {
			return err
		}
	}

	if p.stagedLen > 0 {
		switch p.mode {
		case TailMerge:
			n, err := p.mergeTail(data, pts)
			if err != nil {
				return err
			}
			data = data[n:]
		case TailFlush:
			if err := p.flushTail(); err != nil {
				return err
			}
		}
	}

	capacity := p.maxSize - protocol.HeaderSize
	for len(data) >= capacity {
		if err := p.sendFragment(data[:capacity], pts); err != nil {
			return err
		}
		data = data[capacity:]
	}

	if len(data) > 0 {
		p.stage(data, pts)

		if p.maxSize-p.stagedLen < protocol.HeaderSize+1 {
			if err := p.flushTail(); err != nil {
				return err
			}
		}
	}

	p.counters.Frames++
	return nil
}

// Flush sends a staged tail, if any, as a standalone datagram.
func (p *Packetizer) Flush() error {
	p.mustBeOpen()

	if p.stagedLen == 0 {
		return nil
	}
	return p.flushTail()
}

// Close ends the stream: the transport is closed if it is an io.Closer, any
// staged tail is dropped and the state is reset. The Packetizer must not be
// used afterwards.
func (p *Packetizer) Close() error {
	p.mustBeOpen()

	var err error
	if c, ok := p.tr.(io.Closer); ok {
		err = c.Close()
	}

	p.tr = nil
	p.seq = 0
	p.stagedLen = 0
	p.staged = nil
	p.scratch = nil
	p.closed = true
	return err
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

// mergeTail sends the staged tail followed by a second header and as much of
// data as fits. It returns the number of data bytes consumed.
func (p *Packetizer) mergeTail(data []byte, pts uint32) (int, error) {
	avail := p.maxSize - p.stagedLen - protocol.HeaderSize
	n := min(avail, len(data))

	datagram := p.scratch[:p.stagedLen+protocol.HeaderSize+n]
	copy(datagram, p.staged[:p.stagedLen])

	p.header.Stamp(p.wireSeq(), pts)
	copy(datagram[p.stagedLen:], p.header[:])
	copy(datagram[p.stagedLen+protocol.HeaderSize:], data[:n])

	if err := p.transmit(datagram); err != nil {
		return 0, err
	}

	p.stagedLen = 0
	p.counters.Merged++
	return n, nil
}

// sendFragment sends one header-prefixed fragment.
func (p *Packetizer) sendFragment(fragment []byte, pts uint32) error {
	datagram := p.scratch[:protocol.HeaderSize+len(fragment)]

	p.header.Stamp(p.wireSeq(), pts)
	copy(datagram, p.header[:])
	copy(datagram[protocol.HeaderSize:], fragment)

	return p.transmit(datagram)
}

// stage copies a header and the remainder into the carry-over buffer. The
// header takes the sequence number the staged datagram will be sent with.
func (p *Packetizer) stage(remainder []byte, pts uint32) {
	p.header.Stamp(p.wireSeq(), pts)
	copy(p.staged, p.header[:])
	copy(p.staged[protocol.HeaderSize:], remainder)
	p.stagedLen = protocol.HeaderSize + len(remainder)
}

// flushTail sends the staged datagram as is.
func (p *Packetizer) flushTail() error {
	if err := p.transmit(p.staged[:p.stagedLen]); err != nil {
		return err
	}
	p.stagedLen = 0
	p.counters.TailFlushes++
	return nil
}

// transmit hands a finished datagram to the transport and consumes one
// sequence number on success only.
func (p *Packetizer) transmit(datagram []byte) error {
	if err := p.tr.Send(datagram); err != nil {
		return fmt.Errorf("%w: seq %d (%d bytes): %w", ErrTransmit, p.wireSeq(), len(datagram), err)
	}
	p.seq++
	p.counters.Datagrams++
	p.counters.Bytes += uint64(len(datagram))
	return nil
}

func (p *Packetizer) wireSeq() uint16 {
	return uint16(p.seq)
}

func (p *Packetizer) mustBeOpen() {
	if p.closed {
		panic("packetizer: use after Close")
	}
}
