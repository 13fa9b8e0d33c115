// Package receiver reads the packetized stream back from UDP and writes the
// reassembled elementary stream to an io.Writer.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pion/rtp"

	"github.com/1ureka/vtx/internal/protocol"
	"github.com/1ureka/vtx/internal/util"
)

const (
	readPollInterval = 500 * time.Millisecond
	maxDatagram      = 65535
	defaultReadBuf   = 0x200000
)

// Options tune a receiver. The zero value is usable.
type Options struct {
	// Merged strips the second header a merging sender places in front of
	// the next frame's data.
	Merged bool

	// ReadBuffer is the kernel receive buffer size. Zero uses 2 MiB.
	ReadBuffer int
}

// Receiver owns a listening UDP socket.
type Receiver struct {
	conn    *net.UDPConn
	out     io.Writer
	merged  bool
	buf     []byte
	tracker seqTracker
	invalid uint64
}

// Listen binds addr (e.g. ":5602") and writes every payload to out.
func Listen(addr string, out io.Writer, opts Options) (*Receiver, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	bufSize := opts.ReadBuffer
	if bufSize == 0 {
		bufSize = defaultReadBuf
	}
	if err := conn.SetReadBuffer(bufSize); err != nil {
		util.LogWarning("failed to set UDP read buffer to %d: %v", bufSize, err)
	}

	return &Receiver{
		conn:   conn,
		out:    out,
		merged: opts.Merged,
		buf:    make([]byte, maxDatagram),
	}, nil
}

// Addr returns the bound local address.
func (r *Receiver) Addr() *net.UDPAddr { return r.conn.LocalAddr().(*net.UDPAddr) }

// Run reads datagrams until ctx is cancelled or the socket is closed. Only a
// failing writer or socket ends it with an error; bad datagrams are skipped.
func (r *Receiver) Run(ctx context.Context) error {
	util.LogInfo("listening on %s", r.Addr())

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.conn.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, err := r.conn.Read(r.buf)
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				continue
			case errors.Is(err, net.ErrClosed):
				return nil
			}
			return fmt.Errorf("failed to read datagram: %w", err)
		}

		if err := r.handle(r.buf[:n]); err != nil {
			return err
		}
	}
}

// handle parses one datagram and writes its payload. Only writer failures are
// returned.
func (r *Receiver) handle(datagram []byte) error {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(datagram); err != nil {
		r.invalid++
		util.LogDebug("dropped invalid datagram (%d bytes): %v", len(datagram), err)
		return nil
	}

	lost := r.tracker.observe(pkt.SSRC, pkt.SequenceNumber)
	if lost > 0 {
		util.Stats.AddLost(lost)
		util.LogDebug("lost %d datagrams before seq %d", lost, pkt.SequenceNumber)
	}

	segments := [][]byte{pkt.Payload}
	if r.merged {
		var err error
		if segments, err = protocol.Payloads(datagram, true); err != nil {
			r.invalid++
			return nil
		}
	}

	written := 0
	for _, seg := range segments {
		if _, err := r.out.Write(seg); err != nil {
			return fmt.Errorf("failed to write payload: %w", err)
		}
		written += len(seg)
	}
	util.Stats.AddRecv(written)
	return nil
}

// Counters reports sequence tracking results.
func (r *Receiver) Counters() Counters {
	c := r.tracker.counters
	c.Invalid = r.invalid
	return c
}

func (r *Receiver) Close() error {
	return r.conn.Close()
}
