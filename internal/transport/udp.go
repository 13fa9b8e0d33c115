// Package transport provides the outbound datagram socket of a stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/1ureka/vtx/internal/util"
)

// same size as GStreamer's udpsink
const defaultWriteBufferSize = 0x80000

var ErrShortWrite = errors.New("short datagram write")

// Options tune the UDP socket. The zero value is usable.
type Options struct {
	// WriteTimeout bounds a single Send. Zero blocks until the kernel
	// accepts the datagram.
	WriteTimeout time.Duration

	// WriteBuffer is the kernel send buffer size. Zero uses 512 KiB.
	WriteBuffer int

	// DSCP marks outgoing packets (0~63). Zero leaves the default class.
	DSCP int
}

// UDP is a connected UDP socket bound to one destination for its lifetime.
// No local port is bound explicitly.
type UDP struct {
	conn         *net.UDPConn
	remote       *net.UDPAddr
	writeTimeout time.Duration
}

// DialUDP resolves addr ("host:port") and opens a socket towards it.
func DialUDP(ctx context.Context, addr string, opts Options) (*UDP, error) {
	if opts.DSCP < 0 || opts.DSCP > 63 {
		return nil, fmt.Errorf("invalid DSCP %d (must be 0~63)", opts.DSCP)
	}

	var dialer net.Dialer
	c, err := dialer.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	conn := c.(*net.UDPConn)

	bufSize := opts.WriteBuffer
	if bufSize == 0 {
		bufSize = defaultWriteBufferSize
	}
	if err := conn.SetWriteBuffer(bufSize); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set write buffer: %w", err)
	}

	if opts.DSCP > 0 {
		// TOS carries DSCP in its upper six bits.
		if err := ipv4.NewConn(conn).SetTOS(opts.DSCP << 2); err != nil {
			util.LogWarning("failed to set DSCP %d on %s: %v", opts.DSCP, addr, err)
		}
	}

	return &UDP{
		conn:         conn,
		remote:       conn.RemoteAddr().(*net.UDPAddr),
		writeTimeout: opts.WriteTimeout,
	}, nil
}

// Send writes one datagram. It succeeds only if the whole datagram was sent.
func (u *UDP) Send(datagram []byte) error {
	// no mutex is needed here since Write() has an internal lock.
	if u.writeTimeout > 0 {
		if err := u.conn.SetWriteDeadline(time.Now().Add(u.writeTimeout)); err != nil {
			return err
		}
	}

	n, err := u.conn.Write(datagram)
	if err != nil {
		return err
	}
	if n != len(datagram) {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortWrite, n, len(datagram))
	}

	util.Stats.AddSent(n)
	return nil
}

// RemoteAddr returns the resolved destination.
func (u *UDP) RemoteAddr() *net.UDPAddr { return u.remote }

// LocalAddr returns the ephemeral local address chosen by the kernel.
func (u *UDP) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Close releases the socket.
func (u *UDP) Close() error {
	return u.conn.Close()
}

var _ io.Closer = (*UDP)(nil)
