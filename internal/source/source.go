// Package source yields encoded video frames for the packetizer: Annex-B
// elementary stream files, RTSP cameras, or a synthetic test pattern.
package source

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gobwas/pool/pbytes"

	"github.com/1ureka/vtx/internal/config"
	"github.com/1ureka/vtx/internal/protocol"
)

var ErrNoFrames = errors.New("input holds no access units")

// Frame is one encoded access unit. Data is owned by the source and must not
// be used after Release.
type Frame struct {
	Data     []byte
	PTS      uint32 // 90 kHz
	KeyFrame bool

	pooled bool
}

func newPooledFrame(n int) *Frame {
	return &Frame{Data: pbytes.GetLen(n), pooled: true}
}

// Release hands the frame's buffer back to the source.
func (f *Frame) Release() {
	if f.pooled && f.Data != nil {
		pbytes.Put(f.Data)
	}
	f.Data = nil
}

// Source is the frame producer. Next returns io.EOF at end of stream.
type Source interface {
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// Options select and tune a source.
type Options struct {
	Input     string       // "test", rtsp:// URL, or file path
	Codec     config.Codec // codec of file and test inputs
	FPS       int
	Bitrate   int // Mbps, test pattern only
	GOP       int // test pattern only
	Loop      bool
	MaxFrames int  // 0: no limit
	Pace      bool // release file and test frames in real time
}

// OptionsFromConfig maps the sender configuration onto source options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Input:     cfg.Input,
		Codec:     cfg.Codec,
		FPS:       cfg.FPS,
		Bitrate:   cfg.Bitrate,
		GOP:       cfg.GOP,
		Loop:      cfg.Loop,
		MaxFrames: cfg.Frames,
		Pace:      true,
	}
}

// Open picks a source from o.Input.
func Open(ctx context.Context, o Options) (Source, error) {
	var (
		src Source
		err error
	)

	switch {
	case o.Input == config.InputTestPattern:
		src = NewSynthetic(o)
	case strings.HasPrefix(o.Input, "rtsp://"), strings.HasPrefix(o.Input, "rtsps://"):
		src, err = OpenRTSP(ctx, o.Input)
	default:
		src, err = OpenAnnexB(o.Input, o)
	}
	if err != nil {
		return nil, err
	}

	if o.MaxFrames > 0 {
		src = &limited{Source: src, left: o.MaxFrames}
	}
	return src, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// limited ends a source after a fixed number of frames.
type limited struct {
	Source
	left int
}

func (l *limited) Next(ctx context.Context) (*Frame, error) {
	if l.left <= 0 {
		return nil, io.EOF
	}
	f, err := l.Source.Next(ctx)
	if err != nil {
		return nil, err
	}
	l.left--
	return f, nil
}

// ptsOf returns the 90 kHz timestamp of frame n at fps.
func ptsOf(n uint64, fps int) uint32 {
	return uint32(n * protocol.ClockRate / uint64(fps))
}

// pacer releases one frame per interval, starting immediately.
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(fps int, enabled bool) *pacer {
	if !enabled || fps <= 0 {
		return nil
	}
	return &pacer{interval: time.Second / time.Duration(fps)}
}

// wait blocks until the next frame is due. A nil pacer never blocks.
func (p *pacer) wait(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}

	now := time.Now()
	if p.next.IsZero() {
		p.next = now
	}
	if d := p.next.Sub(now); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if -d > time.Second {
		// fell far behind (e.g. blocked sender); resync instead of bursting
		p.next = now
	}

	p.next = p.next.Add(p.interval)
	return nil
}
