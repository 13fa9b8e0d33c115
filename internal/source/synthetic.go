package source

import (
	"context"

	"github.com/1ureka/vtx/internal/config"
)

// Synthetic emits Annex-B shaped frames sized for a target bitrate, with a
// key frame every GOP frames. Payload bytes are never zero, so frames contain
// no stray start codes.
type Synthetic struct {
	codec    config.Codec
	fps      int
	gop      int
	avgSize  int
	keySize  int
	pacer    *pacer
	count    uint64
	contents byte
}

const keyFrameScale = 4

// NewSynthetic builds a test pattern source from o.FPS, o.Bitrate and o.GOP.
func NewSynthetic(o Options) *Synthetic {
	fps := max(o.FPS, 1)
	gop := max(o.GOP, 1)
	bitrate := max(o.Bitrate, 1)

	// one key frame of keyFrameScale units plus gop-1 units per GOP
	bytesPerGOP := bitrate * 1_000_000 / 8 * gop / fps
	unit := max(bytesPerGOP/(gop-1+keyFrameScale), 16)

	return &Synthetic{
		codec:   o.Codec,
		fps:     fps,
		gop:     gop,
		avgSize: unit,
		keySize: unit * keyFrameScale,
		pacer:   newPacer(fps, o.Pace),
	}
}

// FrameSize returns the size of frame n.
func (s *Synthetic) FrameSize(n uint64) int {
	if n%uint64(s.gop) == 0 {
		return s.keySize
	}
	// +-12.5% wobble so the tail length varies from frame to frame
	span := uint64(s.avgSize / 4)
	if span == 0 {
		return s.avgSize
	}
	return s.avgSize - int(span/2) + int((n*7919)%span)
}

func (s *Synthetic) Next(ctx context.Context) (*Frame, error) {
	if err := s.pacer.wait(ctx); err != nil {
		return nil, err
	}

	key := s.count%uint64(s.gop) == 0
	f := newPooledFrame(s.FrameSize(s.count))
	f.PTS = ptsOf(s.count, s.fps)
	f.KeyFrame = key

	n := copy(f.Data, startCode)
	n += copy(f.Data[n:], s.naluHeader(key))
	for i := n; i < len(f.Data); i++ {
		f.Data[i] = s.contents%255 + 1
		s.contents++
	}

	s.count++
	return f, nil
}

func (s *Synthetic) naluHeader(key bool) []byte {
	if s.codec == config.CodecH265 {
		if key {
			return []byte{19 << 1, 0x01, 0x80} // IDR_W_RADL, first slice
		}
		return []byte{1 << 1, 0x01, 0x80} // TRAIL_R, first slice
	}
	if key {
		return []byte{0x65, 0x80} // IDR, first_mb_in_slice 0
	}
	return []byte{0x41, 0x80}
}

func (s *Synthetic) Close() error { return nil }
