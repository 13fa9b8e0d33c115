package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/rtp"

	"github.com/1ureka/vtx/internal/util"
)

const (
	rtspFrameBuffer = 8
	rtspReadTimeout = 5 * time.Second
)

var ErrNoVideoTrack = errors.New("no H.264 or H.265 track found")

// RTSP pulls access units from a camera. H.265 is preferred over H.264 when
// the camera offers both. Timestamps are the camera's RTP timestamps.
type RTSP struct {
	client *gortsplib.Client
	frames chan *Frame
	done   chan error
}

type auDecoder func(pkt *rtp.Packet) ([][]byte, error)

// OpenRTSP connects to address and starts playback.
func OpenRTSP(ctx context.Context, address string) (*RTSP, error) {
	s := &RTSP{
		frames: make(chan *Frame, rtspFrameBuffer),
		done:   make(chan error, 1),
	}

	s.client = &gortsplib.Client{
		OnPacketLost: func(err error) {
			util.LogDebug("rtsp packet lost: %v", err)
		},
		OnDecodeError: func(err error) {
			util.LogDebug("rtsp decode error: %v", err)
		},
	}

	u, err := base.ParseURL(address)
	if err != nil {
		return nil, fmt.Errorf("invalid RTSP URL: %w", err)
	}

	if err := s.client.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}

	if err := s.setup(u); err != nil {
		s.client.Close()
		return nil, err
	}

	go func() { s.done <- s.client.Wait() }()

	// ctx only bounds the handshake; Close stops the session afterwards
	if err := ctx.Err(); err != nil {
		s.client.Close()
		return nil, err
	}

	util.LogSuccess("RTSP stream started: %s", address)
	return s, nil
}

func (s *RTSP) setup(u *base.URL) error {
	desc, _, err := s.client.Describe(u)
	if err != nil {
		return fmt.Errorf("describe failed: %w", err)
	}

	var (
		h265Format *format.H265
		h264Format *format.H264
		forma      format.Format
		decode     auDecoder
		isKey      func([][]byte) bool
		params     [][]byte
	)

	medi := desc.FindFormat(&h265Format)
	if medi != nil {
		dec, err := h265Format.CreateDecoder()
		if err != nil {
			return fmt.Errorf("failed to create H.265 decoder: %w", err)
		}
		forma, decode, isKey = h265Format, dec.Decode, isH265Key
		params = nonEmpty(h265Format.VPS, h265Format.SPS, h265Format.PPS)
	} else if medi = desc.FindFormat(&h264Format); medi != nil {
		dec, err := h264Format.CreateDecoder()
		if err != nil {
			return fmt.Errorf("failed to create H.264 decoder: %w", err)
		}
		forma, decode, isKey = h264Format, dec.Decode, isH264Key
		params = nonEmpty(h264Format.SPS, h264Format.PPS)
	} else {
		return ErrNoVideoTrack
	}

	if _, err := s.client.Setup(desc.BaseURL, medi, 0, 0); err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}

	s.client.OnPacketRTP(medi, forma, func(pkt *rtp.Packet) {
		au, err := decode(pkt)
		if err != nil {
			return // fragment of a larger unit, or a loss the decoder reported
		}

		key := isKey(au)
		if key && len(params) > 0 {
			// cameras often send parameter sets only in the SDP
			au = append(append([][]byte{}, params...), au...)
		}

		data, err := h264.AnnexBMarshal(au)
		if err != nil {
			util.LogDebug("annex-b marshal failed: %v", err)
			return
		}

		select {
		case s.frames <- &Frame{Data: data, PTS: pkt.Timestamp, KeyFrame: key}:
		default:
			util.Stats.DropFrame()
			util.LogDebug("rtsp frame dropped, consumer too slow")
		}
	})

	if _, err := s.client.Play(nil); err != nil {
		return fmt.Errorf("play failed: %w", err)
	}
	return nil
}

func (s *RTSP) Next(ctx context.Context) (*Frame, error) {
	timer := time.NewTimer(rtspReadTimeout)
	defer timer.Stop()

	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.done:
		if err == nil {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("rtsp session ended: %w", err)
	case <-timer.C:
		return nil, fmt.Errorf("no frame received within %v", rtspReadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *RTSP) Close() error {
	s.client.Close()
	return nil
}

func isH264Key(au [][]byte) bool {
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}

func isH265Key(au [][]byte) bool {
	for _, nalu := range au {
		if classifyH265(nalu).key {
			return true
		}
	}
	return false
}

func nonEmpty(sets ...[]byte) [][]byte {
	var out [][]byte
	for _, s := range sets {
		if len(s) > 0 {
			out = append(out, s)
		}
	}
	return out
}
