package source

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/pkg/codecs/h265"

	"github.com/1ureka/vtx/internal/config"
)

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// AnnexB replays an H.264/H.265 elementary stream file one access unit at a
// time, with timestamps derived from the frame rate.
type AnnexB struct {
	aus   [][][]byte // access units, each a list of NALUs without start codes
	keys  []bool
	fps   int
	loop  bool
	pacer *pacer

	pos   int
	count uint64
}

// OpenAnnexB reads and indexes the file at path.
func OpenAnnexB(path string, o Options) (*AnnexB, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return NewAnnexB(raw, o)
}

// NewAnnexB indexes an in-memory elementary stream.
func NewAnnexB(raw []byte, o Options) (*AnnexB, error) {
	if o.FPS <= 0 {
		return nil, fmt.Errorf("invalid fps %d", o.FPS)
	}

	aus, keys := groupAccessUnits(splitNALUs(raw), o.Codec)
	if len(aus) == 0 {
		return nil, ErrNoFrames
	}

	return &AnnexB{
		aus:   aus,
		keys:  keys,
		fps:   o.FPS,
		loop:  o.Loop,
		pacer: newPacer(o.FPS, o.Pace),
	}, nil
}

// Len returns the number of access units in the file.
func (a *AnnexB) Len() int { return len(a.aus) }

func (a *AnnexB) Next(ctx context.Context) (*Frame, error) {
	if a.pos == len(a.aus) {
		if !a.loop {
			return nil, io.EOF
		}
		a.pos = 0
	}

	if err := a.pacer.wait(ctx); err != nil {
		return nil, err
	}

	au := a.aus[a.pos]
	size := 0
	for _, nalu := range au {
		size += len(startCode) + len(nalu)
	}

	f := newPooledFrame(size)
	n := 0
	for _, nalu := range au {
		n += copy(f.Data[n:], startCode)
		n += copy(f.Data[n:], nalu)
	}
	f.PTS = ptsOf(a.count, a.fps)
	f.KeyFrame = a.keys[a.pos]

	a.pos++
	a.count++
	return f, nil
}

func (a *AnnexB) Close() error {
	a.aus = nil
	return nil
}

// ---------------------------------------------------------------------------
// Bitstream parsing
// ---------------------------------------------------------------------------

// splitNALUs cuts a byte stream on 3- and 4-byte start codes. Trailing zero
// bytes of each NALU are dropped.
func splitNALUs(b []byte) [][]byte {
	var nalus [][]byte

	emit := func(start, end int) {
		for end > start && b[end-1] == 0 {
			end--
		}
		if end > start {
			nalus = append(nalus, b[start:end])
		}
	}

	start := -1
	for i := 0; i+2 < len(b); {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			if start >= 0 {
				emit(start, i)
			}
			i += 3
			start = i
			continue
		}
		i++
	}
	if start >= 0 {
		emit(start, len(b))
	}
	return nalus
}

// naluKind is what access unit grouping needs to know about a NALU.
type naluKind struct {
	vcl        bool // carries slice data
	firstSlice bool // first slice of a picture
	auPrefix   bool // may only appear before the first slice of an access unit
	key        bool // random access point
}

func classifyH264(nalu []byte) naluKind {
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeIDR:
		return naluKind{vcl: true, firstSlice: firstMBIsZero(nalu), key: true}
	case h264.NALUTypeNonIDR, h264.NALUTypeDataPartitionA, h264.NALUTypeDataPartitionB, h264.NALUTypeDataPartitionC:
		return naluKind{vcl: true, firstSlice: firstMBIsZero(nalu)}
	case h264.NALUTypeAccessUnitDelimiter, h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return naluKind{auPrefix: true}
	}
	return naluKind{}
}

// firstMBIsZero reports first_mb_in_slice == 0, coded as a single '1' bit.
func firstMBIsZero(nalu []byte) bool {
	return len(nalu) > 1 && nalu[1]&0x80 != 0
}

func classifyH265(nalu []byte) naluKind {
	if len(nalu) < 2 {
		return naluKind{}
	}
	typ := h265.NALUType((nalu[0] >> 1) & 0b111111)

	switch typ {
	case h265.NALUType_VPS_NUT, h265.NALUType_SPS_NUT, h265.NALUType_PPS_NUT,
		h265.NALUType_AUD_NUT, h265.NALUType_PREFIX_SEI_NUT:
		return naluKind{auPrefix: true}
	}

	if typ < 32 {
		// first_slice_segment_in_pic_flag follows the 2-byte NALU header
		first := len(nalu) > 2 && nalu[2]&0x80 != 0
		key := typ == h265.NALUType_IDR_W_RADL || typ == h265.NALUType_IDR_N_LP || typ == h265.NALUType_CRA_NUT
		return naluKind{vcl: true, firstSlice: first, key: key}
	}
	return naluKind{}
}

// groupAccessUnits collects NALUs into access units. A new unit starts at a
// prefix NALU or a first slice once the current unit holds a slice.
func groupAccessUnits(nalus [][]byte, codec config.Codec) ([][][]byte, []bool) {
	classify := classifyH264
	if codec == config.CodecH265 {
		classify = classifyH265
	}

	var (
		aus    [][][]byte
		keys   []bool
		cur    [][]byte
		hasVCL bool
		key    bool
	)

	for _, nalu := range nalus {
		k := classify(nalu)
		if hasVCL && (k.auPrefix || (k.vcl && k.firstSlice)) {
			aus = append(aus, cur)
			keys = append(keys, key)
			cur, hasVCL, key = nil, false, false
		}

		cur = append(cur, nalu)
		if k.vcl {
			hasVCL = true
			key = key || k.key
		}
	}
	if hasVCL {
		aus = append(aus, cur)
		keys = append(keys, key)
	}
	return aus, keys
}
