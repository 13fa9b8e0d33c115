package source

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/vtx/internal/config"
)

func annexB(nalus ...[]byte) []byte {
	var b bytes.Buffer
	for i, n := range nalus {
		if i%2 == 0 {
			b.Write([]byte{0, 0, 0, 1})
		} else {
			b.Write([]byte{0, 0, 1})
		}
		b.Write(n)
	}
	return b.Bytes()
}

// H.264 NALUs: SPS, PPS, IDR slice, and two P frames.
var (
	sps   = []byte{0x67, 0x42, 0xC0, 0x1F}
	pps   = []byte{0x68, 0xCE, 0x3C, 0x80}
	idr   = []byte{0x65, 0x88, 0x84, 0x21}
	pA    = []byte{0x41, 0x9A, 0x02, 0x03}
	pB    = []byte{0x41, 0x9A, 0x04, 0x05}
	pBExt = []byte{0x41, 0x20, 0x06} // second slice of pB's picture
)

func TestSplitNALUs(t *testing.T) {
	raw := annexB(sps, pps, idr)
	raw = append(raw, 0, 0) // trailing_zero_8bits

	nalus := splitNALUs(raw)
	require.Len(t, nalus, 3)
	assert.Equal(t, sps, nalus[0])
	assert.Equal(t, pps, nalus[1])
	assert.Equal(t, idr, nalus[2])

	assert.Empty(t, splitNALUs([]byte{1, 2, 3}))
	assert.Empty(t, splitNALUs(nil))
}

func TestGroupAccessUnitsH264(t *testing.T) {
	aus, keys := groupAccessUnits([][]byte{sps, pps, idr, pA, pB, pBExt}, config.CodecH264)

	require.Len(t, aus, 3)
	assert.Equal(t, [][]byte{sps, pps, idr}, aus[0])
	assert.Equal(t, [][]byte{pA}, aus[1])
	assert.Equal(t, [][]byte{pB, pBExt}, aus[2])
	assert.Equal(t, []bool{true, false, false}, keys)
}

func TestGroupAccessUnitsH265(t *testing.T) {
	vps := []byte{32 << 1, 0x01, 0x0C}
	hsps := []byte{33 << 1, 0x01, 0x01}
	hpps := []byte{34 << 1, 0x01, 0xC1}
	key := []byte{19 << 1, 0x01, 0xAF}  // IDR_W_RADL, first slice
	trail := []byte{1 << 1, 0x01, 0xD0} // TRAIL_R, first slice
	cont := []byte{1 << 1, 0x01, 0x40}  // TRAIL_R, later slice

	aus, keys := groupAccessUnits([][]byte{vps, hsps, hpps, key, trail, cont}, config.CodecH265)

	require.Len(t, aus, 2)
	assert.Len(t, aus[0], 4)
	assert.Equal(t, [][]byte{trail, cont}, aus[1])
	assert.Equal(t, []bool{true, false}, keys)
}

func TestAnnexBFrames(t *testing.T) {
	src, err := NewAnnexB(annexB(sps, pps, idr, pA, pB), Options{Codec: config.CodecH264, FPS: 30})
	require.NoError(t, err)
	require.Equal(t, 3, src.Len())

	ctx := context.Background()

	f, err := src.Next(ctx)
	require.NoError(t, err)
	assert.True(t, f.KeyFrame)
	assert.Equal(t, uint32(0), f.PTS)
	assert.Equal(t, annexBAll(sps, pps, idr), f.Data)
	f.Release()
	assert.Nil(t, f.Data)

	f, err = src.Next(ctx)
	require.NoError(t, err)
	assert.False(t, f.KeyFrame)
	assert.Equal(t, uint32(3000), f.PTS)
	assert.Equal(t, annexBAll(pA), f.Data)

	_, err = src.Next(ctx)
	require.NoError(t, err)

	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func annexBAll(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

func TestAnnexBLoopKeepsTimestampsRising(t *testing.T) {
	src, err := NewAnnexB(annexB(sps, pps, idr, pA), Options{Codec: config.CodecH264, FPS: 90, Loop: true})
	require.NoError(t, err)

	var last uint32
	for i := 0; i < 7; i++ {
		f, err := src.Next(context.Background())
		require.NoError(t, err)
		assert.Equal(t, i%2 == 0, f.KeyFrame)
		if i > 0 {
			assert.Equal(t, last+1000, f.PTS)
		}
		last = f.PTS
		f.Release()
	}
}

func TestAnnexBErrors(t *testing.T) {
	_, err := NewAnnexB([]byte{1, 2, 3, 4}, Options{Codec: config.CodecH264, FPS: 30})
	assert.ErrorIs(t, err, ErrNoFrames)

	_, err = NewAnnexB(annexB(idr), Options{Codec: config.CodecH264})
	assert.Error(t, err)

	_, err = OpenAnnexB(filepath.Join(t.TempDir(), "missing.h264"), Options{FPS: 30})
	assert.Error(t, err)
}

func TestOpenFileWithFrameLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.h264")
	require.NoError(t, os.WriteFile(path, annexB(sps, pps, idr, pA, pB), 0o644))

	src, err := Open(context.Background(), Options{Input: path, Codec: config.CodecH264, FPS: 30, Loop: true, MaxFrames: 4})
	require.NoError(t, err)
	defer src.Close()

	count := 0
	for {
		f, err := src.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		f.Release()
		count++
	}
	assert.Equal(t, 4, count)
}

func TestSyntheticPattern(t *testing.T) {
	src := NewSynthetic(Options{Codec: config.CodecH264, FPS: 30, Bitrate: 2, GOP: 10})

	// 2 Mbps at 30 fps with GOP 10 is 83333 bytes per GOP over 13 units
	assert.Equal(t, 6410, src.avgSize)
	assert.Equal(t, 4*6410, src.keySize)

	for i := 0; i < 21; i++ {
		f, err := src.Next(context.Background())
		require.NoError(t, err)

		assert.Equal(t, i%10 == 0, f.KeyFrame)
		assert.Equal(t, uint32(i*3000), f.PTS)
		assert.Equal(t, src.FrameSize(uint64(i)), len(f.Data))

		// exactly one NALU per frame, no emulated start codes
		nalus := splitNALUs(f.Data)
		require.Len(t, nalus, 1)
		assert.Equal(t, i%10 == 0, classifyH264(nalus[0]).key)
		f.Release()
	}
}

func TestSyntheticH265Headers(t *testing.T) {
	src := NewSynthetic(Options{Codec: config.CodecH265, FPS: 30, Bitrate: 1, GOP: 2})

	f, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, classifyH265(splitNALUs(f.Data)[0]).key)

	f, err = src.Next(context.Background())
	require.NoError(t, err)
	k := classifyH265(splitNALUs(f.Data)[0])
	assert.True(t, k.vcl)
	assert.False(t, k.key)
}

func TestPacerHonoursContext(t *testing.T) {
	src := NewSynthetic(Options{Codec: config.CodecH264, FPS: 1, Pace: true})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// the first frame is due immediately, the second one second later
	_, err := src.Next(ctx)
	require.NoError(t, err)
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenRTSPInvalidURL(t *testing.T) {
	_, err := Open(context.Background(), Options{Input: "rtsp://[::1"})
	assert.Error(t, err)
}

func TestRTSPKeyFrameDetection(t *testing.T) {
	assert.True(t, isH264Key([][]byte{sps, pps, idr}))
	assert.False(t, isH264Key([][]byte{pA, {}}))

	cra := []byte{21 << 1, 0x01, 0x80}
	trail := []byte{1 << 1, 0x01, 0x80}
	assert.True(t, isH265Key([][]byte{cra}))
	assert.False(t, isH265Key([][]byte{trail}))

	assert.Equal(t, [][]byte{sps, pps}, nonEmpty(nil, sps, []byte{}, pps))
}
