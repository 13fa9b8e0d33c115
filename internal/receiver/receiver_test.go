package receiver

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/vtx/internal/packetizer"
	"github.com/1ureka/vtx/internal/protocol"
	"github.com/1ureka/vtx/internal/transport"
	"github.com/1ureka/vtx/internal/util"
)

func TestSeqTracker(t *testing.T) {
	var tr seqTracker

	assert.Equal(t, 0, tr.observe(1, 100))
	assert.Equal(t, 0, tr.observe(1, 101))
	assert.Equal(t, 2, tr.observe(1, 104)) // 102, 103 missing
	assert.Equal(t, 0, tr.observe(1, 103)) // late
	assert.Equal(t, 0, tr.observe(1, 104)) // duplicate

	c := tr.counters
	assert.Equal(t, uint64(5), c.Received)
	assert.Equal(t, uint64(2), c.Lost)
	assert.Equal(t, uint64(1), c.Late)
	assert.Equal(t, uint64(1), c.Duplicate)
}

func TestSeqTrackerWraps(t *testing.T) {
	var tr seqTracker

	tr.observe(9, 65534)
	assert.Equal(t, 0, tr.observe(9, 65535))
	assert.Equal(t, 0, tr.observe(9, 0))
	assert.Equal(t, 1, tr.observe(9, 2))
	assert.Equal(t, uint64(1), tr.counters.Lost)
	assert.Zero(t, tr.counters.Late)
}

func TestSeqTrackerResetsOnNewSession(t *testing.T) {
	var tr seqTracker

	tr.observe(1, 500)
	assert.Equal(t, 0, tr.observe(2, 7))
	assert.Equal(t, 0, tr.observe(2, 8))
	assert.Equal(t, uint64(1), tr.counters.Resets)
	assert.Zero(t, tr.counters.Lost)
}

// syncBuffer is a bytes.Buffer safe to read while Run writes to it.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.b.Bytes())
}

func datagram(t *testing.T, seq uint16, payload []byte) []byte {
	t.Helper()
	h, err := protocol.NewHeader(protocol.DefaultPayloadType, 0xABCD)
	require.NoError(t, err)
	h.Stamp(seq, 90000)
	return append(h[:], payload...)
}

func TestHandleSingleAndMerged(t *testing.T) {
	var out bytes.Buffer
	r := &Receiver{out: &out, merged: true}

	require.NoError(t, r.handle(datagram(t, 1, []byte("abc"))))

	// tail "de" merged with the next frame "fgh" under the same seq
	merged := append(datagram(t, 2, []byte("de")), datagram(t, 2, []byte("fgh"))...)
	require.NoError(t, r.handle(merged))

	require.NoError(t, r.handle([]byte{0x80, 0x60})) // too short

	assert.Equal(t, "abcdefgh", out.String())
	c := r.Counters()
	assert.Equal(t, uint64(2), c.Received)
	assert.Equal(t, uint64(1), c.Invalid)
}

func TestHandleKeepsInnerHeaderWhenNotMerged(t *testing.T) {
	var out bytes.Buffer
	r := &Receiver{out: &out}

	merged := append(datagram(t, 2, []byte("de")), datagram(t, 2, []byte("fgh"))...)
	require.NoError(t, r.handle(merged))
	assert.Equal(t, 2+protocol.HeaderSize+3, out.Len())
}

func runPipeline(t *testing.T, mode packetizer.TailMode, frames [][]byte) []byte {
	t.Helper()

	out := &syncBuffer{}
	r, err := Listen("127.0.0.1:0", out, Options{Merged: mode == packetizer.TailMerge})
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	u, err := transport.DialUDP(ctx, r.Addr().String(), transport.Options{})
	require.NoError(t, err)

	pk, err := packetizer.New(u, packetizer.Config{Tail: mode})
	require.NoError(t, err)

	want := 0
	for i, f := range frames {
		require.NoError(t, pk.Push(f, uint32(i*1000)))
		want += len(f)
	}
	require.NoError(t, pk.Flush())
	require.NoError(t, pk.Close())

	require.Eventually(t, func() bool { return len(out.Bytes()) >= want }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, r.Counters().Lost)
	return out.Bytes()
}

func TestLoopbackRoundTrip(t *testing.T) {
	util.Stats.Reset()
	t.Cleanup(util.Stats.Reset)

	var frames [][]byte
	var want []byte
	for i, n := range []int{1460, 100, 3000, 37, 5000, 1447, 1448, 800} {
		f := bytes.Repeat([]byte{byte(0x10 + i)}, n)
		frames = append(frames, f)
		want = append(want, f...)
	}

	for _, mode := range []packetizer.TailMode{packetizer.TailMerge, packetizer.TailFlush} {
		t.Run(mode.String(), func(t *testing.T) {
			assert.Equal(t, want, runPipeline(t, mode, frames))
		})
	}
}
