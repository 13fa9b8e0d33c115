package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide traffic counter.
var Stats = &stats{}

type stats struct {
	FramesPushed  atomic.Int64 // frames handed to the packetizer without error
	FramesDropped atomic.Int64 // frames skipped or dropped before reaching the packetizer
	DatagramsSent atomic.Int64 // datagrams written to the socket
	BytesSent     atomic.Int64 // datagram bytes written to the socket, headers included
	SendErrors    atomic.Int64 // failed push calls

	DatagramsRecv atomic.Int64 // datagrams read from the socket
	BytesRecv     atomic.Int64 // payload bytes delivered by the receiver
	Lost          atomic.Int64 // sequence numbers never seen by the receiver
}

func (s *stats) AddFrame()     { s.FramesPushed.Add(1) }
func (s *stats) DropFrame()    { s.FramesDropped.Add(1) }
func (s *stats) AddSendError() { s.SendErrors.Add(1) }
func (s *stats) AddLost(n int) { s.Lost.Add(int64(n)) }

func (s *stats) AddSent(n int) {
	s.DatagramsSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.DatagramsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Time          time.Time `json:"time"`
	FramesPushed  int64     `json:"framesPushed"`
	FramesDropped int64     `json:"framesDropped"`
	DatagramsSent int64     `json:"datagramsSent"`
	BytesSent     int64     `json:"bytesSent"`
	SendErrors    int64     `json:"sendErrors"`
	DatagramsRecv int64     `json:"datagramsRecv"`
	BytesRecv     int64     `json:"bytesRecv"`
	Lost          int64     `json:"lost"`
}

func (s *stats) Snapshot() Snapshot {
	return Snapshot{
		Time:          time.Now(),
		FramesPushed:  s.FramesPushed.Load(),
		FramesDropped: s.FramesDropped.Load(),
		DatagramsSent: s.DatagramsSent.Load(),
		BytesSent:     s.BytesSent.Load(),
		SendErrors:    s.SendErrors.Load(),
		DatagramsRecv: s.DatagramsRecv.Load(),
		BytesRecv:     s.BytesRecv.Load(),
		Lost:          s.Lost.Load(),
	}
}

// Reset zeroes every counter.
func (s *stats) Reset() {
	for _, c := range []*atomic.Int64{
		&s.FramesPushed, &s.FramesDropped, &s.DatagramsSent, &s.BytesSent,
		&s.SendErrors, &s.DatagramsRecv, &s.BytesRecv, &s.Lost,
	} {
		c.Store(0)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs stream statistics
// every interval. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, ok := formatRates(prev, cur); ok {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatRates returns the per-second rates between two snapshots for display
// in the logger. It reports false when nothing moved.
func formatRates(prev, cur Snapshot) (string, bool) {
	secs := cur.Time.Sub(prev.Time).Seconds()
	if secs <= 0 {
		return "", false
	}

	out := float64(cur.BytesSent-prev.BytesSent) / secs
	in := float64(cur.BytesRecv-prev.BytesRecv) / secs
	fps := float64(cur.FramesPushed-prev.FramesPushed) / secs
	pkts := float64(cur.DatagramsSent-prev.DatagramsSent+cur.DatagramsRecv-prev.DatagramsRecv) / secs
	errs := cur.SendErrors - prev.SendErrors
	lost := cur.Lost - prev.Lost

	if out < 1 && in < 1 && errs == 0 && lost == 0 {
		return "", false
	}

	return fmt.Sprintf("Out: %s/s | In: %s/s | Pkts: %6.0f/s | fps = %5.2f | Err: %d | Lost: %d",
		formatBytes(out),
		formatBytes(in),
		pkts,
		fps,
		errs,
		lost,
	), true
}
