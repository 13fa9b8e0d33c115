package receiver

// Counters summarise what a receiver has seen.
type Counters struct {
	Received  uint64 // valid datagrams
	Lost      uint64 // sequence numbers skipped over
	Late      uint64 // datagrams older than the newest one seen
	Duplicate uint64 // repeats of the newest sequence number
	Resets    uint64 // session id changes
	Invalid   uint64 // datagrams that failed to parse
}

// seqTracker follows the 16-bit sequence number of one session at a time.
// Forward gaps are counted as loss, comparing in wrapping arithmetic so that
// 65535 -> 0 is a step of one.
type seqTracker struct {
	started  bool
	ssrc     uint32
	highest  uint16
	counters Counters
}

// observe records seq and returns how many datagrams went missing before it.
func (t *seqTracker) observe(ssrc uint32, seq uint16) int {
	t.counters.Received++

	if !t.started || ssrc != t.ssrc {
		if t.started {
			t.counters.Resets++
		}
		t.started, t.ssrc, t.highest = true, ssrc, seq
		return 0
	}

	delta := int16(seq - t.highest)
	switch {
	case delta == 0:
		t.counters.Duplicate++
		return 0
	case delta < 0:
		t.counters.Late++
		return 0
	}

	t.highest = seq
	lost := int(delta) - 1
	t.counters.Lost += uint64(lost)
	return lost
}
