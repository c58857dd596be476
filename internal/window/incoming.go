package window

// Incoming is the per-direction, per-user ring of fragments belonging to
// the current upstream packet being reassembled (spec.md §4.C "Incoming").
type Incoming struct {
	frags      []*Fragment
	capacity   int
	startSeqID uint8
	count      int
	// haveCumAck tracks whether any fragment has ever been accepted, so
	// ProcessIncomingFragment can report "no ack yet" with -1.
	haveCumAck bool
	lastCumAck uint8
}

// NewIncoming creates an incoming window with the given ring capacity.
func NewIncoming(capacity int) *Incoming {
	return &Incoming{
		frags:    make([]*Fragment, capacity),
		capacity: capacity,
	}
}

func (w *Incoming) pos(seq uint8) int {
	return int(seq) % w.capacity
}

// ProcessIncomingFragment drops duplicates already past start_seq_id,
// inserts the fragment keyed by its sequence id, and returns the highest
// contiguous sequence id accepted so far (the cumulative ACK value to
// echo back as ack_other on the next outgoing fragment), or -1 if nothing
// has been accepted yet.
func (w *Incoming) ProcessIncomingFragment(f *Fragment) int {
	d := delta(f.SeqID, w.startSeqID)
	duplicate := d < 0 || d >= w.capacity
	if !duplicate {
		if w.frags[w.pos(f.SeqID)] == nil {
			w.frags[w.pos(f.SeqID)] = f
			w.count++
		}
	}

	// Recompute the contiguous-accepted-run cumulative ack from
	// start_seq_id forward.
	var seq uint8
	any := false
	for i := 0; i < w.capacity; i++ {
		s := w.startSeqID + uint8(i)
		if w.frags[w.pos(s)] == nil {
			break
		}
		any = true
		seq = s
	}
	if !any {
		if w.haveCumAck {
			return int(w.lastCumAck)
		}
		return -1
	}
	w.haveCumAck = true
	w.lastCumAck = seq
	return int(seq)
}

// ReassembleData returns the next fully-reassembled packet at the head of
// the ring: if a contiguous run from a Start fragment to an End fragment
// exists at start_seq_id, it is copied into buf, start_seq_id advances
// past it, the consumed slots are cleared, and the run's Compressed flag
// (taken from the Start fragment) is reported. Otherwise returns (0,
// false).
func (w *Incoming) ReassembleData(buf []byte) (n int, compressed bool) {
	if w.count == 0 {
		return 0, false
	}
	head := w.frags[w.pos(w.startSeqID)]
	if head == nil || !head.Start {
		return 0, false
	}
	seq := w.startSeqID
	total := 0
	for i := 0; i < w.capacity; i++ {
		f := w.frags[w.pos(seq)]
		if f == nil {
			return 0, false // incomplete run
		}
		total += len(f.Data)
		if f.End {
			break
		}
		if i == w.capacity-1 {
			return 0, false // ran off the end of the ring without an End fragment
		}
		seq++
	}
	if total > len(buf) {
		total = len(buf)
	}
	offset := 0
	cur := w.startSeqID
	for {
		f := w.frags[w.pos(cur)]
		end := f.End
		c := copy(buf[offset:], f.Data)
		offset += c
		w.frags[w.pos(cur)] = nil
		w.count--
		if end {
			cur++
			break
		}
		cur++
	}
	compressed = head.Compressed
	w.startSeqID = cur
	return offset, compressed
}

// Pending reports how many fragments are currently buffered.
func (w *Incoming) Pending() int { return w.count }

// StartSeqID returns the sequence id the window next expects (the
// lowest not-yet-reassembled fragment's position), reported to the
// client in a ping response so it can detect and resync a desynced
// window.
func (w *Incoming) StartSeqID() uint8 { return w.startSeqID }

// Reset clears the incoming window, discarding any partially reassembled
// packet (used when reaping a timed-out or torn-down user).
func (w *Incoming) Reset() {
	for i := range w.frags {
		w.frags[i] = nil
	}
	w.count = 0
	w.startSeqID = 0
	w.haveCumAck = false
}
