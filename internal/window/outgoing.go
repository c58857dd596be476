package window

import (
	"errors"
	"time"
)

// ErrWindowFull is returned by AddOutgoingData when there is not enough
// free capacity in the ring to hold the newly-split fragments.
var ErrWindowFull = errors.New("window: outgoing buffer full")

// DefaultRetransmitInterval is how long an unacked fragment waits before
// NextSendingFragment offers it again.
const DefaultRetransmitInterval = 1 * time.Second

// Outgoing is the per-direction, per-user ring of fragments awaiting
// acknowledgement (spec.md §4.C "Outgoing").
type Outgoing struct {
	frags      []*Fragment
	capacity   int
	windowSize int
	startSeqID uint8
	nextSeqID  uint8
	count      int
	maxFragLen int

	retransmitInterval time.Duration
	now                time.Time // set via Tick; falls back to time.Now
}

// NewOutgoing creates an outgoing window with the given ring capacity,
// sliding-window size (must be <= capacity) and maximum fragment payload
// length.
func NewOutgoing(capacity, windowSize, maxFragLen int) *Outgoing {
	if windowSize > capacity {
		windowSize = capacity
	}
	return &Outgoing{
		frags:              make([]*Fragment, capacity),
		capacity:           capacity,
		windowSize:         windowSize,
		maxFragLen:         maxFragLen,
		retransmitInterval: DefaultRetransmitInterval,
	}
}

// pos maps a sequence id to its ring slot. The slot depends on seq alone,
// so a queued fragment stays where it is as start_seq_id slides forward;
// any capacity consecutive seq values get distinct slots when capacity
// divides 256.
func (o *Outgoing) pos(seq uint8) int {
	return int(seq) % o.capacity
}

func (o *Outgoing) clock() time.Time {
	if o.now.IsZero() {
		return time.Now()
	}
	return o.now
}

// Tick advances the window's notion of "now"; callers in production code
// pass time.Now(), tests can pass a fake clock for determinism.
func (o *Outgoing) Tick(now time.Time) { o.now = now }

// SetWindowSize updates the sliding window size (e.g. after a P command
// changes dn_winsize), clamped to the ring's capacity.
func (o *Outgoing) SetWindowSize(n int) {
	if n > o.capacity {
		n = o.capacity
	}
	if n < 1 {
		n = 1
	}
	o.windowSize = n
}

func (o *Outgoing) WindowSize() int { return o.windowSize }

// StartSeqID returns the sequence id of the oldest unacknowledged
// fragment still held in the ring (the window's current start_seq_id),
// reported to the client in a ping response so it can detect and resync
// a desynced window.
func (o *Outgoing) StartSeqID() uint8 { return o.startSeqID }

// SetMaxFragLen updates the maximum payload length used by future calls
// to AddOutgoingData (e.g. after an N command renegotiates fragsize).
func (o *Outgoing) SetMaxFragLen(n int) {
	if n < 1 {
		n = 1
	}
	o.maxFragLen = n
}

// MaxFragLen returns the current maximum outgoing fragment payload length.
func (o *Outgoing) MaxFragLen() int { return o.maxFragLen }

// Pending reports how many fragments are currently unacknowledged.
func (o *Outgoing) Pending() int { return o.count }

// AddOutgoingData splits bytes into fragments of at most maxFragLen bytes,
// assigns monotonically increasing (mod 256) sequence IDs, and queues them.
// Returns the number of fragments queued, or ErrWindowFull if there isn't
// room.
func (o *Outgoing) AddOutgoingData(data []byte, compressed bool) (int, error) {
	n := 1
	if len(data) > 0 {
		n = (len(data) + o.maxFragLen - 1) / o.maxFragLen
	}
	if o.count+n > o.capacity {
		return 0, ErrWindowFull
	}
	for i := 0; i < n; i++ {
		start := i * o.maxFragLen
		end := start + o.maxFragLen
		if end > len(data) {
			end = len(data)
		}
		f := &Fragment{
			SeqID:      o.nextSeqID,
			Data:       append([]byte(nil), data[start:end]...),
			Start:      i == 0,
			End:        i == n-1,
			Compressed: compressed,
			AckOther:   -1,
		}
		o.frags[o.pos(f.SeqID)] = f
		o.nextSeqID++
		o.count++
	}
	return n, nil
}

// NextSendingFragment returns the oldest fragment within the sliding
// window that has never been sent, or whose last send is older than the
// retransmit interval. It piggybacks *nextUpstreamAck into the fragment's
// AckOther field and resets *nextUpstreamAck to -1 (spec.md §4.C).
func (o *Outgoing) NextSendingFragment(nextUpstreamAck *int16) *Fragment {
	now := o.clock()
	limit := o.count
	if limit > o.windowSize {
		limit = o.windowSize
	}
	for i := 0; i < limit; i++ {
		seq := o.startSeqID + uint8(i)
		f := o.frags[o.pos(seq)]
		if f == nil || f.Acked {
			continue
		}
		if f.everSent && now.Sub(f.LastSent) < o.retransmitInterval {
			continue
		}
		if nextUpstreamAck != nil && *nextUpstreamAck >= 0 {
			f.AckOther = *nextUpstreamAck
			*nextUpstreamAck = -1
		} else {
			f.AckOther = -1
		}
		f.LastSent = now
		f.everSent = true
		f.Retries++
		return f
	}
	return nil
}

// HasSendingEligible reports whether any fragment in the window is
// currently due to be (re)sent, without mutating state. Used by qmem's
// max_wait eligibility rule 2.
func (o *Outgoing) HasSendingEligible() bool {
	now := o.clock()
	limit := o.count
	if limit > o.windowSize {
		limit = o.windowSize
	}
	for i := 0; i < limit; i++ {
		seq := o.startSeqID + uint8(i)
		f := o.frags[o.pos(seq)]
		if f == nil || f.Acked {
			continue
		}
		if !f.everSent || now.Sub(f.LastSent) >= o.retransmitInterval {
			return true
		}
	}
	return false
}

// Ack marks fragments up to and including seq (mod 256, within the ring)
// as acknowledged, then slides start_seq_id past the longest acknowledged
// prefix.
func (o *Outgoing) Ack(seq uint8) {
	d := delta(seq, o.startSeqID)
	if d < 0 {
		return // stale ack, already past this point
	}
	limit := d + 1
	if limit > o.count {
		limit = o.count
	}
	for i := 0; i < limit; i++ {
		s := o.startSeqID + uint8(i)
		if f := o.frags[o.pos(s)]; f != nil {
			f.Acked = true
		}
	}
	for o.count > 0 {
		f := o.frags[o.pos(o.startSeqID)]
		if f == nil || !f.Acked {
			break
		}
		o.frags[o.pos(o.startSeqID)] = nil
		o.startSeqID++
		o.count--
	}
}
