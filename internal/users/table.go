// Package users implements the fixed-size slot array of per-user sessions
// (spec.md §3, §4.D): lookup by slot id and by tunnel IP, allocation on
// Version, and idle reaping.
package users

import (
	"net"
	"time"

	"iodined/internal/answercache"
	"iodined/internal/compressor"
	"iodined/internal/encoding"
	"iodined/internal/qmem"
	"iodined/internal/window"
)

// State is a user session's place in the handshake lifecycle (spec.md §3).
type State int

const (
	Free State = iota
	Versioned
	Authenticated
)

// Conn is the currently active downstream transport for a user.
type Conn int

const (
	ConnNone Conn = iota
	ConnDNSNull
	ConnRawUDP
)

const (
	// DefaultCapacity is the fixed number of user slots (spec.md §3: "fixed
	// capacity ≈ 16").
	DefaultCapacity = 16
	// WindowBufferSize is the sliding-window ring capacity per direction
	// (spec.md §9 Open Question: not named by spec.md, chosen as iodine's
	// historical default).
	WindowBufferSize = 8
	// QMEMLen is the query-memory ring capacity (spec.md §4.E example).
	QMEMLen = 16
	// DNSCacheLen is the answer-cache ring capacity (spec.md §4.F: "≤18").
	DNSCacheLen = 18
	// DefaultDNSTimeout is used until a P command's timeout_ms updates it.
	DefaultDNSTimeout = 4 * time.Second
	// DefaultFragSize is the initial downstream fragment size in bytes
	// before an N command negotiates one (spec.md §3: fragsize ∈ 2..=2047).
	DefaultFragSize = 1300
	// DownstreamPingHeader is the fixed overhead subtracted from
	// maxfraglen (spec.md §3: "outgoing.maxfraglen = fragsize*downstream_bits/8 − DOWNSTREAM_PING_HDR"):
	// the 3-byte downstream header plus the 4 ping bytes.
	DownstreamPingHeader = 7
)

// Slot is one user session (spec.md §3 "User session").
type Slot struct {
	ID    int
	State State
	Conn  Conn

	AuthenticatedRaw bool
	PeerAddr         net.Addr
	RawAddr          net.Addr
	TunIP            net.IP
	Seed             uint32

	UpstreamCodec      encoding.Codec
	DownstreamEncoding byte // 'T','S','U','V','R'
	DownstreamBits     int  // 5,6,7,8

	DownCompression bool
	Lazy            bool

	FragSize   int
	MaxFragLen int

	Outgoing *window.Outgoing
	Incoming *window.Incoming

	NextUpstreamAck int16 // -1 = none
	SendPingNext    bool

	DNSTimeout time.Duration
	LastPkt    time.Time

	Qmem        *qmem.Ring
	AnswerCache *answercache.Cache
}

func (s *Slot) recomputeMaxFragLen() {
	bits := s.DownstreamBits
	if bits == 0 {
		bits = 5
	}
	maxLen := s.FragSize*bits/8 - DownstreamPingHeader
	if maxLen < 1 {
		maxLen = 1
	}
	s.MaxFragLen = maxLen
	if s.Outgoing != nil {
		s.Outgoing.SetMaxFragLen(maxLen)
	}
}

// SetFragSize updates fragsize and recomputes maxfraglen (N command).
func (s *Slot) SetFragSize(fragsize int) {
	s.FragSize = fragsize
	s.recomputeMaxFragLen()
}

// EnqueueOutgoing splits data into the outgoing window's fragments,
// zlib-deflating it first when the user has negotiated down_compression
// (spec.md §3 "down_compression: bool") so the Compressed bit on each
// fragment actually describes the bytes it carries, not just a flag with
// nothing behind it.
func (s *Slot) EnqueueOutgoing(data []byte) (int, error) {
	if s.DownCompression {
		return s.Outgoing.AddOutgoingData(compressor.Deflate(data), true)
	}
	return s.Outgoing.AddOutgoingData(data, false)
}

func newSlot(id int) *Slot {
	s := &Slot{
		ID:                 id,
		State:              Free,
		Conn:               ConnNone,
		UpstreamCodec:      encoding.Base32{},
		DownstreamEncoding: 'T',
		DownstreamBits:     5,
		FragSize:           DefaultFragSize,
		NextUpstreamAck:    -1,
		DNSTimeout:         DefaultDNSTimeout,
		Outgoing:           window.NewOutgoing(WindowBufferSize, WindowBufferSize, 1),
		Incoming:           window.NewIncoming(WindowBufferSize),
		Qmem:               qmem.New(QMEMLen),
		AnswerCache:        answercache.New(DNSCacheLen),
	}
	s.recomputeMaxFragLen()
	return s
}

// reset returns a slot to its Free state, clearing all per-user buffers
// (spec.md §3 "Lifecycle": freed on timeout or teardown).
func (s *Slot) reset() {
	id := s.ID
	*s = *newSlot(id)
}

// Table is the fixed-size array of user slots plus the side indices
// needed to enforce spec.md §3's invariants ("at most one session per
// tun_ip; at most one session per authenticated peer_addr") without
// scanning on every lookup.
type Table struct {
	slots     []*Slot
	byTunIP   map[string]int
	byPeer    map[string]int
}

// NewTable creates a Table with the given fixed capacity.
func NewTable(capacity int) *Table {
	t := &Table{
		slots:   make([]*Slot, capacity),
		byTunIP: make(map[string]int),
		byPeer:  make(map[string]int),
	}
	for i := range t.slots {
		t.slots[i] = newSlot(i)
	}
	return t
}

// Capacity returns the fixed number of slots.
func (t *Table) Capacity() int { return len(t.slots) }

// Slot returns the slot at the given index, or nil if out of range.
func (t *Table) Slot(id int) *Slot {
	if id < 0 || id >= len(t.slots) {
		return nil
	}
	return t.slots[id]
}

// Allocate finds a Free slot and marks it Versioned, assigning seed and
// peer address (spec.md §3 "Lifecycle": "A slot is allocated on a valid
// Version request"). Returns nil if the table is full.
func (t *Table) Allocate(peerAddr net.Addr, seed uint32) *Slot {
	for _, s := range t.slots {
		if s.State == Free {
			s.State = Versioned
			s.PeerAddr = peerAddr
			s.Seed = seed
			s.LastPkt = time.Now()
			return s
		}
	}
	return nil
}

// ActiveCount returns the number of non-Free slots, used for the V
// command's VFUL created_users field.
func (t *Table) ActiveCount() int {
	n := 0
	for _, s := range t.slots {
		if s.State != Free {
			n++
		}
	}
	return n
}

// ByTunIP looks up the slot assigned a given tunnel IP.
func (t *Table) ByTunIP(ip net.IP) *Slot {
	id, ok := t.byTunIP[ip.String()]
	if !ok {
		return nil
	}
	return t.slots[id]
}

// AssignTunIP records ip as slot's tunnel IP, enforcing "at most one
// session per tun_ip". Returns false if ip is already assigned to a
// different slot.
func (t *Table) AssignTunIP(slot *Slot, ip net.IP) bool {
	key := ip.String()
	if existing, ok := t.byTunIP[key]; ok && existing != slot.ID {
		return false
	}
	if slot.TunIP != nil {
		delete(t.byTunIP, slot.TunIP.String())
	}
	slot.TunIP = ip
	t.byTunIP[key] = slot.ID
	return true
}

// ByPeerAddr looks up the slot most recently authenticated from the given
// address string (spec.md §3 peer_addr).
func (t *Table) ByPeerAddr(addr string) *Slot {
	id, ok := t.byPeer[addr]
	if !ok {
		return nil
	}
	return t.slots[id]
}

// SetAuthenticatedPeer records addr as slot's authenticated peer address,
// enforcing "at most one session per authenticated peer_addr".
func (t *Table) SetAuthenticatedPeer(slot *Slot, addr string) bool {
	if existing, ok := t.byPeer[addr]; ok && existing != slot.ID {
		return false
	}
	t.byPeer[addr] = slot.ID
	return true
}

// Free tears a slot down: clears its window buffers, qmem, cache, and
// releases its tun_ip and authenticated peer_addr (spec.md §3 "Lifecycle":
// "freed on timeout ... or teardown"; §5: "its tun_ip becomes available").
func (t *Table) Free(slot *Slot) {
	if slot.TunIP != nil {
		delete(t.byTunIP, slot.TunIP.String())
	}
	for addr, id := range t.byPeer {
		if id == slot.ID {
			delete(t.byPeer, addr)
		}
	}
	slot.reset()
}

// ReapIdle frees every slot whose LastPkt is older than idleBound,
// returning the number reaped (spec.md §5 "Cancellation and timeouts").
func (t *Table) ReapIdle(now time.Time, idleBound time.Duration) int {
	n := 0
	for _, s := range t.slots {
		if s.State == Free {
			continue
		}
		if now.Sub(s.LastPkt) > idleBound {
			t.Free(s)
			n++
		}
	}
	return n
}

// AllSlots returns every slot, including Free ones, for iteration by the
// event loop / scheduler.
func (t *Table) AllSlots() []*Slot { return t.slots }

// AnyFree reports whether at least one slot is Free.
func (t *Table) AnyFree() bool {
	for _, s := range t.slots {
		if s.State == Free {
			return true
		}
	}
	return false
}
