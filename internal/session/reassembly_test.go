package session

import (
	"net"
	"testing"

	"iodined/internal/compressor"
	"iodined/internal/users"
	"iodined/internal/window"
)

// fakeTun records every packet written to it, standing in for a real tun
// device (spec.md §6 "Tun device").
type fakeTun struct {
	writes [][]byte
}

func (f *fakeTun) Read(buf []byte) (int, error)  { return 0, nil }
func (f *fakeTun) Write(buf []byte) (int, error) {
	f.writes = append(f.writes, append([]byte(nil), buf...))
	return len(buf), nil
}
func (f *fakeTun) Close() error  { return nil }
func (f *fakeTun) Name() string  { return "faketun0" }

func ipv4Packet(dst net.IP) []byte {
	pkt := make([]byte, 20)
	pkt[0] = 0x45
	copy(pkt[16:20], dst.To4())
	return pkt
}

func TestDrainReassembledWritesToTun(t *testing.T) {
	c := newTestContext(t)
	ft := &fakeTun{}
	c.Tun = ft

	slot := c.Table.Allocate(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, 1)
	payload := ipv4Packet(net.IPv4(192, 168, 1, 1))
	slot.Incoming.ProcessIncomingFragment(&window.Fragment{SeqID: 0, Data: payload, Start: true, End: true})

	c.drainReassembled(slot)

	if len(ft.writes) != 1 {
		t.Fatalf("expected exactly 1 write to tun, got %d", len(ft.writes))
	}
	if string(ft.writes[0]) != string(payload) {
		t.Fatalf("tun write mismatch: got %x want %x", ft.writes[0], payload)
	}
}

func TestDrainReassembledDecompresses(t *testing.T) {
	c := newTestContext(t)
	ft := &fakeTun{}
	c.Tun = ft

	slot := c.Table.Allocate(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, 1)
	payload := ipv4Packet(net.IPv4(192, 168, 1, 1))
	compressed := compressor.Deflate(payload)
	slot.Incoming.ProcessIncomingFragment(&window.Fragment{SeqID: 0, Data: compressed, Start: true, End: true, Compressed: true})

	c.drainReassembled(slot)

	if len(ft.writes) != 1 || string(ft.writes[0]) != string(payload) {
		t.Fatalf("expected decompressed payload written to tun, got %x", ft.writes)
	}
}

func TestDrainReassembledDropsUndecompressableData(t *testing.T) {
	c := newTestContext(t)
	ft := &fakeTun{}
	c.Tun = ft

	slot := c.Table.Allocate(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, 1)
	slot.Incoming.ProcessIncomingFragment(&window.Fragment{SeqID: 0, Data: []byte{1, 2, 3, 4}, Start: true, End: true, Compressed: true})

	c.drainReassembled(slot)

	if len(ft.writes) != 0 {
		t.Fatalf("expected no tun write for an undecompressable packet, got %d", len(ft.writes))
	}
}

func TestDrainReassembledRoutesToOtherUserInsteadOfTun(t *testing.T) {
	c := newTestContext(t)
	ft := &fakeTun{}
	c.Tun = ft

	src := c.Table.Allocate(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, 1)
	dst := c.Table.Allocate(&net.UDPAddr{IP: net.ParseIP("5.6.7.8")}, 2)
	dstIP := net.IPv4(10, 0, 0, 5)
	if !c.Table.AssignTunIP(dst, dstIP) {
		t.Fatal("AssignTunIP failed")
	}

	payload := ipv4Packet(dstIP)
	src.Incoming.ProcessIncomingFragment(&window.Fragment{SeqID: 0, Data: payload, Start: true, End: true})

	c.drainReassembled(src)

	if len(ft.writes) != 0 {
		t.Fatalf("expected the packet to be routed to the other user, not written to tun")
	}
	if dst.Outgoing.Pending() == 0 {
		t.Fatal("expected the packet queued on the destination user's outgoing window")
	}
}

func TestHandleQueryRejectsTruncatedPayloadWithBadLen(t *testing.T) {
	c := newTestContext(t)
	slot := c.Table.Allocate(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, 0)
	if slot.ID != 0 {
		t.Fatalf("expected slot 0 for a clean table, got %d", slot.ID)
	}
	slot.State = users.Authenticated
	c.Table.SetAuthenticatedPeer(slot, (&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}).String())

	// Data fragment "0" (uid 0, literal nibble) with an empty body: a
	// fragment header needs at least 4 decoded bytes, so this must come
	// back BADLEN rather than be dropped silently once the uid (and so
	// the slot) is already known.
	data := "0"
	q := query(data+"."+c.TopDomain, 0, "1.2.3.4")
	msg, send := c.HandleQuery(q)
	if !send || msg == nil {
		t.Fatal("expected a BADLEN reply, not a silent drop")
	}
}
