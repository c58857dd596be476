package session

import (
	"net"
	"testing"

	"iodined/internal/users"
	"iodined/internal/window"
)

// A ping response must report the real window start_seq_ids so a client can
// detect and resync a desynced window, not a hardcoded placeholder.
func TestBuildDownstreamPayloadReportsRealStartSeqIDs(t *testing.T) {
	table := users.NewTable(4)
	slot := table.Allocate(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, 0)

	if _, err := slot.Outgoing.AddOutgoingData([]byte("abc"), false); err != nil {
		t.Fatalf("AddOutgoingData: %v", err)
	}
	slot.Outgoing.Ack(0) // advances the outgoing window's start_seq_id past 0

	slot.Incoming.ProcessIncomingFragment(&window.Fragment{SeqID: 0, Start: true, End: true, Data: []byte("x")})
	slot.Incoming.ReassembleData(make([]byte, 16)) // advances the incoming window's start_seq_id past 0

	if slot.Outgoing.StartSeqID() == 0 {
		t.Fatal("test setup didn't move the outgoing window off its zero start_seq_id")
	}
	if slot.Incoming.StartSeqID() == 0 {
		t.Fatal("test setup didn't move the incoming window off its zero start_seq_id")
	}

	slot.SendPingNext = true
	_, header := buildDownstreamPayload(slot)

	if len(header) != 7 {
		t.Fatalf("ping header length = %d, want 7", len(header))
	}
	if header[5] != byte(slot.Outgoing.StartSeqID()) {
		t.Fatalf("out_start_seq = %d, want %d", header[5], slot.Outgoing.StartSeqID())
	}
	if header[6] != byte(slot.Incoming.StartSeqID()) {
		t.Fatalf("in_start_seq = %d, want %d", header[6], slot.Incoming.StartSeqID())
	}
}

// pingHeader (no eligible outgoing fragment) must report the same real
// values as buildDownstreamPayload's piggyback path.
func TestPingHeaderReportsRealStartSeqIDs(t *testing.T) {
	table := users.NewTable(4)
	slot := table.Allocate(&net.UDPAddr{IP: net.ParseIP("1.2.3.4")}, 0)

	if _, err := slot.Outgoing.AddOutgoingData([]byte("abc"), false); err != nil {
		t.Fatalf("AddOutgoingData: %v", err)
	}
	slot.Outgoing.Ack(0)

	h := pingHeader(slot, nil)
	if len(h) != 7 {
		t.Fatalf("ping header length = %d, want 7", len(h))
	}
	if h[5] != byte(slot.Outgoing.StartSeqID()) {
		t.Fatalf("out_start_seq = %d, want %d", h[5], slot.Outgoing.StartSeqID())
	}
	if h[6] != byte(slot.Incoming.StartSeqID()) {
		t.Fatalf("in_start_seq = %d, want %d", h[6], slot.Incoming.StartSeqID())
	}
}
