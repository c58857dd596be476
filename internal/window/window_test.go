package window

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestRoundTripInOrder(t *testing.T) {
	out := NewOutgoing(8, 8, 16)
	in := NewIncoming(8)

	payload := []byte("the quick brown fox jumps over the lazy dog, repeated a bit for length")
	n, err := out.AddOutgoingData(payload, true)
	if err != nil {
		t.Fatalf("AddOutgoingData: %v", err)
	}
	if n == 0 {
		t.Fatalf("expected at least one fragment")
	}

	var nextAck int16 = -1
	var sent []*Fragment
	for {
		f := out.NextSendingFragment(&nextAck)
		if f == nil {
			break
		}
		sent = append(sent, f)
		out.Ack(f.SeqID) // immediate ack for this test: every fragment acked as sent
	}
	if len(sent) != n {
		t.Fatalf("expected %d fragments sent, got %d", n, len(sent))
	}

	for _, f := range sent {
		in.ProcessIncomingFragment(f)
	}

	buf := make([]byte, len(payload)+16)
	got, compressed := in.ReassembleData(buf)
	if !compressed {
		t.Fatalf("expected compressed flag preserved")
	}
	if !bytes.Equal(buf[:got], payload) {
		t.Fatalf("round trip mismatch: got %q want %q", buf[:got], payload)
	}
}

func TestRoundTripShuffledWithDuplicates(t *testing.T) {
	out := NewOutgoing(16, 16, 8)
	in := NewIncoming(16)

	payload := make([]byte, 100)
	rand.New(rand.NewSource(1)).Read(payload)

	_, err := out.AddOutgoingData(payload, false)
	if err != nil {
		t.Fatalf("AddOutgoingData: %v", err)
	}

	var nextAck int16 = -1
	var frags []*Fragment
	for {
		f := out.NextSendingFragment(&nextAck)
		if f == nil {
			break
		}
		cp := *f
		frags = append(frags, &cp)
		out.Ack(f.SeqID)
	}

	// Feed in reverse, then again forward (duplicates), into incoming.
	for i := len(frags) - 1; i >= 0; i-- {
		in.ProcessIncomingFragment(frags[i])
	}
	for _, f := range frags {
		in.ProcessIncomingFragment(f) // duplicate
	}

	buf := make([]byte, len(payload)+32)
	got, compressed := in.ReassembleData(buf)
	if compressed {
		t.Fatalf("expected compressed=false preserved")
	}
	if !bytes.Equal(buf[:got], payload) {
		t.Fatalf("shuffled round trip mismatch: got %d bytes want %d", got, len(payload))
	}
}

func TestAckMonotonic(t *testing.T) {
	in := NewIncoming(8)
	var prev int = -1
	for i := 0; i < 5; i++ {
		f := &Fragment{SeqID: uint8(i), Data: []byte{byte(i)}, Start: i == 0, End: i == 4}
		ack := in.ProcessIncomingFragment(f)
		if ack < prev {
			t.Fatalf("ack went backwards: %d -> %d", prev, ack)
		}
		if ack != i {
			t.Fatalf("expected cumulative ack %d, got %d", i, ack)
		}
		prev = ack
	}
}

func TestOutgoingWindowFull(t *testing.T) {
	out := NewOutgoing(2, 2, 4)
	if _, err := out.AddOutgoingData([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}, false); err != ErrWindowFull {
		t.Fatalf("expected ErrWindowFull, got %v", err)
	}
}
