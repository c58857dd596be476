package session

import "iodined/internal/users"

// Downstream header flag bits (spec.md §4.G "Downstream packet format").
const (
	dnFlagEnd        = 1 << 0
	dnFlagStart      = 1 << 1
	dnFlagCompressed = 1 << 2
	dnFlagAckValid   = 1 << 3
	dnFlagPing       = 1 << 4
	dnFlagImmediate  = 1 << 5
)

// buildDownstreamPayload assembles one downstream packet for slot: either
// the next eligible outgoing fragment, or (if none is due) a pure
// keepalive ping. Returns the packet's fixed header
// (3 bytes, plus 4 more if this is a ping) and the fragment body, kept
// separate so callers can concatenate without an extra copy.
func buildDownstreamPayload(slot *users.Slot) (body []byte, header []byte) {
	f := slot.Outgoing.NextSendingFragment(&slot.NextUpstreamAck)
	if f == nil {
		return nil, pingHeader(slot, nil)
	}

	flags := byte(0)
	if f.End {
		flags |= dnFlagEnd
	}
	if f.Start {
		flags |= dnFlagStart
	}
	if f.Compressed {
		flags |= dnFlagCompressed
	}
	ackByte := byte(0)
	if f.AckOther >= 0 {
		flags |= dnFlagAckValid
		ackByte = byte(f.AckOther)
	}
	h := []byte{f.SeqID, ackByte, flags}
	if slot.SendPingNext {
		slot.SendPingNext = false
		h[2] |= dnFlagPing
		h = append(h, byte(slot.Outgoing.WindowSize()), byte(windowSizeOf(slot)),
			slot.Outgoing.StartSeqID(), slot.Incoming.StartSeqID())
	}
	return f.Data, h
}

// pingHeader builds a pure-ping downstream packet (no fragment body) when
// nothing is ready to (re)send, and clears send_ping_next.
func pingHeader(slot *users.Slot, _ []byte) []byte {
	flags := byte(dnFlagPing)
	ackByte := byte(0)
	if slot.NextUpstreamAck >= 0 {
		flags |= dnFlagAckValid
		ackByte = byte(slot.NextUpstreamAck)
		slot.NextUpstreamAck = -1
	}
	slot.SendPingNext = false
	return []byte{
		0, ackByte, flags,
		byte(slot.Outgoing.WindowSize()), byte(windowSizeOf(slot)),
		slot.Outgoing.StartSeqID(), slot.Incoming.StartSeqID(),
	}
}

func windowSizeOf(slot *users.Slot) int {
	return slot.Incoming.Pending()
}
