package rawudp

import (
	"net"

	"iodined/internal/tun"
	"iodined/internal/users"
)

// Handler services raw-UDP fallback traffic against the same user table
// the DNS path uses.
type Handler struct {
	Table    *users.Table
	Password []byte
	Tun      tun.Device
}

// HandlePacket processes one raw-UDP datagram from src, returning a reply
// to write back (nil if none).
func (h *Handler) HandlePacket(raw []byte, src net.Addr) []byte {
	cmd, uid, payload, err := Parse(raw)
	if err != nil {
		return nil
	}
	slot := h.Table.Slot(uid)
	if slot == nil || slot.State != users.Authenticated {
		return nil
	}

	switch cmd {
	case CmdLogin:
		if len(payload) < 16 {
			return nil
		}
		var challenge [16]byte
		copy(challenge[:], payload[:16])
		resp, ok := HandleLogin(slot, h.Password, challenge, src)
		if !ok {
			return nil
		}
		return Build(CmdLogin, uid, resp[:])
	case CmdPing:
		if !CheckAuthenticatedSource(slot, src) {
			return nil
		}
		return Build(CmdPing, uid, nil)
	case CmdData:
		if !CheckAuthenticatedSource(slot, src) {
			return nil
		}
		h.handleData(slot, payload)
		return nil
	default:
		return nil
	}
}

// handleData decompresses (if needed) and writes a full IP packet to the
// tun device. This always parses the packet from the buffer that actually
// holds it rather than assuming a fixed offset into a separate buffer —
// the wrong-offset bug spec.md §9 flags in the source's
// handle_full_packet was exactly this: reading the IP header from `out+4`
// when the packet lived in `data+4`.
func (h *Handler) handleData(slot *users.Slot, payload []byte) {
	if len(payload) < 1 {
		return
	}
	compressed := payload[0] != 0
	packet := payload[1:]
	if compressed {
		decompressed, err := inflate(packet)
		if err != nil {
			return // spec.md §7: decompression failure -> drop
		}
		packet = decompressed
	}
	if h.Tun != nil {
		h.Tun.Write(packet)
	}
}
