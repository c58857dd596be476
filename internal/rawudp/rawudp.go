// Package rawudp implements the raw-UDP fallback transport (spec.md
// §4.I): packets framed by a magic header, used only after a successful
// DNS handshake has authenticated a user over the tunnel proper.
package rawudp

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"net"

	"iodined/internal/users"
)

// Magic is the fixed 4-byte header every raw-UDP packet begins with
// (spec.md §6 "Raw-UDP").
var Magic = [4]byte{0x73, 0x73, 0x30, 0xD5}

// Cmd is the raw-UDP command nibble packed alongside the uid.
type Cmd byte

const (
	CmdLogin Cmd = 0
	CmdData  Cmd = 1
	CmdPing  Cmd = 2
)

var errShort = errors.New("rawudp: packet shorter than minimum length 5")

// Parse splits a raw-UDP datagram into its command, uid, and payload.
// Minimum packet length is 5 (spec.md §6).
func Parse(raw []byte) (cmd Cmd, uid int, payload []byte, err error) {
	if len(raw) < 5 {
		return 0, 0, nil, errShort
	}
	if raw[0] != Magic[0] || raw[1] != Magic[1] || raw[2] != Magic[2] || raw[3] != Magic[3] {
		return 0, 0, nil, errors.New("rawudp: bad magic header")
	}
	b := raw[4]
	cmd = Cmd(b >> 4)
	uid = int(b & 0x0f)
	return cmd, uid, raw[5:], nil
}

// Build frames a reply with the magic header and (cmd<<4 | uid) byte.
func Build(cmd Cmd, uid int, payload []byte) []byte {
	out := make([]byte, 0, 5+len(payload))
	out = append(out, Magic[:]...)
	out = append(out, byte(cmd)<<4|byte(uid&0x0f))
	out = append(out, payload...)
	return out
}

// HandleLogin implements the raw-UDP LOGIN command: hash(seed+1) in,
// hash(seed-1) out, sets authenticated_raw on success.
//
// spec.md §9 Open Question: the source's check reads as
// "check_authenticated_user_and_ip(...) != 0 → return", which looks
// inverted at first glance; the preserved intent is the ordinary one —
// continue processing only when the check passes. HandleLogin does not
// compare src with the DNS peer_addr: it returns ok=false on a hash
// mismatch, and on a match records src as raw_addr, against which
// CheckAuthenticatedSource then checks later PING/DATA packets.
func HandleLogin(slot *users.Slot, password []byte, challenge [16]byte, src net.Addr) (response [16]byte, ok bool) {
	want := md5.Sum(append(append([]byte(nil), password...), seedBytes(slot.Seed+1)...))
	if want != challenge {
		return [16]byte{}, false
	}
	slot.RawAddr = src
	slot.AuthenticatedRaw = true
	slot.Conn = users.ConnRawUDP
	return md5.Sum(append(append([]byte(nil), password...), seedBytes(slot.Seed-1)...)), true
}

func seedBytes(seed uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seed)
	return b
}

// CheckAuthenticatedSource verifies src against the address raw-UDP
// traffic for this user is expected from: raw_addr once a raw login has
// happened, otherwise peer_addr from the DNS handshake (spec.md §4.I:
// "IP-address check uses the DNS-established peer_addr for authenticated
// state but the raw socket's observed address for subsequent data").
func CheckAuthenticatedSource(slot *users.Slot, src net.Addr) bool {
	if !slot.AuthenticatedRaw {
		return false
	}
	if slot.RawAddr != nil {
		return slot.RawAddr.String() == src.String()
	}
	return slot.PeerAddr != nil && slot.PeerAddr.String() == src.String()
}
