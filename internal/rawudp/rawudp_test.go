package rawudp

import (
	"crypto/md5"
	"net"
	"testing"

	"iodined/internal/users"
)

func TestBuildParseRoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	raw := Build(CmdData, 7, payload)

	cmd, uid, body, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cmd != CmdData {
		t.Fatalf("cmd = %v, want CmdData", cmd)
	}
	if uid != 7 {
		t.Fatalf("uid = %d, want 7", uid)
	}
	if string(body) != string(payload) {
		t.Fatalf("payload = %x, want %x", body, payload)
	}
}

func TestParseRejectsShortPacket(t *testing.T) {
	if _, _, _, err := Parse([]byte{0x73, 0x73, 0x30}); err == nil {
		t.Fatal("expected error for packet shorter than minimum length")
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	raw := []byte{0, 0, 0, 0, 0x10}
	if _, _, _, err := Parse(raw); err == nil {
		t.Fatal("expected error for bad magic header")
	}
}

func TestHandleLoginAcceptsMatchingChallenge(t *testing.T) {
	password := []byte("hunter2")
	slot := &users.Slot{Seed: 100}
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 4000}

	challenge := md5.Sum(append(append([]byte(nil), password...), seedBytes(101)...))

	resp, ok := HandleLogin(slot, password, challenge, src)
	if !ok {
		t.Fatal("HandleLogin rejected a matching challenge")
	}
	wantResp := md5.Sum(append(append([]byte(nil), password...), seedBytes(99)...))
	if resp != wantResp {
		t.Fatalf("response = %x, want %x", resp, wantResp)
	}
	if !slot.AuthenticatedRaw {
		t.Fatal("slot not marked AuthenticatedRaw")
	}
	if slot.Conn != users.ConnRawUDP {
		t.Fatalf("slot.Conn = %v, want ConnRawUDP", slot.Conn)
	}
	if slot.RawAddr == nil || slot.RawAddr.String() != src.String() {
		t.Fatalf("slot.RawAddr = %v, want %v", slot.RawAddr, src)
	}
}

func TestHandleLoginRejectsMismatchedChallenge(t *testing.T) {
	slot := &users.Slot{Seed: 100}
	src := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 4000}

	_, ok := HandleLogin(slot, []byte("hunter2"), [16]byte{0xFF}, src)
	if ok {
		t.Fatal("HandleLogin accepted a mismatched challenge")
	}
	if slot.AuthenticatedRaw {
		t.Fatal("slot should not be marked AuthenticatedRaw on failure")
	}
}

func TestCheckAuthenticatedSourcePrefersRawAddr(t *testing.T) {
	dnsAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5353}
	rawAddrOK := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 9000}

	slot := &users.Slot{AuthenticatedRaw: true, PeerAddr: dnsAddr, RawAddr: rawAddrOK}

	if !CheckAuthenticatedSource(slot, rawAddrOK) {
		t.Fatal("expected match against RawAddr")
	}
	if CheckAuthenticatedSource(slot, dnsAddr) {
		t.Fatal("RawAddr should take precedence over PeerAddr once set")
	}
}

func TestCheckAuthenticatedSourceFallsBackToPeerAddr(t *testing.T) {
	dnsAddr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5353}
	slot := &users.Slot{AuthenticatedRaw: true, PeerAddr: dnsAddr}

	if !CheckAuthenticatedSource(slot, dnsAddr) {
		t.Fatal("expected fallback match against PeerAddr when RawAddr unset")
	}
}

func TestCheckAuthenticatedSourceRejectsUnauthenticated(t *testing.T) {
	slot := &users.Slot{}
	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5353}
	if CheckAuthenticatedSource(slot, addr) {
		t.Fatal("unauthenticated slot must never pass the source check")
	}
}
