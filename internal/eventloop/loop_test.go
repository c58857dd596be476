package eventloop

import (
	"testing"

	"iodined/internal/rawudp"
)

func ipv4Packet(dst [4]byte) []byte {
	// tun.Device is opened with IFF_NO_PI (internal/tun/tun_linux.go), so
	// a tun read is the bare IP packet with no platform header.
	raw := make([]byte, 20)
	raw[0] = 0x45 // version 4, IHL 5
	copy(raw[16:20], dst[:])
	return raw
}

func TestDestinationIPReadsIPv4Header(t *testing.T) {
	raw := ipv4Packet([4]byte{10, 0, 0, 7})
	got := destinationIP(raw)
	if got == nil || got.String() != "10.0.0.7" {
		t.Fatalf("destinationIP = %v, want 10.0.0.7", got)
	}
}

func TestDestinationIPRejectsNonIPv4(t *testing.T) {
	raw := ipv4Packet([4]byte{10, 0, 0, 7})
	raw[0] = 0x60 // version 6 in the top nibble
	if got := destinationIP(raw); got != nil {
		t.Fatalf("destinationIP = %v, want nil for non-IPv4 packet", got)
	}
}

func TestDestinationIPRejectsShortPacket(t *testing.T) {
	if got := destinationIP([]byte{1, 2, 3}); got != nil {
		t.Fatalf("destinationIP = %v, want nil for undersized packet", got)
	}
}

func TestIsRawUDPRecognizesMagicHeader(t *testing.T) {
	raw := rawudp.Build(rawudp.CmdPing, 3, nil)
	if !isRawUDP(raw) {
		t.Fatalf("isRawUDP(%x) = false, want true", raw)
	}
}

func TestIsRawUDPRejectsOrdinaryDNSQuery(t *testing.T) {
	// A typical DNS query datagram: 12-byte header starting with a
	// 2-byte transaction ID that won't collide with the raw-UDP magic.
	dnsLike := []byte{0x12, 0x34, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0}
	if isRawUDP(dnsLike) {
		t.Fatalf("isRawUDP(%x) = true, want false", dnsLike)
	}
}

func TestIsRawUDPRejectsShortPacket(t *testing.T) {
	if isRawUDP([]byte{0x73, 0x73, 0x30}) {
		t.Fatal("isRawUDP should reject packets shorter than the magic header")
	}
}
