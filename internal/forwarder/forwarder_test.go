package forwarder

import (
	"net"
	"testing"
	"time"
)

func TestForwardAndHandleReplySplicesBack(t *testing.T) {
	resolver, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen resolver: %v", err)
	}
	defer resolver.Close()

	side, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen side socket: %v", err)
	}
	defer side.Close()

	client, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen client socket: %v", err)
	}
	defer client.Close()

	f := New(side, resolver.LocalAddr())

	query := []byte{0x12, 0x34, 0x01, 0x00, 0, 1, 0, 0, 0, 0, 0, 0}
	f.Forward(query, 0x1234, client.LocalAddr(), client)

	buf := make([]byte, 512)
	resolver.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := resolver.ReadFrom(buf)
	if err != nil {
		t.Fatalf("resolver did not receive forwarded query: %v", err)
	}
	if string(buf[:n]) != string(query) {
		t.Fatalf("resolver got mangled query: %x", buf[:n])
	}

	reply := []byte{0x12, 0x34, 0x81, 0x80, 0, 1, 0, 1, 0, 0, 0, 0}
	if _, err := resolver.WriteTo(reply, from); err != nil {
		t.Fatalf("resolver reply: %v", err)
	}

	n, _, err = side.ReadFrom(buf)
	if err != nil {
		t.Fatalf("side socket did not receive resolver reply: %v", err)
	}
	f.HandleReply(buf[:n], resolver.LocalAddr())

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err = client.ReadFrom(buf)
	if err != nil {
		t.Fatalf("client did not receive spliced reply: %v", err)
	}
	if string(buf[:n]) != string(reply) {
		t.Fatalf("client got mangled reply: %x", buf[:n])
	}
}

func TestHandleReplyUnknownIDIsIgnored(t *testing.T) {
	resolver, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen resolver: %v", err)
	}
	defer resolver.Close()
	side, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen side socket: %v", err)
	}
	defer side.Close()

	f := New(side, resolver.LocalAddr())
	// No Forward call was ever made for this id; HandleReply must not panic
	// or block trying to splice to a nil connection.
	f.HandleReply([]byte{0xAB, 0xCD, 0x81, 0x80}, resolver.LocalAddr())
}

func TestHandleReplyTooShortIsIgnored(t *testing.T) {
	side, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen side socket: %v", err)
	}
	defer side.Close()
	f := New(side, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53})
	f.HandleReply([]byte{0x01}, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53})
}
