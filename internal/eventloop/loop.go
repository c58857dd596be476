// Package eventloop implements the single-threaded readiness loop (spec.md
// §4.H): one non-blocking-read goroutine per fd feeding a buffered
// channel, and a single select in the loop goroutine, the idiomatic Go
// translation of a C-style readiness multiplexer.
package eventloop

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"iodined/internal/dnswire"
	"iodined/internal/forwarder"
	"iodined/internal/rawudp"
	"iodined/internal/session"
	"iodined/internal/tun"
	"iodined/internal/users"
)

// packet is one datagram read off a socket by its reader goroutine.
type packet struct {
	data []byte
	addr net.Addr
}

// Loop owns every fd the server touches and is the only goroutine that
// mutates Table/session state (spec.md §5: "no mutual exclusion is needed
// because there is no shared mutable state outside the loop's call
// graph" — here, outside the loop goroutine).
type Loop struct {
	Ctx         *session.Context
	Table       *users.Table
	DNS4, DNS6  net.PacketConn
	Tun         tun.Device
	Forwarder   *forwarder.Forwarder
	RawUDP      *rawudp.Handler // nil disables the raw-UDP fallback
	MaxIdleTime time.Duration
	Log         zerolog.Logger
}

// Run drives the loop until ctx is cancelled or max_idle_time elapses
// with no active user (spec.md §4.H).
func (l *Loop) Run(ctx context.Context) error {
	dns4ch := readerGoroutine(ctx, l.DNS4)
	var dns6ch <-chan packet
	if l.DNS6 != nil {
		dns6ch = readerGoroutine(ctx, l.DNS6)
	}
	var tunch <-chan []byte
	if l.Tun != nil {
		tunch = tunReaderGoroutine(ctx, l.Tun)
	}
	var fwdch <-chan packet
	if l.Forwarder != nil && l.Forwarder.Socket != nil {
		fwdch = readerGoroutine(ctx, l.Forwarder.Socket)
	}

	lastActive := time.Now()

	for {
		now := time.Now()
		work, wait, _, _ := l.Table.MaxWait(now)
		l.releasePending(work)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case p, ok := <-dns4ch:
			timer.Stop()
			if !ok {
				return nil
			}
			l.handleDNSPacket(p, l.DNS4)
			lastActive = now
		case p, ok := <-orDone(dns6ch):
			timer.Stop()
			if !ok {
				break
			}
			l.handleDNSPacket(p, l.DNS6)
			lastActive = now
		case raw, ok := <-orDoneBytes(tunch):
			timer.Stop()
			if !ok {
				break
			}
			l.handleTunPacket(raw)
			lastActive = now
		case p, ok := <-orDone(fwdch):
			timer.Stop()
			if !ok {
				break
			}
			l.Forwarder.HandleReply(p.data, p.addr)
			lastActive = now
		case <-timer.C:
			if l.MaxIdleTime > 0 && now.Sub(lastActive) > l.MaxIdleTime {
				return nil
			}
		}
	}
}

// isRawUDP reports whether data begins with the raw-UDP fallback's magic
// header (spec.md §6 "Raw-UDP ... Minimum packet length 5").
func isRawUDP(data []byte) bool {
	return len(data) >= 5 &&
		data[0] == rawudp.Magic[0] && data[1] == rawudp.Magic[1] &&
		data[2] == rawudp.Magic[2] && data[3] == rawudp.Magic[3]
}

func orDone(ch <-chan packet) <-chan packet {
	if ch == nil {
		return make(chan packet)
	}
	return ch
}

func orDoneBytes(ch <-chan []byte) <-chan []byte {
	if ch == nil {
		return make(chan []byte)
	}
	return ch
}

func readerGoroutine(ctx context.Context, conn net.PacketConn) <-chan packet {
	out := make(chan packet, 64)
	go func() {
		defer close(out)
		buf := make([]byte, 4096)
		for {
			if ctx.Err() != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
			n, addr, err := conn.ReadFrom(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				return
			}
			cp := append([]byte(nil), buf[:n]...)
			select {
			case out <- packet{data: cp, addr: addr}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func tunReaderGoroutine(ctx context.Context, dev tun.Device) <-chan []byte {
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		buf := make([]byte, 65536)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := dev.Read(buf)
			if err != nil {
				return
			}
			cp := append([]byte(nil), buf[:n]...)
			select {
			case out <- cp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// handleDNSPacket services at most one upstream query per ready socket
// per iteration (spec.md §4.H step 5), forwarding non-tunnel queries to
// the side resolver when a forwarder is configured. The raw-UDP fallback
// (spec.md §4.I) shares this same socket: its packets are framed with a
// magic header no legitimate DNS query can produce, so they're peeled off
// before DNS unpacking is attempted.
func (l *Loop) handleDNSPacket(p packet, conn net.PacketConn) {
	if l.RawUDP != nil && isRawUDP(p.data) {
		if reply := l.RawUDP.HandlePacket(p.data, p.addr); reply != nil {
			conn.WriteTo(reply, p.addr)
		}
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(p.data); err != nil {
		return // malformed; drop (spec.md §7)
	}
	q, err := dnswire.ParseQuery(msg, p.addr, conn)
	if err != nil {
		return
	}

	if _, ok := dnswire.IsTunnelQuery(q.Name, l.Ctx.TopDomain); !ok {
		if l.Forwarder != nil {
			l.Forwarder.Forward(p.data, q.ID, p.addr, conn)
		}
		return
	}

	reply, send := l.Ctx.HandleQuery(q)
	if !send || reply == nil {
		return
	}
	out, err := reply.Pack()
	if err != nil {
		return
	}
	conn.WriteTo(out, p.addr)
}

// handleTunPacket routes an IP datagram read from the tun device to the
// user whose tun_ip matches its destination, queuing it on that user's
// outgoing window (spec.md §6: "looks up destination IP in the user
// table to route inter-client traffic without going through the kernel").
func (l *Loop) handleTunPacket(raw []byte) {
	dst := destinationIP(raw)
	if dst == nil {
		return
	}
	slot := l.Table.ByTunIP(dst)
	if slot == nil {
		return
	}
	slot.EnqueueOutgoing(raw)
}

// destinationIP reads the destination address out of an IPv4 header.
// tun.Device's fd is opened with IFF_NO_PI (internal/tun/tun_linux.go),
// so raw is the bare IP packet with no platform header to skip — this
// always reads from the buffer that actually holds the packet (spec.md
// §9 Open Question: fixes the source's wrong-offset bug by never
// assuming an offset into a *different* buffer than the one being
// parsed).
func destinationIP(raw []byte) net.IP {
	if len(raw) < 20 {
		return nil
	}
	if raw[0]>>4 != 4 {
		return nil // not IPv4
	}
	return net.IP(raw[16:20])
}

// releasePending sends every reply qmem's max_wait scan just released.
func (l *Loop) releasePending(work []users.PendingWork) {
	if len(work) == 0 {
		return
	}
	for _, r := range l.Ctx.DrainPending(work) {
		out, err := r.Msg.Pack()
		if err != nil {
			continue
		}
		if r.Query.Src == nil {
			continue
		}
		conn := r.Query.Conn
		if conn == nil {
			conn = l.DNS4
		}
		conn.WriteTo(out, r.Query.Src)
	}
}
