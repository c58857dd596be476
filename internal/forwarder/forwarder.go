// Package forwarder relays DNS queries whose name falls outside the
// tunnel's topdomain to a local resolver, splicing the reply back to the
// original client (spec.md §4.J).
package forwarder

import (
	"net"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// entryTTL bounds how long a forwarded query's original address is kept
// waiting for a reply (spec.md §4.J: "entries older than a bounded
// interval are discarded") — exactly go-cache's expiration contract, the
// same library the teacher used for its session table (DESIGN.md).
const entryTTL = 10 * time.Second

type stashed struct {
	addr net.Addr
	// conn is the client-facing socket the original query arrived on, so
	// the spliced reply goes back out the same listener.
	conn net.PacketConn
}

// Forwarder relays non-tunnel queries to 127.0.0.1:bind_port and splices
// the reply back by DNS query ID.
type Forwarder struct {
	Socket   net.PacketConn // the side socket connected to the local resolver
	resolver net.Addr
	table    *cache.Cache
	Log      zerolog.Logger
}

// New creates a Forwarder that relays to resolverAddr (typically
// 127.0.0.1:<bind_port>) over socket.
func New(socket net.PacketConn, resolverAddr net.Addr) *Forwarder {
	return &Forwarder{
		Socket:   socket,
		resolver: resolverAddr,
		table:    cache.New(entryTTL, entryTTL/2),
	}
}

// Forward relays raw (an undecoded DNS query datagram) to the local
// resolver, remembering clientAddr/clientConn under id so HandleReply can
// splice the eventual reply back.
func (f *Forwarder) Forward(raw []byte, id uint16, clientAddr net.Addr, clientConn net.PacketConn) {
	f.table.SetDefault(key(id), stashed{addr: clientAddr, conn: clientConn})
	if _, err := f.Socket.WriteTo(raw, f.resolver); err != nil {
		f.Log.Debug().Err(err).Msg("forwarder: relay to resolver failed")
	}
}

// HandleReply is called when a reply arrives on the side socket from the
// resolver; it looks the original client up by the reply's DNS id (packed
// into the first two bytes of the wire message) and splices the answer
// back verbatim.
func (f *Forwarder) HandleReply(raw []byte, from net.Addr) {
	if len(raw) < 2 {
		return
	}
	id := uint16(raw[0])<<8 | uint16(raw[1])
	v, ok := f.table.Get(key(id))
	if !ok {
		return
	}
	st := v.(stashed)
	f.table.Delete(key(id))
	st.conn.WriteTo(raw, st.addr)
}

func key(id uint16) string {
	return string([]byte{byte(id >> 8), byte(id)})
}
