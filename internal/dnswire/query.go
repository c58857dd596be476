// Package dnswire implements the DNS wire codec (spec.md §4.B): parsing an
// incoming query datagram and building the five downstream answer shapes
// (hostname-encoded CNAME/A, MX/SRV label chains, TXT, raw NULL/PRIVATE),
// built on github.com/miekg/dns.
package dnswire

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// Query is the parsed shape of an incoming DNS question (spec.md §3:
// "{id, type, qname, src}"). Conn names the socket the query arrived on,
// so a lazy-mode deferred reply can be written back to the same listener
// (dns4 vs dns6) rather than always the default one.
type Query struct {
	ID   uint16
	Type uint16
	Name string // fully-qualified, as received (case preserved)
	Src  net.Addr
	Conn net.PacketConn
}

// ParseQuery extracts {id, type, qname, src} from an incoming query
// message. Malformed or empty-question messages return an error; callers
// must drop silently per spec.md §7 ("Malformed DNS / truncated payload →
// drop; no response").
func ParseQuery(msg *dns.Msg, src net.Addr, conn net.PacketConn) (Query, error) {
	if len(msg.Question) == 0 {
		return Query{}, errNoQuestion
	}
	q := msg.Question[0]
	return Query{
		ID:   msg.Id,
		Type: q.Qtype,
		Name: q.Name,
		Src:  src,
		Conn: conn,
	}, nil
}

type wireError string

func (e wireError) Error() string { return string(e) }

const errNoQuestion = wireError("dnswire: query has no question section")

// IsTunnelQuery reports whether qname is a tunnel query for topdomain: it
// must end with topdomain, with the label immediately before topdomain
// terminated by a dot (spec.md §6). On success it returns the data
// portion of the name (every label before topdomain, dots included,
// without a trailing dot).
func IsTunnelQuery(qname, topdomain string) (data string, ok bool) {
	name := strings.TrimSuffix(qname, ".")
	top := strings.TrimSuffix(topdomain, ".")
	topLower := strings.ToLower(top)
	nameLower := strings.ToLower(name)

	suffix := "." + topLower
	if nameLower == topLower {
		return "", false // bare topdomain carries no command
	}
	if !strings.HasSuffix(nameLower, suffix) {
		return "", false
	}
	data = name[:len(name)-len(suffix)]
	if data == "" {
		return "", false
	}
	return data, true
}
