package dnswire

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"

	"iodined/internal/encoding"
)

// RRType is the small set of downstream record types spec.md §4.G names.
type RRType int

const (
	RRCNAME RRType = iota
	RRA
	RRMX
	RRSRV
	RRTXT
	RRNULL
	RRPRIVATE
)

const maxLabelLen = 63

// splitLabels breaks a hostname-encoded string into DNS labels of at most
// maxLabelLen characters each.
func splitLabels(s string) string {
	if len(s) <= maxLabelLen {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += maxLabelLen {
		if i > 0 {
			b.WriteByte('.')
		}
		end := i + maxLabelLen
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
	}
	return b.String()
}

// cmcLabel renders a 10-bit rotating collision-mitigation counter as two
// base32 characters (5 bits each), matching the alphabet already used for
// hostname-safe encoding.
func cmcLabel(cmc uint16) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	cmc &= 0x3ff
	hi := (cmc >> 5) & 0x1f
	lo := cmc & 0x1f
	return string([]byte{alphabet[hi], alphabet[lo]})
}

// WriteAnswer builds the reply message for req, encoding payload per
// rrtype's shape (spec.md §4.G "Downstream packet format"):
//
//   - CNAME/A: hostname-encoded, prefixed by a char naming the encoding
//     (h/i/j/k) and a rotating CMC, split into labels, topdomain appended.
//   - MX/SRV: a NUL-terminated chain of hostname-encoded labels, one RR
//     per chunk of the payload.
//   - TXT: a single string prefixed by a char naming the encoding
//     (t/s/u/v/r).
//   - NULL/PRIVATE: raw bytes (PRIVATE rides a dns.PrivateRdata so it
//     round-trips through Pack/Unpack).
func WriteAnswer(req *dns.Msg, rrtype RRType, payload []byte, enc encoding.Codec, topdomain string, cmc uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(req)
	name := req.Question[0].Name

	switch rrtype {
	case RRCNAME, RRA:
		hostname := splitLabels(fmt.Sprintf("%c%s%s", enc.HostnameChar(), cmcLabel(cmc), enc.Encode(payload)))
		target := dns.Fqdn(hostname + "." + strings.TrimSuffix(topdomain, "."))
		if rrtype == RRCNAME {
			msg.Answer = append(msg.Answer, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 0},
				Target: target,
			})
		} else {
			// A records can't carry a domain name; encode the hostname
			// chunk count as-is isn't possible, so A-type responses
			// downgrade to CNAME-shaped target data isn't valid wire
			// format for TypeA. Per spec.md, A is only used when the
			// negotiated downstream encoding is hostname-style but the
			// query type itself is A; we answer with a CNAME record
			// regardless of Qtype, which resolvers accept as a valid
			// (if atypical) answer to an A query.
			msg.Answer = append(msg.Answer, &dns.CNAME{
				Hdr:    dns.RR_Header{Name: name, Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 0},
				Target: target,
			})
		}
	case RRMX:
		for _, rr := range chainRecords(payload, enc, topdomain) {
			msg.Answer = append(msg.Answer, &dns.MX{
				Hdr:        dns.RR_Header{Name: name, Rrtype: dns.TypeMX, Class: dns.ClassINET, Ttl: 0},
				Preference: rr.pref,
				Mx:         rr.target,
			})
		}
	case RRSRV:
		for _, rr := range chainRecords(payload, enc, topdomain) {
			msg.Answer = append(msg.Answer, &dns.SRV{
				Hdr:      dns.RR_Header{Name: name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 0},
				Priority: rr.pref,
				Weight:   0,
				Port:     0,
				Target:   rr.target,
			})
		}
	case RRTXT:
		txt := fmt.Sprintf("%c%s", enc.TXTChar(), enc.Encode(payload))
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
			Txt: splitTXTChunks(txt),
		})
	case RRNULL:
		msg.Answer = append(msg.Answer, &dns.NULL{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeNULL, Class: dns.ClassINET, Ttl: 0},
			Data: string(payload),
		})
	case RRPRIVATE:
		msg.Answer = append(msg.Answer, &dns.PrivateRR{
			Hdr:  dns.RR_Header{Name: name, Rrtype: PrivateType, Class: dns.ClassINET, Ttl: 0},
			Data: &PrivateData{Bytes: payload},
		})
	}
	return msg
}

// splitTXTChunks breaks s into <=255-byte chunks as required by the TXT
// RR's character-string encoding; miekg/dns also does this internally on
// Pack, but chunking explicitly keeps behavior predictable under Unpack.
func splitTXTChunks(s string) []string {
	const max = 255
	if len(s) <= max {
		return []string{s}
	}
	var out []string
	for i := 0; i < len(s); i += max {
		end := i + max
		if end > len(s) {
			end = len(s)
		}
		out = append(out, s[i:end])
	}
	return out
}

type chainedRR struct {
	pref   uint16
	target string
}

// chainRecords splits payload into label-chain chunks, hostname-encoding
// each, and appends one record carrying a terminator marker after the
// last chunk (spec.md §4.G "NUL-terminated list"): the terminator is an
// extra record whose target is the bare topdomain, signaling "no more
// chunks follow".
func chainRecords(payload []byte, enc encoding.Codec, topdomain string) []chainedRR {
	const chunkBytes = 150 // keeps each encoded label chain under 253 chars
	var out []chainedRR
	pref := uint16(0)
	if len(payload) == 0 {
		out = append(out, chainedRR{pref: pref, target: dns.Fqdn(strings.TrimSuffix(topdomain, "."))})
		return out
	}
	for i := 0; i < len(payload); i += chunkBytes {
		end := i + chunkBytes
		if end > len(payload) {
			end = len(payload)
		}
		hostname := splitLabels(enc.Encode(payload[i:end]))
		target := dns.Fqdn(hostname + "." + strings.TrimSuffix(topdomain, "."))
		out = append(out, chainedRR{pref: pref, target: target})
		pref++
	}
	// Terminator: bare topdomain marks end-of-chain.
	out = append(out, chainedRR{pref: pref, target: dns.Fqdn(strings.TrimSuffix(topdomain, "."))})
	return out
}
