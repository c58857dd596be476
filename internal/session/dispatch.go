package session

import (
	"crypto/md5"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"

	"iodined/internal/answercache"
	"iodined/internal/compressor"
	"iodined/internal/dnswire"
	"iodined/internal/encoding"
	"iodined/internal/qmem"
	"iodined/internal/tun"
	"iodined/internal/users"
	"iodined/internal/window"
)

// Context bundles the pieces HandleQuery needs but that don't belong in
// the per-user Slot (spec.md §9 "Global state": reorganized into a Server
// value passed by reference rather than process-wide globals).
type Context struct {
	Table          *users.Table
	TopDomain      string
	Password       []byte
	ServerVersion  uint32
	MyIP           net.IP
	ExternalIP     net.IP
	TunNetmaskBits int
	MTU            int
	CheckIP        bool
	Tun            tun.Device // nil runs the session layer without a tun sink (e.g. tests)
	Log            zerolog.Logger

	downCMC uint16 // rotating CMC for hostname-encoded answers
}

// illegalAnswerByte is the literal payload of the duplicate-query "illegal
// answer" reply (spec.md §9: "Preserve exactly").
const illegalAnswerByte = 'x'

// HandleQuery is the entry point for one incoming tunnel DNS query
// (spec.md §4.G). It returns the reply to send immediately, or (nil,
// false) when the query must be queued (answered later via qmem's
// max_wait-driven drain) or silently dropped.
func (c *Context) HandleQuery(q dnswire.Query) (*dns.Msg, bool) {
	data, ok := dnswire.IsTunnelQuery(q.Name, c.TopDomain)
	if !ok {
		return nil, false // not ours; forwarder's concern
	}

	lead, rest, ok := peekLead(data)
	if !ok {
		return nil, false
	}

	// Data fragments are the one command whose uid is a literal hex
	// nibble rather than a decoded byte (spec.md §4.G: "leading hex
	// nibble = uid"), and the one command whose body actually rides the
	// codec a user negotiated with S (spec.md §8 scenario C: switching
	// codecs governs "subsequent data fragments", not control commands).
	// The slot, and so the codec, must be known before the body can be
	// decoded at all.
	if n, isHex := hexNibble(lead); isHex {
		return c.handleDataFragmentQuery(q, n, rest)
	}

	// Every other command's parameters always ride Base32; only data
	// fragment bodies switch codec.
	cmd, err := Parse(data, encoding.Base32{})
	if err != nil {
		c.Log.Debug().Err(err).Msg("session: drop malformed query")
		return nil, false
	}

	switch v := cmd.(type) {
	case Version:
		return c.handleVersion(q, v), true
	case DownstreamCodecCheck:
		return c.handleDownstreamCodecCheck(q, v), true
	case Probe:
		return dnswire.WriteAnswer(rawMsg(q), dnswire.RRTXT, []byte(q.Name), encoding.Base32{}, c.TopDomain, 0), true
	}

	uid := uidOf(cmd)
	slot := c.Table.Slot(uid)
	if slot == nil || slot.State == users.Free {
		return c.errorReply(q, "BADIP"), true
	}
	if c.CheckIP && slot.PeerAddr != nil && slot.PeerAddr.String() != q.Src.String() {
		return c.errorReply(q, "BADIP"), true
	}
	slot.PeerAddr = q.Src
	slot.LastPkt = time.Now()

	switch v := cmd.(type) {
	case Login:
		return c.handleLogin(q, slot, v), true
	case IPQuery:
		return c.handleIPQuery(q, slot), true
	case SwitchCodec:
		return c.handleSwitchCodec(q, slot, v), true
	case Options:
		return c.handleOptions(q, slot, v), true
	case FragProbe:
		return c.handleFragProbe(q, slot, v), true
	case FragSet:
		return c.handleFragSet(q, slot, v), true
	case Ping:
		return c.handlePing(q, slot, v)
	default:
		return nil, false
	}
}

// handleDataFragmentQuery parses and dispatches a data fragment command,
// whose uid arrives as a literal hex nibble so the user's slot (and
// negotiated upstream codec) can be resolved before the body is decoded.
func (c *Context) handleDataFragmentQuery(q dnswire.Query, nibble uint8, rest string) (*dns.Msg, bool) {
	uid := int(nibble)
	slot := c.Table.Slot(uid)
	if slot == nil || slot.State == users.Free {
		return c.errorReply(q, "BADIP"), true
	}
	if c.CheckIP && slot.PeerAddr != nil && slot.PeerAddr.String() != q.Src.String() {
		return c.errorReply(q, "BADIP"), true
	}

	cmd, err := parseDataFragment(nibble, rest, slot.UpstreamCodec)
	if err != nil {
		c.Log.Debug().Err(err).Int("uid", uid).Msg("session: BADLEN")
		return c.errorReply(q, "BADLEN"), true
	}
	slot.PeerAddr = q.Src
	slot.LastPkt = time.Now()
	return c.handleDataFragment(q, slot, cmd.(DataFragment))
}

func uidOf(cmd Command) int {
	switch v := cmd.(type) {
	case Login:
		return v.UID
	case IPQuery:
		return v.UID
	case SwitchCodec:
		return v.UID
	case Options:
		return v.UID
	case FragProbe:
		return v.UID
	case FragSet:
		return v.UID
	case Ping:
		return v.UID
	case DataFragment:
		return v.UID
	default:
		return -1
	}
}

func rawMsg(q dnswire.Query) *dns.Msg {
	m := new(dns.Msg)
	m.Id = q.ID
	m.Question = []dns.Question{{Name: q.Name, Qtype: q.Type, Qclass: dns.ClassINET}}
	return m
}

func responseRRType(qtype uint16) dnswire.RRType {
	switch qtype {
	case dns.TypeA:
		return dnswire.RRA
	case dns.TypeMX:
		return dnswire.RRMX
	case dns.TypeSRV:
		return dnswire.RRSRV
	case dns.TypeTXT:
		return dnswire.RRTXT
	case dns.TypeNULL:
		return dnswire.RRNULL
	case dnswire.PrivateType:
		return dnswire.RRPRIVATE
	default:
		return dnswire.RRCNAME
	}
}

// downstreamShapeForQtype implements end-to-end scenario A: downenc='R'
// (raw, 8 bits/byte) when the query type itself carries raw bytes
// (NULL/PRIVATE), else 'T' (base32-in-TXT, 5 bits/byte) by default.
func downstreamShapeForQtype(qtype uint16) (char byte, bits int) {
	switch qtype {
	case dns.TypeNULL, dnswire.PrivateType:
		return 'R', 8
	default:
		return 'T', 5
	}
}

func (c *Context) reply(q dnswire.Query, rrtype dnswire.RRType, enc encoding.Codec, payload []byte) *dns.Msg {
	c.downCMC++
	return dnswire.WriteAnswer(rawMsg(q), rrtype, payload, enc, c.TopDomain, c.downCMC)
}

func (c *Context) errorReply(q dnswire.Query, text string) *dns.Msg {
	return c.reply(q, dnswire.RRTXT, encoding.Base32{}, []byte(text))
}

func (c *Context) handleVersion(q dnswire.Query, v Version) *dns.Msg {
	if v.ProtoVersion != c.ServerVersion {
		return c.reply(q, responseRRType(q.Type), encoding.Raw{}, []byte(fmt.Sprintf("VNAK%08x", c.ServerVersion)))
	}
	slot := c.Table.Allocate(q.Src, pseudoSeed(q.ID))
	if slot == nil {
		return c.reply(q, responseRRType(q.Type), encoding.Raw{}, []byte(fmt.Sprintf("VFUL%d", c.Table.ActiveCount())))
	}
	char, bits := downstreamShapeForQtype(q.Type)
	slot.DownstreamEncoding = char
	slot.DownstreamBits = bits
	return c.reply(q, responseRRType(q.Type), encoding.Raw{}, []byte(fmt.Sprintf("VACK%08x%02x", slot.Seed, slot.ID)))
}

func pseudoSeed(dnsID uint16) uint32 { return uint32(dnsID)*2654435761 + 1 }

func loginHash(password []byte, seed uint32) [16]byte {
	buf := append(append([]byte(nil), password...), byte(seed), byte(seed>>8), byte(seed>>16), byte(seed>>24))
	return md5.Sum(buf)
}

func (c *Context) handleLogin(q dnswire.Query, slot *users.Slot, v Login) *dns.Msg {
	want := loginHash(c.Password, slot.Seed)
	if want != v.Hash {
		return c.errorReply(q, "LNAK")
	}
	if !c.Table.SetAuthenticatedPeer(slot, q.Src.String()) {
		return c.errorReply(q, "BADIP")
	}
	base := c.MyIP.To4()
	tunIP := net.IPv4(base[0], base[1], base[2], base[3]+byte(slot.ID)+1)
	if !c.Table.AssignTunIP(slot, tunIP) {
		return c.errorReply(q, "BADIP")
	}
	slot.State = users.Authenticated
	body := fmt.Sprintf("%s-%s-%d-%d", c.MyIP.String(), tunIP.String(), c.MTU, c.TunNetmaskBits)
	return c.reply(q, responseRRType(q.Type), encoding.Base32{}, []byte(body))
}

func (c *Context) handleIPQuery(q dnswire.Query, slot *users.Slot) *dns.Msg {
	ip := c.ExternalIP
	if ip == nil {
		ip = net.IPv4(0, 0, 0, 0)
	}
	payload := append([]byte{'I'}, ip.To4()...)
	return c.reply(q, responseRRType(q.Type), slot.UpstreamCodec, payload)
}

func (c *Context) handleDownstreamCodecCheck(q dnswire.Query, v DownstreamCodecCheck) *dns.Msg {
	enc, ok := encoding.ByChar(v.CodecChar)
	if !ok {
		return c.errorReply(q, "BADCODEC")
	}
	pattern := make([]byte, 36)
	for i := range pattern {
		pattern[i] = byte(i * 7 % 256)
	}
	return c.reply(q, responseRRType(q.Type), enc, pattern)
}

func (c *Context) handleSwitchCodec(q dnswire.Query, slot *users.Slot, v SwitchCodec) *dns.Msg {
	enc, ok := encoding.ByID(v.CodecID)
	if !ok {
		return c.errorReply(q, "BADCODEC")
	}
	slot.UpstreamCodec = enc
	return c.reply(q, responseRRType(q.Type), encoding.Base32{}, []byte(enc.Name()))
}

func (c *Context) handleOptions(q dnswire.Query, slot *users.Slot, v Options) *dns.Msg {
	for _, o := range v.Opts {
		switch o {
		case 'L':
			slot.Lazy = true
		case 'I':
			slot.Lazy = false
		case 'C':
			slot.DownCompression = true
		case 'D':
			slot.DownCompression = false
		}
	}
	return c.reply(q, responseRRType(q.Type), encoding.Base32{}, v.Opts)
}

func (c *Context) handleFragProbe(q dnswire.Query, slot *users.Slot, v FragProbe) *dns.Msg {
	if v.ReqSize < 2 || v.ReqSize > 4078 {
		return c.errorReply(q, "BADFRAG")
	}
	pattern := make([]byte, v.ReqSize)
	pattern[0] = byte(v.ReqSize >> 8)
	if len(pattern) > 1 {
		pattern[1] = byte(v.ReqSize)
	}
	for i := 2; i < len(pattern); i++ {
		pattern[i] = byte((107 + (i-2)*107) % 256)
	}
	return c.reply(q, responseRRType(q.Type), slot.UpstreamCodec, pattern)
}

func (c *Context) handleFragSet(q dnswire.Query, slot *users.Slot, v FragSet) *dns.Msg {
	if v.FragSize < 2 || v.FragSize > 2047 {
		return c.errorReply(q, "BADFRAG")
	}
	slot.SetFragSize(int(v.FragSize))
	payload := []byte{byte(v.FragSize >> 8), byte(v.FragSize)}
	return c.reply(q, responseRRType(q.Type), encoding.Base32{}, payload)
}

// handlePing and handleDataFragment consult the answer cache then qmem
// before doing anything else (spec.md §4.G: "Before processing P and data
// fragments, the server consults the answer cache ... and then appends to
// qmem"). Both return (nil, false) when the reply must wait for qmem's
// max_wait-driven drain rather than being sent synchronously.

func (c *Context) handlePing(q dnswire.Query, slot *users.Slot, v Ping) (*dns.Msg, bool) {
	key := answercache.Key{Type: q.Type, Name: q.Name}
	if cached, hit := slot.AnswerCache.Lookup(key); hit {
		return c.reply(q, responseRRType(q.Type), encoding.Raw{}, cached), true
	}

	qkey := qmem.Query{ID: q.ID, Type: q.Type, Name: q.Name, Src: q.Src, Conn: q.Conn}
	switch slot.Qmem.Append(qkey, slot.LastPkt) {
	case qmem.Duplicate:
		return c.illegalAnswer(q, slot), true
	case qmem.Refused:
		return nil, false
	}

	if v.AckValid {
		ack := int16(v.DnAck)
		slot.NextUpstreamAck = ack
	}
	slot.Outgoing.SetWindowSize(int(v.DnWinSize))
	if v.UpdateTimeoutFlag() {
		slot.DNSTimeout = msToDuration(v.TimeoutMS)
	}
	if v.RespondFlag() {
		slot.SendPingNext = true
	}
	if !slot.Lazy {
		return c.drainOne(q, slot), true
	}
	return nil, false
}

func (c *Context) handleDataFragment(q dnswire.Query, slot *users.Slot, v DataFragment) (*dns.Msg, bool) {
	key := answercache.Key{Type: q.Type, Name: q.Name}
	if cached, hit := slot.AnswerCache.Lookup(key); hit {
		return c.reply(q, responseRRType(q.Type), encoding.Raw{}, cached), true
	}

	qkey := qmem.Query{ID: q.ID, Type: q.Type, Name: q.Name, Src: q.Src, Conn: q.Conn}
	switch slot.Qmem.Append(qkey, slot.LastPkt) {
	case qmem.Duplicate:
		return c.illegalAnswer(q, slot), true
	case qmem.Refused:
		return nil, false
	}

	frag := &window.Fragment{
		SeqID:      v.SeqID,
		Data:       v.Body,
		Start:      v.IsStart(),
		End:        v.IsEnd(),
		Compressed: v.IsCompressed(),
	}
	ack := slot.Incoming.ProcessIncomingFragment(frag)
	if ack >= 0 {
		slot.NextUpstreamAck = int16(ack)
	}
	if v.HasAck() {
		slot.Outgoing.Ack(uint8(v.AckOther))
	}
	c.drainReassembled(slot)

	if !slot.Lazy {
		return c.drainOne(q, slot), true
	}
	return nil, false
}

// illegalAnswer implements spec.md §9's literal "reply payload is the
// byte 'x' encoded under downenc 'T'" duplicate-query response.
func (c *Context) illegalAnswer(q dnswire.Query, slot *users.Slot) *dns.Msg {
	return c.reply(q, responseRRType(q.Type), encoding.Base32{}, []byte{illegalAnswerByte})
}

func msToDuration(ms uint32) time.Duration { return time.Duration(ms) * time.Millisecond }

// drainReassembled pulls every fully-reassembled upstream packet out of
// slot's incoming window (spec.md §2 data flow: "socket → B → G command
// dispatch → C incoming → reassembly → tun") and routes each one: to
// another active user's outgoing window if its destination matches that
// user's tun_ip (spec.md §6/§8 scenario F — avoids a pointless kernel
// round-trip for inter-client traffic), otherwise to the tun device.
// Decompression failures are dropped per spec.md §7, never propagated.
func (c *Context) drainReassembled(slot *users.Slot) {
	buf := make([]byte, 65536)
	for {
		n, compressed := slot.Incoming.ReassembleData(buf)
		if n == 0 {
			return
		}
		packet := append([]byte(nil), buf[:n]...)
		if compressed {
			decompressed, err := compressor.Inflate(packet)
			if err != nil {
				c.Log.Debug().Err(err).Int("uid", slot.ID).Msg("session: dropping undecompressable upstream packet")
				continue
			}
			packet = decompressed
		}
		if dst := destinationTunIP(packet); dst != nil {
			if other := c.Table.ByTunIP(dst); other != nil && other.ID != slot.ID {
				other.EnqueueOutgoing(packet)
				continue
			}
		}
		if c.Tun != nil {
			c.Tun.Write(packet)
		}
	}
}

// destinationTunIP reads the destination address out of an IPv4 header at
// the front of packet (no platform tun header here: this is a reassembled
// tunnel payload, not a raw tun-device read).
func destinationTunIP(packet []byte) net.IP {
	if len(packet) < 20 || packet[0]>>4 != 4 {
		return nil
	}
	return net.IP(packet[16:20])
}

// drainOne sends the next eligible downstream fragment/ping for slot and
// marks its oldest pending qmem query answered. Used for non-lazy users,
// who answer immediately at append time rather than waiting on max_wait
// (spec.md §4.E: "Non-lazy users never defer").
func (c *Context) drainOne(q dnswire.Query, slot *users.Slot) *dns.Msg {
	body, header := buildDownstreamPayload(slot)
	raw := append(header, body...)
	slot.Qmem.Answered()
	slot.AnswerCache.Save(answercache.Key{Type: q.Type, Name: q.Name}, q.ID, raw)
	return c.reply(q, responseRRType(q.Type), encoding.Raw{}, raw)
}

// DownstreamReply pairs a built reply with the query it answers, so a
// caller can address it to the right resolver (spec.md §4.H step 5: "a
// single iteration may send multiple downstream responses").
type DownstreamReply struct {
	Query dnswire.Query
	Msg   *dns.Msg
}

// DrainPending releases the downstream replies qmem's max_wait scan found
// eligible right now (spec.md §4.E/§4.H), for lazy-mode users whose
// replies weren't sent synchronously at append time.
func (c *Context) DrainPending(work []users.PendingWork) []DownstreamReply {
	var out []DownstreamReply
	for _, w := range work {
		slot := c.Table.Slot(w.SlotID)
		if slot == nil {
			continue
		}
		for i := 0; i < w.Budget; i++ {
			pq, ok := slot.Qmem.NextResponse()
			if !ok {
				break
			}
			q := dnswire.Query{ID: pq.ID, Type: pq.Type, Name: pq.Name, Src: pq.Src, Conn: pq.Conn}
			out = append(out, DownstreamReply{Query: q, Msg: c.drainOne(q, slot)})
		}
	}
	return out
}
