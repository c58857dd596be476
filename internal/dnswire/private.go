package dnswire

import (
	"fmt"

	"github.com/miekg/dns"
)

// PrivateType is the RR type number used for the PRIVATE downstream
// record shape (spec.md §4.G). It sits in the private-use range reserved
// by RFC 6895 §3.1.
const PrivateType = 65399

// PrivateData is a dns.PrivateRdata carrying raw bytes verbatim, exercised
// via dns.PrivateHandle so PRIVATE answers round-trip through
// (*dns.Msg).Pack/Unpack like any other RR type (spec.md §9 Design Notes:
// "the Z echo responds with downenc 'T' regardless of query type; keep
// this" — PRIVATE exists for the opposite case, a query type the client
// explicitly negotiated to receive raw bytes in).
type PrivateData struct {
	Bytes []byte
}

func (d *PrivateData) String() string { return fmt.Sprintf("\\# %d %X", len(d.Bytes), d.Bytes) }

func (d *PrivateData) Parse(txt []string) error {
	var b []byte
	for _, t := range txt {
		b = append(b, []byte(t)...)
	}
	d.Bytes = b
	return nil
}

func (d *PrivateData) Pack(buf []byte) (int, error) {
	if len(buf) < len(d.Bytes) {
		return 0, dns.ErrBuf
	}
	n := copy(buf, d.Bytes)
	return n, nil
}

func (d *PrivateData) Unpack(buf []byte) (int, error) {
	d.Bytes = append([]byte(nil), buf...)
	return len(buf), nil
}

func (d *PrivateData) Copy(dest dns.PrivateRdata) error {
	dst, ok := dest.(*PrivateData)
	if !ok {
		return fmt.Errorf("dnswire: Copy target is %T, not *PrivateData", dest)
	}
	dst.Bytes = append([]byte(nil), d.Bytes...)
	return nil
}

func (d *PrivateData) Len() int { return len(d.Bytes) }

func init() {
	dns.PrivateHandle("PRIVATE", PrivateType, func() dns.PrivateRdata {
		return &PrivateData{}
	})
}
