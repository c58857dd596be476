// Package encoding implements the reversible byte<->DNS-label-safe text
// mappings negotiated between client and server: base32, base64, base64u
// (URL-safe base64) and base128, plus a raw passthrough used by record
// types that carry bytes directly.
package encoding

import (
	"encoding/base32"
	"encoding/base64"
	"fmt"
)

// Codec converts raw bytes to and from a DNS-label-safe alphabet.
type Codec interface {
	// Name is the human-readable name returned by the S command on success
	// (e.g. "Base128").
	Name() string
	// HostnameChar is the prefix character for the downstream
	// CNAME/A/MX/SRV hostname encoding (h/i/j/k).
	HostnameChar() byte
	// TXTChar is the prefix character for the downstream TXT encoding
	// (t/s/u/v/r).
	TXTChar() byte
	Encode(data []byte) string
	Decode(s string) ([]byte, error)
}

var (
	b32 = base32.StdEncoding.WithPadding(base32.NoPadding)
	b64 = base64.StdEncoding.WithPadding(base64.NoPadding)
	b64u = base64.URLEncoding.WithPadding(base64.NoPadding)
)

// Base32 is the default upstream/downstream codec (5 bits/char).
type Base32 struct{}

func (Base32) Name() string              { return "Base32" }
func (Base32) HostnameChar() byte        { return 'h' }
func (Base32) TXTChar() byte             { return 't' }
func (Base32) Encode(data []byte) string { return b32.EncodeToString(data) }
func (Base32) Decode(s string) ([]byte, error) {
	return b32.DecodeString(normalizeBase32(s))
}

// Base64 is the 6-bit codec using the standard alphabet (not DNS-label
// safe for the hostname encoding, but valid inside a TXT record).
type Base64 struct{}

func (Base64) Name() string              { return "Base64" }
func (Base64) HostnameChar() byte        { return 'i' }
func (Base64) TXTChar() byte             { return 's' }
func (Base64) Encode(data []byte) string { return b64.EncodeToString(data) }
func (Base64) Decode(s string) ([]byte, error) {
	return b64.DecodeString(s)
}

// Base64u is base64 with a DNS-label-safe ('-'/'_') alphabet.
type Base64u struct{}

func (Base64u) Name() string              { return "Base64u" }
func (Base64u) HostnameChar() byte        { return 'j' }
func (Base64u) TXTChar() byte              { return 'u' }
func (Base64u) Encode(data []byte) string { return b64u.EncodeToString(data) }
func (Base64u) Decode(s string) ([]byte, error) {
	return b64u.DecodeString(s)
}

// Base128 packs 7 bits per character from a 128-symbol alphabet. There is
// no standard-library or ecosystem implementation of this alphabet; it is
// iodine's own invention. Its alphabet is case-sensitive and includes bytes
// above 160, so it only round-trips through a path that carries label bytes
// unchanged (no case folding); it trades print-safety for bit density. It is
// selectable both as the upstream codec (S, codec id 7) and as a downstream
// codec (k/v).
type Base128 struct{}

// alphabet128 is built at init to guarantee exactly 128 distinct byte
// values: the 62 letters/digits and 31 punctuation marks are all below
// 128 and visually distinct, which isn't enough symbols on their own, so
// the rest are filled from the upper half of the byte range.
var alphabet128 [128]byte
var alphabet128Rev map[byte]byte

func init() {
	base := "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	extra := "!\"#$%&'()*+,-/:;<=>?@[\\]^_`{|}~" // DNS-label-safe punctuation beyond alnum, no '.'

	alphabet128Rev = make(map[byte]byte, 128)
	seen := make(map[byte]bool, 128)
	i := 0
	add := func(c byte) {
		if i >= 128 || seen[c] {
			return
		}
		seen[c] = true
		alphabet128[i] = c
		alphabet128Rev[c] = byte(i)
		i++
	}
	for j := 0; j < len(base); j++ {
		add(base[j])
	}
	for j := 0; j < len(extra); j++ {
		add(extra[j])
	}
	// Not enough print-safe ASCII symbols exist to reach 128 distinct
	// values; fill the remainder from the high byte range, which never
	// collides with anything already added.
	for c := 161; i < 128 && c <= 255; c++ {
		add(byte(c))
	}
}

func (Base128) Name() string { return "Base128" }
func (Base128) HostnameChar() byte { return 'k' }
func (Base128) TXTChar() byte      { return 'v' }

// Encode packs the input 7 bits at a time into alphabet128 symbols.
func (Base128) Encode(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	out := make([]byte, 0, (len(data)*8+6)/7)
	var acc uint32
	var bits uint
	for _, b := range data {
		acc = (acc << 8) | uint32(b)
		bits += 8
		for bits >= 7 {
			bits -= 7
			idx := (acc >> bits) & 0x7f
			out = append(out, alphabet128[idx])
		}
	}
	if bits > 0 {
		idx := (acc << (7 - bits)) & 0x7f
		out = append(out, alphabet128[idx])
	}
	return string(out)
}

func (Base128) Decode(s string) ([]byte, error) {
	out := make([]byte, 0, len(s)*7/8+1)
	var acc uint32
	var bits uint
	for i := 0; i < len(s); i++ {
		v, ok := alphabet128Rev[s[i]]
		if !ok {
			return nil, fmt.Errorf("encoding: invalid base128 character %q", s[i])
		}
		acc = (acc << 7) | uint32(v)
		bits += 7
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	return out, nil
}

// Raw is a passthrough codec used only for record types (NULL/PRIVATE)
// that carry bytes verbatim inside the DNS answer's RDATA.
type Raw struct{}

func (Raw) Name() string                { return "Raw" }
func (Raw) HostnameChar() byte          { return 'r' }
func (Raw) TXTChar() byte                { return 'r' }
func (Raw) Encode(data []byte) string   { return string(data) }
func (Raw) Decode(s string) ([]byte, error) { return []byte(s), nil }

// normalizeBase32 upper-cases incoming text, since DNS resolvers frequently
// fold label case and standard base32 requires uppercase.
func normalizeBase32(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// CodecID is the wire identifier used by the S command.
type CodecID uint8

const (
	CodecBase32  CodecID = 5
	CodecBase64  CodecID = 6
	CodecBase64u CodecID = 26
	CodecBase128 CodecID = 7
)

// ByID implements the S command's codec_id -> Codec dispatch table
// (spec.md §4.G: {5,6,26,7} -> {b32,b64,b64u,b128}).
func ByID(id uint8) (Codec, bool) {
	switch CodecID(id) {
	case CodecBase32:
		return Base32{}, true
	case CodecBase64:
		return Base64{}, true
	case CodecBase64u:
		return Base64u{}, true
	case CodecBase128:
		return Base128{}, true
	default:
		return nil, false
	}
}

// ByChar maps a downstream-encoding prefix character (h/i/j/k for hostname
// encodings, t/s/u/v/r for TXT encodings) back to a Codec, used by the Y
// command (downstream codec check).
func ByChar(c byte) (Codec, bool) {
	switch c {
	case 'h', 't':
		return Base32{}, true
	case 'i', 's':
		return Base64{}, true
	case 'j', 'u':
		return Base64u{}, true
	case 'k', 'v':
		return Base128{}, true
	case 'r':
		return Raw{}, true
	default:
		return nil, false
	}
}
