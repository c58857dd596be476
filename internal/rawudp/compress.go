package rawudp

import "iodined/internal/compressor"

// inflate decompresses a zlib-framed IP packet (spec.md's down_compression
// flag mirrors iodine's own use of zlib over tunneled packets), delegating
// to the shared compressor package also used by the DNS-path reassembly
// in internal/session.
func inflate(data []byte) ([]byte, error) { return compressor.Inflate(data) }

// deflate compresses an IP packet with zlib before it enters the outgoing
// window, mirroring inflate's framing.
func deflate(data []byte) []byte { return compressor.Deflate(data) }
