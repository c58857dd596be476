// Package compressor implements the zlib framing iodine uses for the
// down_compression/up-compression option (spec.md §3 "down_compression:
// bool"): tunneled IP packets are optionally zlib-deflated before they
// enter a window buffer, and inflated again on the receiving side. No
// pack library offers a zlib-compatible (de)compressor with iodine's own
// wire framing; compress/zlib is the standard library's implementation of
// that exact format, so there is no ecosystem alternative to ground this
// on (see DESIGN.md).
package compressor

import (
	"bytes"
	"compress/zlib"
	"io"
)

// Inflate decompresses a zlib-framed payload.
func Inflate(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// Deflate compresses a payload with zlib.
func Deflate(data []byte) []byte {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	w.Write(data)
	w.Close()
	return buf.Bytes()
}
