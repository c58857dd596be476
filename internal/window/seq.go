// Package window implements the reliable sliding-window fragmentation layer
// (spec.md §4.C): a bounded, per-direction ring of fragments with 8-bit
// wrapping sequence IDs, ACK tracking, reassembly and retransmission.
package window

// delta returns a-b interpreted as a signed 8-bit quantity (mod 256),
// i.e. how far ahead of b the sequence id a is. Used to compare sequence
// numbers on a ring that wraps every 256 values, with the comparison
// window centered on start_seq_id per spec.md §4.C.
func delta(a, b uint8) int {
	d := int(a) - int(b)
	if d > 127 {
		d -= 256
	} else if d < -127 {
		d += 256
	}
	return d
}

// inWindow reports whether seq lies in [start, start+size) on the mod-256
// ring.
func inWindow(seq, start uint8, size int) bool {
	d := delta(seq, start)
	return d >= 0 && d < size
}
