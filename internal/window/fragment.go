package window

import "time"

// Fragment is the unit of the sliding window: at most maxfraglen bytes plus
// sequencing/reassembly metadata (spec.md §4.C, GLOSSARY).
type Fragment struct {
	SeqID      uint8
	Data       []byte
	Start      bool
	End        bool
	Compressed bool

	// Outgoing-only bookkeeping.
	AckOther  int16
	Acked     bool
	LastSent  time.Time
	Retries   int
	everSent  bool
}

// Len returns the fragment's payload length.
func (f *Fragment) Len() int { return len(f.Data) }
