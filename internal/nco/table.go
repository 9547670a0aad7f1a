package nco

import (
	"errors"
	"fmt"
	"math"
)

const (
	// AccumulatorBits is the width of the phase accumulator.
	AccumulatorBits = 32
	// DefaultTableBits gives a 65536 entry sine table.
	DefaultTableBits = 16
	// FullScale is the table amplitude, matching signed 16-bit samples.
	FullScale = 32768

	MinTableBits = 4
	MaxTableBits = 24
)

// ErrTableBits is returned when a table size is not supported.
var ErrTableBits = errors.New("nco: table bits out of range")

// Table is a quantized sine lookup shared read-only by every oscillator.
// Entry k holds round(sin(2*pi*k/T) * FullScale).
type Table struct {
	bits    uint
	shift   uint
	entries []int32
}

// NewTable builds a table with 1<<bits entries. Entries are int32 so the
// positive peak (+FullScale) is kept exactly.
func NewTable(bits int) (*Table, error) {
	if bits < MinTableBits || bits > MaxTableBits {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrTableBits, bits, MinTableBits, MaxTableBits)
	}
	n := 1 << bits
	entries := make([]int32, n)
	step := 2 * math.Pi / float64(n)
	v := 0.0
	for k := range entries {
		entries[k] = int32(math.Round(math.Sin(v) * FullScale))
		v += step
	}
	return &Table{
		bits:    uint(bits),
		shift:   AccumulatorBits - uint(bits),
		entries: entries,
	}, nil
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Bits returns log2 of the table length.
func (t *Table) Bits() int { return int(t.bits) }

// At returns entry k.
func (t *Table) At(k int) int32 { return t.entries[k] }

// Lookup maps an accumulator phase to an amplitude. Only the top Bits()
// bits of the phase select the entry; the rest are dropped.
func (t *Table) Lookup(phase uint32) int32 {
	return t.entries[phase>>t.shift]
}
