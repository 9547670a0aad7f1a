package nco

import (
	"math/bits"
	"sync/atomic"
)

const twoPow32 = 1 << AccumulatorBits

// Oscillator is the per-client NCO state: a control word and a phase
// accumulator that wraps modulo 2^32.
//
// The control word may be changed from any goroutine. The phase has a
// single owner: only the stream feeding this client may call Next.
type Oscillator struct {
	fcw   atomic.Uint32
	phase atomic.Uint32
}

// SetControlWord replaces the per-sample phase increment. The phase is
// left untouched.
func (o *Oscillator) SetControlWord(w uint32) { o.fcw.Store(w) }

// ControlWord returns the current phase increment.
func (o *Oscillator) ControlWord() uint32 { return o.fcw.Load() }

// Phase returns the current accumulator value.
func (o *Oscillator) Phase() uint32 { return o.phase.Load() }

// Next advances the accumulator by one sample and returns the table
// amplitude at the new phase.
func (o *Oscillator) Next(t *Table) int32 {
	return t.Lookup(o.phase.Add(o.fcw.Load()))
}

// ControlWord converts an offset in Hz to a control word:
// round(offsetHz * 2^32 / sampleRate), half away from zero. The product is
// kept in 128 bits so negative offsets and offsets beyond Nyquist wrap
// modulo 2^32 exactly and therefore alias.
func ControlWord(offsetHz int, sampleRate int) uint32 {
	if sampleRate <= 0 {
		return 0
	}
	mag := uint64(offsetHz)
	if offsetHz < 0 {
		mag = -mag
	}
	sr := uint64(sampleRate)
	hi, lo := bits.Mul64(mag, twoPow32)
	lo, carry := bits.Add64(lo, sr/2, 0)
	hi += carry
	// Only the low bits of the quotient are kept, so reducing the high
	// word modulo sr first keeps Div64 from overflowing.
	q, _ := bits.Div64(hi%sr, lo, sr)
	w := uint32(q)
	if offsetHz < 0 {
		w = -w
	}
	return w
}

// Frequency is the inverse of ControlWord. Words with the top bit set are
// read as negative frequencies.
func Frequency(w uint32, sampleRate int) float64 {
	return float64(int32(w)) * float64(sampleRate) / twoPow32
}

// Period returns the number of accumulator steps after which an oscillator
// with control word w repeats: 2^32 / gcd(w, 2^32).
func Period(w uint32) uint64 {
	return uint64(1) << (AccumulatorBits - bits.TrailingZeros32(w))
}
