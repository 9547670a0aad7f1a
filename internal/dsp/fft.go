package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// sampleScale normalizes signed 16-bit samples to [-1, 1).
const sampleScale = 32768.0

// IQToComplex converts a block of 16-bit I/Q samples to normalized complex
// values. The shorter of the two slices bounds the output.
func IQToComplex(i, q []int16) []complex128 {
	n := min(len(i), len(q))
	out := make([]complex128, n)
	for k := 0; k < n; k++ {
		out[k] = complex(float64(i[k])/sampleScale, float64(q[k])/sampleScale)
	}
	return out
}

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	shifted = append(shifted, data[:half]...)
	return shifted
}

// Spectrum applies a Hamming window, transforms, normalizes by the window
// sum and shifts DC to the centre. It returns the shifted bins and their
// level in dBFS.
func Spectrum(samples []complex128) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	win := Hamming(len(samples))
	fft := fourier.NewCmplxFFT(len(samples)).Coefficients(nil, ApplyWindow(samples, win))
	return normalize(fft, windowSum(win))
}

func normalize(fft []complex128, sumWin float64) ([]complex128, []float64) {
	for i := range fft {
		fft[i] /= complex(sumWin, 0)
	}
	shifted := FFTShift(fft)
	return shifted, toDBFS(shifted)
}

func toDBFS(bins []complex128) []float64 {
	dbfs := make([]float64, len(bins))
	for i, v := range bins {
		mag := cmplx.Abs(v)
		if mag == 0 {
			dbfs[i] = -math.Inf(1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag)
	}
	return dbfs
}

// BinFrequency returns the centre frequency of a shifted bin index.
func BinFrequency(bin, n int, sampleRate float64) float64 {
	return float64(bin-n/2) * sampleRate / float64(n)
}

// PeakFrequency returns the frequency and level of the strongest bin of a
// complex block. Negative frequencies are reported as such.
func PeakFrequency(samples []complex128, sampleRate float64) (hz float64, dbfs float64, ok bool) {
	_, db := Spectrum(samples)
	peak, bin, ok := peakInBand(db, 0, len(db))
	if !ok {
		return 0, 0, false
	}
	return BinFrequency(bin, len(db), sampleRate), peak, true
}

// RealPeakFrequency returns the frequency of the strongest positive bin of
// a real-valued sequence, such as raw oscillator output.
func RealPeakFrequency(samples []float64, sampleRate float64) (hz float64, ok bool) {
	n := len(samples)
	if n < 2 {
		return 0, false
	}
	win := Hamming(n)
	coeff := fourier.NewFFT(n).Coefficients(nil, ApplyRealWindow(samples, win))
	mags := make([]float64, len(coeff))
	for i, c := range coeff {
		mags[i] = cmplx.Abs(c)
	}
	_, bin, ok := peakInBand(mags, 0, len(mags))
	if !ok {
		return 0, false
	}
	return float64(bin) * sampleRate / float64(n), true
}

// binRange clamps [start,end) to [0,n).
// If the resulting interval is empty, it returns (0,0).
func binRange(n, start, end int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > n {
		end = n
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// peakInBand returns the maximum value of v in [start,end).
// ok is false if the band is empty.
func peakInBand(v []float64, start, end int) (peak float64, bin int, ok bool) {
	s, e := binRange(len(v), start, end)
	if s == e {
		return 0, 0, false
	}
	peak = math.Inf(-1)
	for i := s; i < e; i++ {
		if v[i] > peak {
			peak = v[i]
			bin = i
		}
	}
	if math.IsInf(peak, -1) {
		return 0, bin, false
	}
	return peak, bin, true
}
