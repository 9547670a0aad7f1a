package dsp

import (
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Analyzer keeps a Hamming window and FFT plan for a fixed block size so
// repeated spectrum measurements of downmixed blocks do not rebuild them.
type Analyzer struct {
	mu         sync.Mutex
	size       int
	sampleRate float64
	window     []float64
	windowSum  float64
	fft        *fourier.CmplxFFT
}

// NewAnalyzer builds an analyzer for blocks of size samples.
func NewAnalyzer(size int, sampleRate float64) *Analyzer {
	win := Hamming(size)
	return &Analyzer{
		size:       size,
		sampleRate: sampleRate,
		window:     win,
		windowSum:  windowSum(win),
		fft:        fourier.NewCmplxFFT(size),
	}
}

// Size returns the block size the analyzer was built for.
func (a *Analyzer) Size() int { return a.size }

// Spectrum behaves like the package level Spectrum, reusing cached
// resources when the block matches the analyzer size.
func (a *Analyzer) Spectrum(samples []complex128) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	if len(samples) != a.size {
		return Spectrum(samples)
	}
	windowed := ApplyWindow(samples, a.window)

	// The FFT plan keeps scratch space and is not safe for concurrent use.
	a.mu.Lock()
	fft := a.fft.Coefficients(nil, windowed)
	a.mu.Unlock()

	return normalize(fft, a.windowSum)
}

// Peak returns the strongest bin of a 16-bit I/Q block as a frequency in Hz
// and a level in dBFS.
func (a *Analyzer) Peak(i, q []int16) (hz float64, dbfs float64, ok bool) {
	_, db := a.Spectrum(IQToComplex(i, q))
	peak, bin, ok := peakInBand(db, 0, len(db))
	if !ok {
		return 0, 0, false
	}
	return BinFrequency(bin, len(db), a.sampleRate), peak, true
}
