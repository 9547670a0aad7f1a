// Package source produces blocks of 16-bit I/Q samples for the downmixer.
package source

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
)

// ErrExhausted is returned once a bounded source has produced all blocks.
var ErrExhausted = errors.New("source: no more blocks")

// Source yields consecutive I/Q blocks. Successive blocks are continuous
// in time.
type Source interface {
	Read(ctx context.Context) (i, q []int16, err error)
	Close() error
}

// Config describes the synthetic test signal.
type Config struct {
	SampleRate float64
	// ToneHz lists complex tones relative to the front-end centre.
	ToneHz []float64
	// Amplitude is the combined peak level as a fraction of full scale.
	Amplitude float64
	// Noise is the standard deviation of added noise, fraction of full scale.
	Noise     float64
	BlockSize int
	// Blocks bounds the number of blocks; zero means unbounded.
	Blocks int
	Seed   int64
}

// Tone synthesizes a sum of complex tones with optional Gaussian noise.
type Tone struct {
	mu     sync.Mutex
	cfg    Config
	sample int64
	blocks int
	rng    *rand.Rand
}

// NewTone applies defaults and returns a tone source.
func NewTone(cfg Config) *Tone {
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 4096
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 2.4e6
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 0.5
	}
	return &Tone{cfg: cfg, rng: rand.New(rand.NewSource(cfg.Seed))}
}

func (t *Tone) Close() error { return nil }

// Config returns the effective configuration.
func (t *Tone) Config() Config { return t.cfg }

func (t *Tone) Read(ctx context.Context) ([]int16, []int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.Blocks > 0 && t.blocks >= t.cfg.Blocks {
		return nil, nil, ErrExhausted
	}
	t.blocks++

	n := t.cfg.BlockSize
	i := make([]int16, n)
	q := make([]int16, n)
	per := 0.0
	if len(t.cfg.ToneHz) > 0 {
		per = t.cfg.Amplitude / float64(len(t.cfg.ToneHz))
	}
	for k := 0; k < n; k++ {
		idx := float64(t.sample + int64(k))
		var re, im float64
		for _, f := range t.cfg.ToneHz {
			phase := 2 * math.Pi * f * idx / t.cfg.SampleRate
			re += per * math.Cos(phase)
			im += per * math.Sin(phase)
		}
		if t.cfg.Noise > 0 {
			re += t.rng.NormFloat64() * t.cfg.Noise
			im += t.rng.NormFloat64() * t.cfg.Noise
		}
		i[k] = toSample(re)
		q[k] = toSample(im)
	}
	t.sample += int64(n)
	return i, q, nil
}

func toSample(v float64) int16 {
	s := math.Round(v * 32767)
	switch {
	case s > math.MaxInt16:
		return math.MaxInt16
	case s < math.MinInt16:
		return math.MinInt16
	}
	return int16(s)
}
