// Package app runs the sample loop: blocks from a source are copied to every
// active client, downmixed with that client's oscillator, and measured.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rjboer/GoDownmix/internal/downmix"
	"github.com/rjboer/GoDownmix/internal/dsp"
	"github.com/rjboer/GoDownmix/internal/logging"
	"github.com/rjboer/GoDownmix/internal/source"
	"github.com/rjboer/GoDownmix/internal/telemetry"
)

// Config captures runner level configuration.
type Config struct {
	// Offsets holds the offset in Hz for each active client; the slice
	// index is the client id.
	Offsets []int
	// AnalyzeEvery reports a spectrum peak every n blocks per client.
	AnalyzeEvery int
	// Realtime paces reads to the sample rate instead of running flat out.
	Realtime bool
}

// Runner owns the outer streaming loop.
type Runner struct {
	mixer    *downmix.Downmixer
	src      source.Source
	reporter telemetry.Reporter
	logger   logging.Logger
	cfg      Config
	analyzer *dsp.Analyzer
	blocks   int
}

// NewRunner wires a runner. reporter may be nil.
func NewRunner(mixer *downmix.Downmixer, src source.Source, reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Runner {
	if reporter == nil {
		reporter = telemetry.Discard{}
	}
	if cfg.AnalyzeEvery == 0 {
		cfg.AnalyzeEvery = 1
	}
	return &Runner{
		mixer:    mixer,
		src:      src,
		reporter: reporter,
		logger:   logging.Or(logger).With(logging.F("subsystem", "runner")),
		cfg:      cfg,
	}
}

// Init initializes the mixer and tunes the active clients.
func (r *Runner) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(r.cfg.Offsets) == 0 {
		return errors.New("no active clients configured")
	}
	if len(r.cfg.Offsets) > r.mixer.Clients() {
		return fmt.Errorf("%d active clients exceed %d mixer slots", len(r.cfg.Offsets), r.mixer.Clients())
	}
	if err := r.mixer.Init(); err != nil {
		return fmt.Errorf("init mixer: %w", err)
	}
	for id, offset := range r.cfg.Offsets {
		if err := r.mixer.SetFrequency(offset, id); err != nil {
			return fmt.Errorf("tune client %d: %w", id, err)
		}
	}
	return nil
}

// Run processes blocks until ctx is done or a bounded source runs out.
// Blocks are handed to the clients in order; each client runs in its own
// goroutine but never sees block n+1 before finishing block n.
func (r *Runner) Run(ctx context.Context) error {
	var tick <-chan time.Time
	for {
		i, q, err := r.src.Read(ctx)
		if errors.Is(err, source.ErrExhausted) {
			r.logger.Info("source exhausted", logging.F("blocks", r.blocks))
			return nil
		}
		if err != nil {
			return fmt.Errorf("read samples: %w", err)
		}
		if len(i) == 0 {
			r.logger.Warn("received empty block")
			continue
		}
		if r.analyzer == nil || r.analyzer.Size() != len(i) {
			r.analyzer = dsp.NewAnalyzer(len(i), float64(r.mixer.SampleRate()))
		}
		if r.cfg.Realtime && tick == nil {
			period := time.Duration(float64(len(i)) / float64(r.mixer.SampleRate()) * float64(time.Second))
			ticker := time.NewTicker(period)
			defer ticker.Stop()
			tick = ticker.C
		}

		start := time.Now()
		if err := r.processBlock(i, q); err != nil {
			return err
		}
		r.blocks++
		r.logger.Debug("block complete",
			logging.F("block", r.blocks),
			logging.F("elapsed_ms", time.Since(start).Seconds()*1000),
			logging.F("shift", r.mixer.Shift()),
		)

		if tick != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick:
			}
		}
	}
}

// Blocks returns the number of blocks processed so far.
func (r *Runner) Blocks() int { return r.blocks }

func (r *Runner) processBlock(i, q []int16) error {
	analyze := r.blocks%r.cfg.AnalyzeEvery == 0
	var g errgroup.Group
	for id := range r.cfg.Offsets {
		id := id
		ci := append([]int16(nil), i...)
		cq := append([]int16(nil), q...)
		g.Go(func() error {
			if err := r.mixer.ProcessBuffer(id, ci, cq); err != nil {
				return fmt.Errorf("client %d: %w", id, err)
			}
			if !analyze {
				return nil
			}
			if hz, db, ok := r.analyzer.Peak(ci, cq); ok {
				r.reporter.Report(telemetry.Event{
					Time:     time.Now(),
					Kind:     telemetry.SpectrumPeak,
					Client:   id,
					PeakHz:   hz,
					PeakDBFS: db,
				})
			}
			return nil
		})
	}
	return g.Wait()
}
