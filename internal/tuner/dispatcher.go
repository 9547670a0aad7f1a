package tuner

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/rjboer/GoDownmix/internal/logging"
)

// Dispatcher delivers retune requests to a Tuner from its own goroutine.
// Requests never block: a request still waiting for delivery is replaced by
// a newer one, so the tuner always ends up at the latest frequency.
type Dispatcher struct {
	tuner   Tuner
	limiter *rate.Limiter
	pending chan int64
	logger  logging.Logger

	requested atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	last      atomic.Int64
}

// NewDispatcher wraps t. Deliveries are spaced at least minInterval apart;
// zero disables pacing.
func NewDispatcher(t Tuner, minInterval time.Duration, logger logging.Logger) *Dispatcher {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Dispatcher{
		tuner:   t,
		limiter: rate.NewLimiter(limit, 1),
		pending: make(chan int64, 1),
		logger:  logging.Or(logger).With(logging.F("subsystem", "tuner")),
	}
}

// Request queues hz for delivery and returns immediately.
func (d *Dispatcher) Request(hz int64) {
	d.requested.Add(1)
	for {
		select {
		case d.pending <- hz:
			return
		default:
		}
		// Drop the stale request and retry.
		select {
		case <-d.pending:
		default:
		}
	}
}

// Run delivers queued requests until ctx is done. Consecutive requests for
// the frequency already delivered are skipped.
func (d *Dispatcher) Run(ctx context.Context) error {
	delivered := false
	for {
		var hz int64
		select {
		case <-ctx.Done():
			return ctx.Err()
		case hz = <-d.pending:
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}
		select {
		case newer := <-d.pending:
			hz = newer
		default:
		}

		if delivered && hz == d.last.Load() {
			continue
		}
		if err := d.tuner.SetFrequency(ctx, hz); err != nil {
			d.failed.Add(1)
			d.logger.Warn("retune failed", logging.F("hz", hz), logging.F("error", err))
			continue
		}
		delivered = true
		d.last.Store(hz)
		d.delivered.Add(1)
		d.logger.Debug("front end retuned", logging.F("hz", hz))
	}
}

// Stats reports request counters.
type Stats struct {
	Requested uint64 `json:"requested"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	LastHz    int64  `json:"lastHz"`
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Requested: d.requested.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		LastHz:    d.last.Load(),
	}
}

// Close closes the underlying tuner.
func (d *Dispatcher) Close() error { return d.tuner.Close() }
