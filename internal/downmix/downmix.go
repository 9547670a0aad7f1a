// Package downmix shifts client I/Q streams down in frequency. Every client
// owns a numerically controlled oscillator clocked by the sample rate; each
// incoming sample pair is multiplied by the next oscillator value and scaled
// back to 16 bits by a right shift that grows whenever the I channel clips.
package downmix

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/GoDownmix/internal/logging"
	"github.com/rjboer/GoDownmix/internal/nco"
	"github.com/rjboer/GoDownmix/internal/telemetry"
)

var (
	ErrNotInitialized     = errors.New("downmix: not initialized")
	ErrAlreadyInitialized = errors.New("downmix: already initialized")
	ErrClientOutOfRange   = errors.New("downmix: client out of range")
	ErrLengthMismatch     = errors.New("downmix: I and Q lengths differ")
	ErrInvalidConfig      = errors.New("downmix: invalid config")
)

// MaxShiftLimit is the largest output shift that still leaves a 16-bit
// result meaningful.
const MaxShiftLimit = 15

// Config fixes the mixer parameters at construction.
type Config struct {
	SampleRate      int
	TableBits       int
	Clients         int
	DefaultOffsetHz int
	// ReferenceHz is added to a client offset to form the front-end
	// frequency requested from the tuner.
	ReferenceHz  int64
	InitialShift uint32
	MaxShift     uint32
}

// DefaultConfig matches a 2.4 MS/s receiver serving 20 clients.
func DefaultConfig() Config {
	return Config{
		SampleRate:      2_400_000,
		TableBits:       nco.DefaultTableBits,
		Clients:         20,
		DefaultOffsetHz: 10_000,
		ReferenceHz:     739_525_000,
		InitialShift:    10,
		MaxShift:        MaxShiftLimit,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d must be positive", ErrInvalidConfig, c.SampleRate)
	case c.Clients <= 0:
		return fmt.Errorf("%w: client count %d must be positive", ErrInvalidConfig, c.Clients)
	case c.MaxShift > MaxShiftLimit:
		return fmt.Errorf("%w: max shift %d above %d", ErrInvalidConfig, c.MaxShift, MaxShiftLimit)
	case c.InitialShift > c.MaxShift:
		return fmt.Errorf("%w: initial shift %d above max shift %d", ErrInvalidConfig, c.InitialShift, c.MaxShift)
	}
	return nil
}

// Retuner accepts front-end frequency requests without blocking.
type Retuner interface {
	Request(hz int64)
}

// Option customizes a Downmixer.
type Option func(*Downmixer)

// WithTuner routes retune requests to r.
func WithTuner(r Retuner) Option {
	return func(d *Downmixer) { d.tuner = r }
}

// WithReporter sends diagnostic events to r.
func WithReporter(r telemetry.Reporter) Option {
	return func(d *Downmixer) { d.reporter = r }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Downmixer) { d.logger = l }
}

type state struct {
	table   *nco.Table
	clients map[int]*nco.Oscillator
}

// Downmixer owns the sine table, the per-client oscillators and the output
// shift. Process for a given client must be called from one goroutine at a
// time; different clients may run concurrently, and SetFrequency may be
// called from anywhere.
type Downmixer struct {
	cfg      Config
	initMu   sync.Mutex
	st       atomic.Pointer[state]
	shift    atomic.Uint32
	tuner    Retuner
	reporter telemetry.Reporter
	logger   logging.Logger
}

// New validates cfg and returns a Downmixer that still needs Init.
func New(cfg Config, opts ...Option) (*Downmixer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Downmixer{cfg: cfg}
	for _, opt := range opts {
		opt(d)
	}
	if d.reporter == nil {
		d.reporter = telemetry.Discard{}
	}
	d.logger = logging.Or(d.logger).With(logging.F("subsystem", "downmix"))
	d.shift.Store(cfg.InitialShift)
	return d, nil
}

// Init builds the sine table and tunes every client slot to the default
// offset with its phase at zero. It may only run once.
func (d *Downmixer) Init() error {
	d.initMu.Lock()
	defer d.initMu.Unlock()
	if d.st.Load() != nil {
		return ErrAlreadyInitialized
	}

	table, err := nco.NewTable(d.cfg.TableBits)
	if err != nil {
		return fmt.Errorf("build oscillator table: %w", err)
	}
	st := &state{table: table, clients: make(map[int]*nco.Oscillator, d.cfg.Clients)}
	for id := 0; id < d.cfg.Clients; id++ {
		osc := &nco.Oscillator{}
		st.clients[id] = osc
		d.tune(osc, d.cfg.DefaultOffsetHz, id)
	}
	d.st.Store(st)

	d.logger.Info("downmixer initialized",
		logging.F("sample_rate", d.cfg.SampleRate),
		logging.F("table_size", table.Len()),
		logging.F("clients", d.cfg.Clients),
		logging.F("shift", d.shift.Load()),
	)
	return nil
}

func (d *Downmixer) lookup(client int) (*state, *nco.Oscillator, error) {
	st := d.st.Load()
	if st == nil {
		return nil, nil, ErrNotInitialized
	}
	osc, ok := st.clients[client]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d not in [0, %d)", ErrClientOutOfRange, client, d.cfg.Clients)
	}
	return st, osc, nil
}

// SetFrequency retunes a client oscillator to offsetHz and asks the tuner
// to move the front end to offsetHz+ReferenceHz. The phase is preserved.
// Offsets outside +-SampleRate/2 are accepted and alias.
func (d *Downmixer) SetFrequency(offsetHz int, client int) error {
	_, osc, err := d.lookup(client)
	if err != nil {
		return err
	}
	d.tune(osc, offsetHz, client)
	return nil
}

func (d *Downmixer) tune(osc *nco.Oscillator, offsetHz int, client int) {
	w := nco.ControlWord(offsetHz, d.cfg.SampleRate)
	osc.SetControlWord(w)

	tunerHz := int64(offsetHz) + d.cfg.ReferenceHz
	if d.tuner != nil {
		d.tuner.Request(tunerHz)
	}

	// The default offset is only set at start up and is not worth reporting.
	if offsetHz == d.cfg.DefaultOffsetHz {
		return
	}
	d.logger.Info("set mixer frequency",
		logging.F("client", client),
		logging.F("offset_hz", offsetHz),
		logging.F("fcw", w),
	)
	d.reporter.Report(telemetry.Event{
		Time:        time.Now(),
		Kind:        telemetry.FrequencyChanged,
		Client:      client,
		OffsetHz:    offsetHz,
		ControlWord: w,
		TunerHz:     tunerHz,
	})
}

// NextSample advances the client oscillator by one sample and returns its
// amplitude. Process calls this itself; use it only for a client whose
// samples are not being mixed.
func (d *Downmixer) NextSample(client int) (int32, error) {
	st, osc, err := d.lookup(client)
	if err != nil {
		return 0, err
	}
	return osc.Next(st.table), nil
}

// Process mixes one I/Q pair for client and returns the shifted pair.
func (d *Downmixer) Process(i, q int16, client int) (int16, int16, error) {
	st, osc, err := d.lookup(client)
	if err != nil {
		return i, q, err
	}
	iOut, qOut := d.mix(st.table, osc, i, q, client)
	return iOut, qOut, nil
}

// ProcessBuffer mixes a block of samples in place, in order.
func (d *Downmixer) ProcessBuffer(client int, i, q []int16) error {
	if len(i) != len(q) {
		return fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(i), len(q))
	}
	st, osc, err := d.lookup(client)
	if err != nil {
		return err
	}
	for k := range i {
		i[k], q[k] = d.mix(st.table, osc, i[k], q[k], client)
	}
	return nil
}

func (d *Downmixer) mix(table *nco.Table, osc *nco.Oscillator, i, q int16, client int) (int16, int16) {
	lo := int64(osc.Next(table))
	ix := int64(i) * lo
	qx := int64(q) * lo

	sht := d.shift.Load()
	iShifted := ix >> sht
	// Only the I channel is checked; the new shift applies to both from
	// the next sample on.
	if iShifted > math.MaxInt16 {
		d.adapt(sht, client)
	}
	return int16(iShifted), int16(qx >> sht)
}

// adapt raises the shift from the value the clipping sample was scaled
// with. A concurrent raise from another client wins and this one is
// dropped, so one clip never moves the shift by more than one step.
func (d *Downmixer) adapt(from uint32, client int) {
	if from >= d.cfg.MaxShift {
		return
	}
	if !d.shift.CompareAndSwap(from, from+1) {
		return
	}
	d.logger.Warn("output level shift adapted", logging.F("shift", from+1), logging.F("client", client))
	d.reporter.Report(telemetry.Event{
		Time:   time.Now(),
		Kind:   telemetry.ShiftAdapted,
		Client: client,
		Shift:  from + 1,
	})
}

// Shift returns the current output right shift.
func (d *Downmixer) Shift() uint32 { return d.shift.Load() }

// SampleRate returns the configured sample rate.
func (d *Downmixer) SampleRate() int { return d.cfg.SampleRate }

// Clients returns the number of client slots.
func (d *Downmixer) Clients() int { return d.cfg.Clients }

// Config returns the configuration the Downmixer was built with.
func (d *Downmixer) Config() Config { return d.cfg }

// ControlWord returns the current control word of client.
func (d *Downmixer) ControlWord(client int) (uint32, error) {
	_, osc, err := d.lookup(client)
	if err != nil {
		return 0, err
	}
	return osc.ControlWord(), nil
}
