package downmix

import (
	"io"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/rjboer/GoDownmix/internal/logging"
	"github.com/rjboer/GoDownmix/internal/telemetry"
)

type recordingReporter struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingReporter) Report(ev telemetry.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingReporter) kinds(kind telemetry.Kind) []telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []telemetry.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type recordingRetuner struct {
	mu       sync.Mutex
	requests []int64
}

func (r *recordingRetuner) Request(hz int64) {
	r.mu.Lock()
	r.requests = append(r.requests, hz)
	r.mu.Unlock()
}

func newTestMixer(t testing.TB, cfg Config) (*Downmixer, *recordingReporter, *recordingRetuner) {
	t.Helper()
	rep := &recordingReporter{}
	tun := &recordingRetuner{}
	d, err := New(cfg,
		WithReporter(rep),
		WithTuner(tun),
		WithLogger(logging.New(logging.Debug, logging.Text, io.Discard)),
	)
	require.NoError(t, err)
	require.NoError(t, d.Init())
	return d, rep, tun
}

func TestRejectsBeforeInit(t *testing.T) {
	d, err := New(DefaultConfig())
	require.NoError(t, err)

	i, q, err := d.Process(100, 200, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, int16(100), i)
	assert.Equal(t, int16(200), q)

	assert.ErrorIs(t, d.SetFrequency(1000, 0), ErrNotInitialized)
	assert.ErrorIs(t, d.ProcessBuffer(0, []int16{1}, []int16{1}), ErrNotInitialized)
	_, err = d.NextSample(0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	_, err = d.ControlWord(0)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.False(t, d.Snapshot().Initialized)
}

func TestInitOnlyOnce(t *testing.T) {
	d, _, _ := newTestMixer(t, DefaultConfig())
	assert.ErrorIs(t, d.Init(), ErrAlreadyInitialized)
}

func TestClientOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = 4
	d, _, _ := newTestMixer(t, cfg)

	for _, id := range []int{-1, 4, 100} {
		_, _, err := d.Process(1, 1, id)
		assert.ErrorIs(t, err, ErrClientOutOfRange, "process client %d", id)
		assert.ErrorIs(t, d.SetFrequency(1000, id), ErrClientOutOfRange, "set client %d", id)
	}
	_, _, err := d.Process(1, 1, 3)
	assert.NoError(t, err)
}

func TestNewValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"no clients", func(c *Config) { c.Clients = 0 }},
		{"max shift too large", func(c *Config) { c.MaxShift = 16 }},
		{"initial above max", func(c *Config) { c.InitialShift = 14; c.MaxShift = 12 }},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		_, err := New(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig, tt.name)
	}
}

func TestInitRejectsTableBits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TableBits = 30
	d, err := New(cfg)
	require.NoError(t, err)
	assert.Error(t, d.Init())
	assert.ErrorIs(t, d.SetFrequency(0, 0), ErrNotInitialized)
}

func TestInitTunesDefaultOffset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = 3
	d, rep, tun := newTestMixer(t, cfg)

	want := uint32(math.Round(10_000 * (1 << 32) / 2_400_000.0))
	for id := 0; id < 3; id++ {
		w, err := d.ControlWord(id)
		require.NoError(t, err)
		assert.Equal(t, want, w)
	}
	assert.Equal(t, []int64{739_535_000, 739_535_000, 739_535_000}, tun.requests)
	assert.Empty(t, rep.kinds(telemetry.FrequencyChanged), "default offset is not reported")

	snap := d.Snapshot()
	require.Len(t, snap.Clients, 3)
	assert.Equal(t, 65536, snap.TableSize)
	for _, c := range snap.Clients {
		assert.Equal(t, uint32(0), c.Phase)
		assert.InDelta(t, 10_000, c.OffsetHz, 0.01)
	}
}

func TestSetFrequencyExample(t *testing.T) {
	d, rep, tun := newTestMixer(t, DefaultConfig())
	require.NoError(t, d.SetFrequency(558_794, 0))

	w, err := d.ControlWord(0)
	require.NoError(t, err)
	assert.InDelta(t, 1_000_000_000, float64(w), 1000)

	events := rep.kinds(telemetry.FrequencyChanged)
	require.Len(t, events, 1)
	assert.Equal(t, 558_794, events[0].OffsetHz)
	assert.Equal(t, w, events[0].ControlWord)
	assert.Equal(t, int64(558_794+739_525_000), events[0].TunerHz)
	assert.Equal(t, int64(558_794+739_525_000), tun.requests[len(tun.requests)-1])
}

func TestSetFrequencyKeepsPhase(t *testing.T) {
	d, _, _ := newTestMixer(t, DefaultConfig())
	for k := 0; k < 5; k++ {
		_, err := d.NextSample(1)
		require.NoError(t, err)
	}
	before := d.Snapshot().Clients[1].Phase
	require.NoError(t, d.SetFrequency(-120_000, 1))
	assert.Equal(t, before, d.Snapshot().Clients[1].Phase)
	assert.InDelta(t, -120_000, d.Snapshot().Clients[1].OffsetHz, 0.01)
}

func TestClientsAreIndependent(t *testing.T) {
	d, _, _ := newTestMixer(t, DefaultConfig())
	require.NoError(t, d.SetFrequency(300_000, 0))
	for k := 0; k < 10; k++ {
		_, _, err := d.Process(1000, 1000, 0)
		require.NoError(t, err)
	}
	snap := d.Snapshot()
	assert.NotZero(t, snap.Clients[0].Phase)
	assert.Zero(t, snap.Clients[1].Phase)
}

func TestZeroLOGivesZeroOutput(t *testing.T) {
	d, _, _ := newTestMixer(t, DefaultConfig())
	require.NoError(t, d.SetFrequency(0, 2))
	for k := 0; k < 3; k++ {
		i, q, err := d.Process(32767, -32768, 2)
		require.NoError(t, err)
		assert.Zero(t, i)
		assert.Zero(t, q)
	}
	assert.Equal(t, uint32(10), d.Shift())
}

func TestSequentialSamplesDiffer(t *testing.T) {
	d, _, _ := newTestMixer(t, DefaultConfig())
	require.NoError(t, d.SetFrequency(100_000, 0))

	i1, q1, err := d.Process(1000, 0, 0)
	require.NoError(t, err)
	i2, q2, err := d.Process(1000, 0, 0)
	require.NoError(t, err)

	assert.NotEqual(t, i1, i2)
	assert.Zero(t, q1)
	assert.Zero(t, q2)
	assert.Equal(t, uint32(10), d.Shift())
}

func TestClipRaisesShiftByOne(t *testing.T) {
	d, rep, _ := newTestMixer(t, DefaultConfig())
	// Fs/4 puts the first sample at the positive peak.
	require.NoError(t, d.SetFrequency(600_000, 0))

	i, q, err := d.Process(32767, 0, 0)
	require.NoError(t, err)
	// Scaled with the old shift and narrowed: 32767*32768>>10 = 1048544.
	assert.Equal(t, int16(-32), i)
	assert.Zero(t, q)
	assert.Equal(t, uint32(11), d.Shift())

	events := rep.kinds(telemetry.ShiftAdapted)
	require.Len(t, events, 1)
	assert.Equal(t, uint32(11), events[0].Shift)
	assert.Equal(t, 0, events[0].Client)
}

func TestOnlyIChannelTriggersAdaptation(t *testing.T) {
	d, rep, _ := newTestMixer(t, DefaultConfig())
	require.NoError(t, d.SetFrequency(600_000, 0))

	_, _, err := d.Process(0, 32767, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), d.Shift())
	assert.Empty(t, rep.kinds(telemetry.ShiftAdapted))
}

func TestShiftStopsAtMax(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialShift = 13
	cfg.MaxShift = 14
	d, rep, _ := newTestMixer(t, cfg)
	require.NoError(t, d.SetFrequency(600_000, 0))

	for k := 0; k < 400; k++ {
		_, _, err := d.Process(32767, 32767, 0)
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(14), d.Shift())
	assert.Len(t, rep.kinds(telemetry.ShiftAdapted), 1)
}

func TestProcessBufferMatchesProcess(t *testing.T) {
	a, _, _ := newTestMixer(t, DefaultConfig())
	b, _, _ := newTestMixer(t, DefaultConfig())
	require.NoError(t, a.SetFrequency(-73_000, 5))
	require.NoError(t, b.SetFrequency(-73_000, 5))

	const n = 512
	bi := make([]int16, n)
	bq := make([]int16, n)
	for k := range bi {
		bi[k] = int16(8000 * math.Cos(float64(k)/7))
		bq[k] = int16(8000 * math.Sin(float64(k)/7))
	}
	wantI := make([]int16, n)
	wantQ := make([]int16, n)
	for k := range bi {
		var err error
		wantI[k], wantQ[k], err = a.Process(bi[k], bq[k], 5)
		require.NoError(t, err)
	}

	require.NoError(t, b.ProcessBuffer(5, bi, bq))
	assert.Equal(t, wantI, bi)
	assert.Equal(t, wantQ, bq)
	assert.Equal(t, a.Snapshot().Clients[5].Phase, b.Snapshot().Clients[5].Phase)
}

func TestProcessBufferLengthMismatch(t *testing.T) {
	d, _, _ := newTestMixer(t, DefaultConfig())
	err := d.ProcessBuffer(0, make([]int16, 4), make([]int16, 3))
	assert.ErrorIs(t, err, ErrLengthMismatch)
	assert.Zero(t, d.Snapshot().Clients[0].Phase)
}

func TestShiftNeverDecreases(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cfg := DefaultConfig()
		cfg.Clients = 3
		cfg.InitialShift = uint32(rapid.IntRange(0, 15).Draw(t, "initial"))
		cfg.MaxShift = uint32(rapid.IntRange(int(cfg.InitialShift), 15).Draw(t, "max"))
		d, err := New(cfg, WithLogger(logging.New(logging.Error, logging.Text, io.Discard)))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		if err := d.Init(); err != nil {
			t.Fatalf("init: %v", err)
		}

		prev := d.Shift()
		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for s := 0; s < steps; s++ {
			client := rapid.IntRange(0, 2).Draw(t, "client")
			if rapid.IntRange(0, 9).Draw(t, "retune") == 0 {
				offset := rapid.IntRange(-1_200_000, 1_200_000).Draw(t, "offset")
				if err := d.SetFrequency(offset, client); err != nil {
					t.Fatalf("set frequency: %v", err)
				}
			}
			i := int16(rapid.IntRange(math.MinInt16, math.MaxInt16).Draw(t, "i"))
			q := int16(rapid.IntRange(math.MinInt16, math.MaxInt16).Draw(t, "q"))
			if _, _, err := d.Process(i, q, client); err != nil {
				t.Fatalf("process: %v", err)
			}
			cur := d.Shift()
			if cur < prev {
				t.Fatalf("shift decreased from %d to %d", prev, cur)
			}
			if cur > prev+1 {
				t.Fatalf("shift jumped from %d to %d in one sample", prev, cur)
			}
			if cur > cfg.MaxShift {
				t.Fatalf("shift %d above max %d", cur, cfg.MaxShift)
			}
			prev = cur
		}
	})
}

func TestConcurrentClientsShareShift(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Clients = 8
	d, rep, _ := newTestMixer(t, cfg)
	for id := 0; id < cfg.Clients; id++ {
		require.NoError(t, d.SetFrequency(600_000, id))
	}

	var wg sync.WaitGroup
	for id := 0; id < cfg.Clients; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			i := make([]int16, 4096)
			q := make([]int16, 4096)
			for k := range i {
				i[k] = math.MaxInt16
			}
			if err := d.ProcessBuffer(id, i, q); err != nil {
				t.Errorf("client %d: %v", id, err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, uint32(MaxShiftLimit), d.Shift())
	events := rep.kinds(telemetry.ShiftAdapted)
	require.Len(t, events, MaxShiftLimit-10)
	seen := map[uint32]bool{}
	for _, ev := range events {
		seen[ev.Shift] = true
	}
	for s := uint32(11); s <= MaxShiftLimit; s++ {
		assert.True(t, seen[s], "no event for shift %d", s)
	}
}
