package telemetry

import "time"

// Kind names a diagnostic event.
type Kind string

const (
	// FrequencyChanged is reported when a client oscillator is retuned away
	// from the default offset.
	FrequencyChanged Kind = "frequency_changed"
	// ShiftAdapted is reported when the mixer output shift grows after a
	// clip was observed.
	ShiftAdapted Kind = "shift_adapted"
	// SpectrumPeak carries the strongest bin of a downmixed block.
	SpectrumPeak Kind = "spectrum_peak"
)

// Event is a single diagnostic record. Fields that do not apply to the
// kind are left zero.
type Event struct {
	Time        time.Time `json:"time"`
	Kind        Kind      `json:"kind"`
	Client      int       `json:"client"`
	OffsetHz    int       `json:"offsetHz,omitempty"`
	ControlWord uint32    `json:"controlWord,omitempty"`
	TunerHz     int64     `json:"tunerHz,omitempty"`
	Shift       uint32    `json:"shift,omitempty"`
	PeakHz      float64   `json:"peakHz,omitempty"`
	PeakDBFS    float64   `json:"peakDbfs,omitempty"`
}

// Reporter receives diagnostic events. Implementations must not block the
// caller for long: events are reported from the sample path.
type Reporter interface {
	Report(ev Event)
}

// MultiReporter fans out events to multiple destinations.
type MultiReporter []Reporter

// Report forwards the event to each configured reporter.
func (m MultiReporter) Report(ev Event) {
	for _, r := range m {
		if r != nil {
			r.Report(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Report(Event) {}
