package downmix

import (
	"sort"

	"github.com/rjboer/GoDownmix/internal/nco"
)

// ClientState describes one client oscillator.
type ClientState struct {
	ID          int     `json:"id"`
	ControlWord uint32  `json:"controlWord"`
	OffsetHz    float64 `json:"offsetHz"`
	Phase       uint32  `json:"phase"`
}

// State is a point-in-time view of the mixer, suitable for diagnostics.
type State struct {
	Initialized bool          `json:"initialized"`
	SampleRate  int           `json:"sampleRate"`
	TableSize   int           `json:"tableSize"`
	Shift       uint32        `json:"shift"`
	MaxShift    uint32        `json:"maxShift"`
	Clients     []ClientState `json:"clients"`
}

// Snapshot returns the current State. Phases are read without stopping the
// streams and may be a sample behind.
func (d *Downmixer) Snapshot() State {
	s := State{
		SampleRate: d.cfg.SampleRate,
		Shift:      d.shift.Load(),
		MaxShift:   d.cfg.MaxShift,
	}
	st := d.st.Load()
	if st == nil {
		return s
	}
	s.Initialized = true
	s.TableSize = st.table.Len()
	s.Clients = make([]ClientState, 0, len(st.clients))
	for id, osc := range st.clients {
		w := osc.ControlWord()
		s.Clients = append(s.Clients, ClientState{
			ID:          id,
			ControlWord: w,
			OffsetHz:    nco.Frequency(w, d.cfg.SampleRate),
			Phase:       osc.Phase(),
		})
	}
	sort.Slice(s.Clients, func(i, j int) bool { return s.Clients[i].ID < s.Clients[j].ID })
	return s
}
