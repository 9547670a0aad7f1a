package telemetry

import (
	"github.com/dustin/go-humanize"

	"github.com/rjboer/GoDownmix/internal/logging"
)

// StdoutReporter writes events through the structured logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	return StdoutReporter{logger: logging.Or(logger)}
}

func (r StdoutReporter) Report(ev Event) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "client", Value: ev.Client},
	}
	switch ev.Kind {
	case FrequencyChanged:
		fields = append(fields,
			logging.F("offset", humanize.SIWithDigits(float64(ev.OffsetHz), 3, "Hz")),
			logging.F("fcw", ev.ControlWord),
			logging.F("tuner", humanize.SIWithDigits(float64(ev.TunerHz), 6, "Hz")),
		)
		r.logger.Info("mixer frequency set", fields...)
	case ShiftAdapted:
		fields = append(fields, logging.F("shift", ev.Shift))
		r.logger.Warn("output shift adapted", fields...)
	case SpectrumPeak:
		fields = append(fields,
			logging.F("peak", humanize.SIWithDigits(ev.PeakHz, 2, "Hz")),
			logging.F("peak_dbfs", ev.PeakDBFS),
		)
		r.logger.Debug("spectrum peak", fields...)
	default:
		fields = append(fields, logging.F("kind", ev.Kind))
		r.logger.Info("telemetry event", fields...)
	}
}
