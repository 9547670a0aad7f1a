package tuner

import (
	"context"

	"github.com/rjboer/GoDownmix/internal/logging"
)

// LogOnly is used when no front end is attached: requests are logged and
// otherwise ignored.
type LogOnly struct {
	logger logging.Logger
}

// NewLogOnly returns a LogOnly tuner writing to logger.
func NewLogOnly(logger logging.Logger) LogOnly {
	return LogOnly{logger: logging.Or(logger)}
}

// SetFrequency logs hz and always succeeds.
func (l LogOnly) SetFrequency(_ context.Context, hz int64) error {
	l.logger.Info("front end retune requested (no tuner attached)", logging.F("hz", hz))
	return nil
}

// Close is a no-op.
func (LogOnly) Close() error { return nil }
