// Package tuner drives the physical receiver front end. The downmixer asks
// for a new front-end frequency whenever a client retunes; delivery happens
// asynchronously through a Dispatcher so the sample path never waits on a
// serial line or SSH session.
package tuner

import (
	"context"
	"errors"
)

// ErrClosed is returned by backends used after Close.
var ErrClosed = errors.New("tuner: closed")

// ErrFrequencyRange is returned when a backend cannot represent a frequency.
var ErrFrequencyRange = errors.New("tuner: frequency out of range")

// Tuner sets the receiver front-end frequency.
type Tuner interface {
	SetFrequency(ctx context.Context, hz int64) error
	Close() error
}
