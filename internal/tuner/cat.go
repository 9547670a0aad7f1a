package tuner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pkg/term"
)

// Dialect selects the CAT command set spoken by the rig.
type Dialect string

const (
	// DialectIcom is Icom CI-V: binary frames with BCD frequencies.
	DialectIcom Dialect = "icom"
	// DialectKenwood is the Kenwood/Elecraft ASCII set (FA command).
	DialectKenwood Dialect = "kenwood"
)

const (
	civPreamble   = 0xfe
	civController = 0xe0
	civSetFreq    = 0x05
	civEnd        = 0xfd
	// DefaultCIVAddress is the factory address of the IC-9700.
	DefaultCIVAddress = 0xa2

	maxIcomHz    = 9_999_999_999
	maxKenwoodHz = 99_999_999_999
)

// ParseDialect converts a config string to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case DialectIcom, "civ", "ci-v":
		return DialectIcom, nil
	case DialectKenwood, "elecraft":
		return DialectKenwood, nil
	default:
		return "", fmt.Errorf("unsupported CAT dialect %q", s)
	}
}

// EncodeIcom builds a CI-V "set frequency" frame for the rig at addr. The
// frequency is ten BCD digits, least significant byte first.
func EncodeIcom(addr byte, hz int64) ([]byte, error) {
	if hz < 0 || hz > maxIcomHz {
		return nil, fmt.Errorf("%w: %d Hz for CI-V", ErrFrequencyRange, hz)
	}
	frame := []byte{civPreamble, civPreamble, addr, civController, civSetFreq}
	for i := 0; i < 5; i++ {
		lo := byte(hz % 10)
		hz /= 10
		hi := byte(hz % 10)
		hz /= 10
		frame = append(frame, hi<<4|lo)
	}
	return append(frame, civEnd), nil
}

// EncodeKenwood builds the FA (VFO A frequency) command.
func EncodeKenwood(hz int64) ([]byte, error) {
	if hz < 0 || hz > maxKenwoodHz {
		return nil, fmt.Errorf("%w: %d Hz for Kenwood CAT", ErrFrequencyRange, hz)
	}
	return []byte(fmt.Sprintf("FA%011d;", hz)), nil
}

// CAT sends frequency commands to a rig over a serial line.
type CAT struct {
	mu      sync.Mutex
	port    io.WriteCloser
	dialect Dialect
	addr    byte
}

// NewCAT wraps an already open port.
func NewCAT(port io.WriteCloser, dialect Dialect, civAddr byte) *CAT {
	return &CAT{port: port, dialect: dialect, addr: civAddr}
}

// OpenCAT opens a serial device in raw mode at the given speed. A zero baud
// leaves the line speed alone.
func OpenCAT(device string, baud int, dialect Dialect, civAddr byte) (*CAT, error) {
	opts := []func(*term.Term) error{term.RawMode}
	if baud > 0 {
		opts = append(opts, term.Speed(baud))
	}
	port, err := term.Open(device, opts...)
	if err != nil {
		return nil, fmt.Errorf("open CAT port %s: %w", device, err)
	}
	return NewCAT(port, dialect, civAddr), nil
}

// Encode renders the command for hz in the configured dialect.
func (c *CAT) Encode(hz int64) ([]byte, error) {
	switch c.dialect {
	case DialectIcom:
		return EncodeIcom(c.addr, hz)
	case DialectKenwood:
		return EncodeKenwood(hz)
	default:
		return nil, fmt.Errorf("unsupported CAT dialect %q", c.dialect)
	}
}

// SetFrequency writes one frequency command. The rig's reply, if any, is
// not read.
func (c *CAT) SetFrequency(_ context.Context, hz int64) error {
	cmd, err := c.Encode(hz)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return ErrClosed
	}
	n, err := c.port.Write(cmd)
	if err != nil {
		return fmt.Errorf("write CAT command: %w", err)
	}
	if n != len(cmd) {
		return fmt.Errorf("write CAT command: short write %d of %d bytes", n, len(cmd))
	}
	return nil
}

// Close closes the serial port. Later calls are no-ops.
func (c *CAT) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}
