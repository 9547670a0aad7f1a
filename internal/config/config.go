// Package config loads the downmixer settings. Values come from a YAML file
// that is created with defaults on first run, then DOWNMIX_* environment
// variables, then command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rjboer/GoDownmix/internal/downmix"
	"github.com/rjboer/GoDownmix/internal/logging"
	"github.com/rjboer/GoDownmix/internal/nco"
	"github.com/rjboer/GoDownmix/internal/source"
	"github.com/rjboer/GoDownmix/internal/tuner"
)

// DefaultPath is used when DOWNMIX_CONFIG is unset.
const DefaultPath = "downmix.yaml"

// Tuner backends.
const (
	BackendNone  = "none"
	BackendCAT   = "cat"
	BackendPluto = "pluto"
)

type Config struct {
	SampleRate      int    `yaml:"sample_rate"`
	TableBits       int    `yaml:"table_bits"`
	Clients         int    `yaml:"clients"`
	DefaultOffsetHz int    `yaml:"default_offset_hz"`
	ReferenceHz     int64  `yaml:"reference_hz"`
	InitialShift    uint32 `yaml:"initial_shift"`
	MaxShift        uint32 `yaml:"max_shift"`
	// Offsets lists the demo clients to run, one offset in Hz per client.
	Offsets []int `yaml:"offsets"`

	Tuner  TunerConfig  `yaml:"tuner"`
	Source SourceConfig `yaml:"source"`
	Log    LogConfig    `yaml:"log"`
	Web    WebConfig    `yaml:"web"`
}

type TunerConfig struct {
	Backend     string        `yaml:"backend"`
	MinInterval time.Duration `yaml:"min_interval"`

	Device     string `yaml:"device"`
	Baud       int    `yaml:"baud"`
	Dialect    string `yaml:"dialect"`
	CIVAddress int    `yaml:"civ_address"`

	PlutoHost     string `yaml:"pluto_host"`
	PlutoUser     string `yaml:"pluto_user"`
	// PlutoPassword is never written to the config file; pass it with
	// DOWNMIX_PLUTO_PASSWORD or --pluto-password.
	PlutoPassword string `yaml:"-"`
	PlutoKey      string `yaml:"pluto_key"`
	PlutoDevice   string `yaml:"pluto_device"`
}

type SourceConfig struct {
	ToneHz    []float64 `yaml:"tone_hz"`
	Amplitude float64   `yaml:"amplitude"`
	Noise     float64   `yaml:"noise"`
	BlockSize int       `yaml:"block_size"`
	Blocks    int       `yaml:"blocks"`
	Realtime  bool      `yaml:"realtime"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type WebConfig struct {
	Addr         string `yaml:"addr"`
	HistoryLimit int    `yaml:"history_limit"`
}

// Default returns the settings written to a fresh config file.
func Default() Config {
	dm := downmix.DefaultConfig()
	return Config{
		SampleRate:      dm.SampleRate,
		TableBits:       dm.TableBits,
		Clients:         dm.Clients,
		DefaultOffsetHz: dm.DefaultOffsetHz,
		ReferenceHz:     dm.ReferenceHz,
		InitialShift:    dm.InitialShift,
		MaxShift:        dm.MaxShift,
		Offsets:         []int{100_000, -250_000},
		Tuner: TunerConfig{
			Backend:     BackendNone,
			MinInterval: 100 * time.Millisecond,
			Baud:        19200,
			Dialect:     string(tuner.DialectIcom),
			CIVAddress:  tuner.DefaultCIVAddress,
			PlutoUser:   "root",
			PlutoDevice: "iio:device1",
		},
		Source: SourceConfig{
			ToneHz:    []float64{150_000, -200_000},
			Amplitude: 0.5,
			BlockSize: 4096,
			Realtime:  true,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Web: WebConfig{Addr: ":8080", HistoryLimit: 500},
	}
}

// PathFromEnv returns the config file location.
func PathFromEnv(lookup func(string) (string, bool)) string {
	return envString(lookup, "DOWNMIX_CONFIG", DefaultPath)
}

// Load reads path over the defaults so missing keys keep their default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing the defaults there first if it does not
// exist.
func LoadOrCreate(path string) (Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg = Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	return cfg, err
}

func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Parse applies environment overrides and then flags on top of defaults.
func Parse(args []string, lookup func(string) (string, bool), defaults Config) (Config, error) {
	cfg := defaults
	fs := pflag.NewFlagSet("downmixer", pflag.ContinueOnError)

	fs.IntVar(&cfg.SampleRate, "sample-rate", envInt(lookup, "DOWNMIX_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.IntVar(&cfg.TableBits, "table-bits", envInt(lookup, "DOWNMIX_TABLE_BITS", defaults.TableBits), "log2 of the sine table length")
	fs.IntVar(&cfg.Clients, "clients", envInt(lookup, "DOWNMIX_CLIENTS", defaults.Clients), "Number of client slots")
	fs.IntVar(&cfg.DefaultOffsetHz, "default-offset", envInt(lookup, "DOWNMIX_DEFAULT_OFFSET", defaults.DefaultOffsetHz), "Offset in Hz every client starts with")
	fs.Int64Var(&cfg.ReferenceHz, "reference", envInt64(lookup, "DOWNMIX_REFERENCE", defaults.ReferenceHz), "Reference frequency in Hz added to offsets for the tuner")
	fs.Uint32Var(&cfg.InitialShift, "initial-shift", envUint32(lookup, "DOWNMIX_INITIAL_SHIFT", defaults.InitialShift), "Initial output right shift")
	fs.Uint32Var(&cfg.MaxShift, "max-shift", envUint32(lookup, "DOWNMIX_MAX_SHIFT", defaults.MaxShift), "Largest output right shift")
	fs.IntSliceVarP(&cfg.Offsets, "offsets", "o", envInts(lookup, "DOWNMIX_OFFSETS", defaults.Offsets), "Offsets in Hz of the demo clients")

	fs.StringVarP(&cfg.Tuner.Backend, "tuner", "t", envString(lookup, "DOWNMIX_TUNER", defaults.Tuner.Backend), "Tuner backend (none|cat|pluto)")
	fs.DurationVar(&cfg.Tuner.MinInterval, "tuner-interval", envDuration(lookup, "DOWNMIX_TUNER_INTERVAL", defaults.Tuner.MinInterval), "Minimum time between tuner commands")
	fs.StringVar(&cfg.Tuner.Device, "cat-device", envString(lookup, "DOWNMIX_CAT_DEVICE", defaults.Tuner.Device), "Serial device of the CAT port")
	fs.IntVar(&cfg.Tuner.Baud, "cat-baud", envInt(lookup, "DOWNMIX_CAT_BAUD", defaults.Tuner.Baud), "CAT serial speed")
	fs.StringVar(&cfg.Tuner.Dialect, "cat-dialect", envString(lookup, "DOWNMIX_CAT_DIALECT", defaults.Tuner.Dialect), "CAT dialect (icom|kenwood)")
	fs.IntVar(&cfg.Tuner.CIVAddress, "civ-address", envInt(lookup, "DOWNMIX_CIV_ADDRESS", defaults.Tuner.CIVAddress), "Icom CI-V rig address")
	fs.StringVar(&cfg.Tuner.PlutoHost, "pluto-host", envString(lookup, "DOWNMIX_PLUTO_HOST", defaults.Tuner.PlutoHost), "Pluto host, discovered over mDNS when empty")
	fs.StringVar(&cfg.Tuner.PlutoUser, "pluto-user", envString(lookup, "DOWNMIX_PLUTO_USER", defaults.Tuner.PlutoUser), "Pluto SSH user")
	fs.StringVar(&cfg.Tuner.PlutoPassword, "pluto-password", envString(lookup, "DOWNMIX_PLUTO_PASSWORD", defaults.Tuner.PlutoPassword), "Pluto SSH password")
	fs.StringVar(&cfg.Tuner.PlutoKey, "pluto-key", envString(lookup, "DOWNMIX_PLUTO_KEY", defaults.Tuner.PlutoKey), "Pluto SSH private key file")
	fs.StringVar(&cfg.Tuner.PlutoDevice, "pluto-device", envString(lookup, "DOWNMIX_PLUTO_DEVICE", defaults.Tuner.PlutoDevice), "IIO device holding the LO attributes")

	fs.Float64SliceVar(&cfg.Source.ToneHz, "tones", envFloats(lookup, "DOWNMIX_TONES", defaults.Source.ToneHz), "Test tones in Hz relative to the front end")
	fs.Float64Var(&cfg.Source.Amplitude, "amplitude", envFloat(lookup, "DOWNMIX_AMPLITUDE", defaults.Source.Amplitude), "Test signal peak as a fraction of full scale")
	fs.Float64Var(&cfg.Source.Noise, "noise", envFloat(lookup, "DOWNMIX_NOISE", defaults.Source.Noise), "Noise standard deviation as a fraction of full scale")
	fs.IntVar(&cfg.Source.BlockSize, "block-size", envInt(lookup, "DOWNMIX_BLOCK_SIZE", defaults.Source.BlockSize), "Samples per block")
	fs.IntVar(&cfg.Source.Blocks, "blocks", envInt(lookup, "DOWNMIX_BLOCKS", defaults.Source.Blocks), "Blocks to process, 0 runs until interrupted")
	fs.BoolVar(&cfg.Source.Realtime, "realtime", envBool(lookup, "DOWNMIX_REALTIME", defaults.Source.Realtime), "Pace blocks to the sample rate")

	fs.StringVar(&cfg.Log.Level, "log-level", envString(lookup, "DOWNMIX_LOG_LEVEL", defaults.Log.Level), "Log level (debug|info|warn|error)")
	fs.StringVar(&cfg.Log.Format, "log-format", envString(lookup, "DOWNMIX_LOG_FORMAT", defaults.Log.Format), "Log format (text|json|logfmt)")
	fs.StringVar(&cfg.Web.Addr, "web-addr", envString(lookup, "DOWNMIX_WEB_ADDR", defaults.Web.Addr), "Optional web telemetry listen address (e.g. :8080)")
	fs.IntVar(&cfg.Web.HistoryLimit, "history-limit", envInt(lookup, "DOWNMIX_HISTORY_LIMIT", defaults.Web.HistoryLimit), "Events kept in telemetry history")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if err := c.Downmix().Validate(); err != nil {
		return err
	}
	if c.TableBits < nco.MinTableBits || c.TableBits > nco.MaxTableBits {
		return fmt.Errorf("table bits %d outside [%d, %d]", c.TableBits, nco.MinTableBits, nco.MaxTableBits)
	}
	if len(c.Offsets) == 0 || len(c.Offsets) > c.Clients {
		return fmt.Errorf("need between 1 and %d client offsets, got %d", c.Clients, len(c.Offsets))
	}
	switch c.Tuner.Backend {
	case BackendNone, BackendPluto:
	case BackendCAT:
		if c.Tuner.Device == "" {
			return errors.New("cat tuner needs a device")
		}
		if _, err := tuner.ParseDialect(c.Tuner.Dialect); err != nil {
			return err
		}
		if c.Tuner.CIVAddress < 0 || c.Tuner.CIVAddress > 0xff {
			return fmt.Errorf("ci-v address %#x does not fit a byte", c.Tuner.CIVAddress)
		}
	default:
		return fmt.Errorf("unknown tuner backend %q", c.Tuner.Backend)
	}
	if c.Tuner.MinInterval < 0 {
		return fmt.Errorf("tuner interval %s is negative", c.Tuner.MinInterval)
	}
	if c.Source.BlockSize <= 0 {
		return fmt.Errorf("block size %d must be positive", c.Source.BlockSize)
	}
	if c.Source.Blocks < 0 {
		return fmt.Errorf("block count %d is negative", c.Source.Blocks)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return err
	}
	if c.Web.HistoryLimit < 1 || c.Web.HistoryLimit > 10000 {
		return fmt.Errorf("history limit %d outside [1, 10000]", c.Web.HistoryLimit)
	}
	return nil
}

// Downmix returns the mixer part of the settings.
func (c Config) Downmix() downmix.Config {
	return downmix.Config{
		SampleRate:      c.SampleRate,
		TableBits:       c.TableBits,
		Clients:         c.Clients,
		DefaultOffsetHz: c.DefaultOffsetHz,
		ReferenceHz:     c.ReferenceHz,
		InitialShift:    c.InitialShift,
		MaxShift:        c.MaxShift,
	}
}

// ToneSource returns the test signal settings.
func (c Config) ToneSource() source.Config {
	return source.Config{
		SampleRate: float64(c.SampleRate),
		ToneHz:     c.Source.ToneHz,
		Amplitude:  c.Source.Amplitude,
		Noise:      c.Source.Noise,
		BlockSize:  c.Source.BlockSize,
		Blocks:     c.Source.Blocks,
	}
}

func envFloat(lookup func(string) (string, bool), key string, def float64) float64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envInt(lookup func(string) (string, bool), key string, def int) int {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func envInt64(lookup func(string) (string, bool), key string, def int64) int64 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
	}
	return def
}

func envUint32(lookup func(string) (string, bool), key string, def uint32) uint32 {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return def
}

func envBool(lookup func(string) (string, bool), key string, def bool) bool {
	if val, ok := lookup(key); ok {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return def
}

func envDuration(lookup func(string) (string, bool), key string, def time.Duration) time.Duration {
	if val, ok := lookup(key); ok {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return def
}

func envString(lookup func(string) (string, bool), key, def string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return def
}

// envInts reads a comma separated list; any bad element keeps the default.
func envInts(lookup func(string) (string, bool), key string, def []int) []int {
	val, ok := lookup(key)
	if !ok {
		return def
	}
	var out []int
	for _, part := range strings.Split(val, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return def
		}
		out = append(out, n)
	}
	return out
}

func envFloats(lookup func(string) (string, bool), key string, def []float64) []float64 {
	val, ok := lookup(key)
	if !ok {
		return def
	}
	var out []float64
	for _, part := range strings.Split(val, ",") {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return def
		}
		out = append(out, f)
	}
	return out
}
