package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "downmix.yaml")
	cfg, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = os.Stat(path)
	require.NoError(t, err)

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	data := "sample_rate: 1000000\ntuner:\n  backend: cat\n  device: /dev/ttyUSB0\n  min_interval: 250ms\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1_000_000, cfg.SampleRate)
	assert.Equal(t, BackendCAT, cfg.Tuner.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Tuner.MinInterval)
	assert.Equal(t, Default().Clients, cfg.Clients)
	assert.Equal(t, Default().Tuner.Baud, cfg.Tuner.Baud)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("clients: [oops"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestParsePrecedence(t *testing.T) {
	env := envMap(map[string]string{
		"DOWNMIX_SAMPLE_RATE": "960000",
		"DOWNMIX_CLIENTS":     "8",
		"DOWNMIX_OFFSETS":     "1000, -2000,3000",
		"DOWNMIX_TONES":       "5000",
		"DOWNMIX_MAX_SHIFT":   "bogus",
	})
	cfg, err := Parse([]string{"--clients=4", "-t", "pluto", "--tuner-interval=1s"}, env, Default())
	require.NoError(t, err)

	assert.Equal(t, 960_000, cfg.SampleRate, "env overrides file")
	assert.Equal(t, 4, cfg.Clients, "flag overrides env")
	assert.Equal(t, []int{1000, -2000, 3000}, cfg.Offsets)
	assert.Equal(t, []float64{5000}, cfg.Source.ToneHz)
	assert.Equal(t, Default().MaxShift, cfg.MaxShift, "unparsable env keeps default")
	assert.Equal(t, BackendPluto, cfg.Tuner.Backend)
	assert.Equal(t, time.Second, cfg.Tuner.MinInterval)
}

func TestParseUnknownFlag(t *testing.T) {
	_, err := Parse([]string{"--no-such-flag"}, envMap(nil), Default())
	assert.Error(t, err)
}

func TestPathFromEnv(t *testing.T) {
	assert.Equal(t, DefaultPath, PathFromEnv(envMap(nil)))
	assert.Equal(t, "/etc/dm.yaml", PathFromEnv(envMap(map[string]string{"DOWNMIX_CONFIG": "/etc/dm.yaml"})))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"table bits", func(c *Config) { c.TableBits = 30 }},
		{"shift order", func(c *Config) { c.InitialShift = 14; c.MaxShift = 12 }},
		{"no offsets", func(c *Config) { c.Offsets = nil }},
		{"too many offsets", func(c *Config) { c.Clients = 1 }},
		{"backend", func(c *Config) { c.Tuner.Backend = "hamlib" }},
		{"cat without device", func(c *Config) { c.Tuner.Backend = BackendCAT }},
		{"cat dialect", func(c *Config) { c.Tuner.Backend = BackendCAT; c.Tuner.Device = "/dev/ttyS0"; c.Tuner.Dialect = "yaesu" }},
		{"civ address", func(c *Config) { c.Tuner.Backend = BackendCAT; c.Tuner.Device = "/dev/ttyS0"; c.Tuner.CIVAddress = 0x100 }},
		{"negative interval", func(c *Config) { c.Tuner.MinInterval = -time.Second }},
		{"block size", func(c *Config) { c.Source.BlockSize = 0 }},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"history", func(c *Config) { c.Web.HistoryLimit = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	dm := cfg.Downmix()
	assert.Equal(t, cfg.SampleRate, dm.SampleRate)
	assert.Equal(t, cfg.ReferenceHz, dm.ReferenceHz)
	assert.Equal(t, cfg.MaxShift, dm.MaxShift)

	src := cfg.ToneSource()
	assert.Equal(t, float64(cfg.SampleRate), src.SampleRate)
	assert.Equal(t, cfg.Source.ToneHz, src.ToneHz)
	assert.Equal(t, cfg.Source.BlockSize, src.BlockSize)
}

func TestSaveOmitsPlutoPassword(t *testing.T) {
	env := envMap(map[string]string{"DOWNMIX_PLUTO_PASSWORD": "from-env"})
	cfg, err := Parse([]string{"--pluto-password", "s3cret", "--pluto-host", "192.168.2.1"}, env, Default())
	require.NoError(t, err)
	require.Equal(t, "s3cret", cfg.Tuner.PlutoPassword)

	path := filepath.Join(t.TempDir(), "downmix.yaml")
	require.NoError(t, Save(path, cfg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cret")
	assert.NotContains(t, string(data), "pluto_password")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.2.1", loaded.Tuner.PlutoHost)
	assert.Empty(t, loaded.Tuner.PlutoPassword)

	cfg, err = Parse(nil, env, loaded)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Tuner.PlutoPassword)
}
