package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/rzusb/pkg"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 8, cfg.Host.EnumRetries)
	require.Equal(t, 1000, cfg.Host.FIFORetries)
	require.Equal(t, time.Millisecond, cfg.Host.Tick.Duration)
	require.Equal(t, 5, cfg.Disk.UnitReadyRetries)
	require.Equal(t, time.Second, cfg.Disk.Rescan.Duration)
}

func TestDecode(t *testing.T) {
	const doc = `
[host]
tick = "250us"
enum_retries = 3
max_tier = 2

[cache]
line_size = 16

[[override]]
vendor = "0x0781"
product = 0x5567
driver = "msc"
`
	cfg, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, 250*time.Microsecond, cfg.Host.Tick.Duration)
	require.Equal(t, 3, cfg.Host.EnumRetries)
	require.Equal(t, 2, cfg.Host.MaxTier)
	require.Equal(t, 16, cfg.Cache.LineSize)
	// Untouched keys keep their defaults.
	require.Equal(t, 64, cfg.Cache.NumLines)
	require.Equal(t, 100, cfg.Host.PollTicks)
	require.Len(t, cfg.Overrides, 1)
	require.Equal(t, Hex16(0x0781), cfg.Overrides[0].Vendor)
	require.Equal(t, Hex16(0x5567), cfg.Overrides[0].Product)
	require.Equal(t, "msc", cfg.Overrides[0].Driver)
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"zero line size", "[cache]\nline_size = 0\n"},
		{"negative retries", "[host]\nenum_retries = -1\n"},
		{"bad duration", "[host]\ntick = \"soon\"\n"},
		{"negative rescan", "[disk]\nrescan = \"-1s\"\n"},
		{"override without driver", "[[override]]\nvendor = 1\nproduct = 2\n"},
		{"bad id", "[[override]]\nvendor = \"zz\"\nproduct = 2\ndriver = \"hid\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.doc))
			require.Error(t, err)
		})
	}
}

func TestValidateWrapsInvalidParameter(t *testing.T) {
	cfg := Default()
	cfg.Cache.NumLines = 0
	err := cfg.Validate()
	require.True(t, errors.Is(err, pkg.ErrInvalidParameter))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rzusb.toml")
	require.NoError(t, os.WriteFile(path, []byte("[disk]\nunit_ready_retries = 2\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Disk.UnitReadyRetries)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
