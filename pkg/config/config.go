// Package config holds the tunable parameters of the host stack and loads
// them from TOML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/ardnew/rzusb/pkg"
)

// Duration is a [time.Duration] that decodes from strings such as "1ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Hex16 is a 16-bit identifier that decodes from an integer or from a
// string such as "0x0781".
type Hex16 uint16

// UnmarshalTOML implements [toml.Unmarshaler].
func (h *Hex16) UnmarshalTOML(v any) error {
	switch x := v.(type) {
	case int64:
		if x < 0 || x > 0xFFFF {
			return fmt.Errorf("%w: id %d out of range", pkg.ErrInvalidParameter, x)
		}
		*h = Hex16(x)
		return nil
	case string:
		n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(x), "0x"), 16, 16)
		if err != nil {
			return fmt.Errorf("%w: id %q: %v", pkg.ErrInvalidParameter, x, err)
		}
		*h = Hex16(n)
		return nil
	default:
		return fmt.Errorf("%w: id of type %T", pkg.ErrInvalidParameter, v)
	}
}

// Host configures the tick loop, enumeration and pipe layer.
type Host struct {
	// Tick is the period of one enumeration/pipe tick.
	Tick Duration `toml:"tick"`

	// PollTicks is the idle delay between sweeps of the port list.
	PollTicks int `toml:"poll_ticks"`

	// ResetTicks is how long a port reset is held before reading status.
	ResetTicks int `toml:"reset_ticks"`

	// SettleTicks is the recovery delay after each reset.
	SettleTicks int `toml:"settle_ticks"`

	// AddressRecoveryTicks is the delay after SET_ADDRESS.
	AddressRecoveryTicks int `toml:"address_recovery_ticks"`

	// EnumRetries is the number of enumeration attempts per device before
	// it is registered as not responding.
	EnumRetries int `toml:"enum_retries"`

	// MaxTier bounds hub nesting; devices deeper than this are rejected.
	MaxTier int `toml:"max_tier"`

	// ControlTimeoutTicks is the idle timeout for each control request.
	ControlTimeoutTicks int `toml:"control_timeout_ticks"`

	// SuspendTicks bounds how long the enumerator stays suspended.
	SuspendTicks int `toml:"suspend_ticks"`

	// FIFORetries caps the FIFO select loop.
	FIFORetries int `toml:"fifo_retries"`
}

// Cache configures the per-drive block cache.
type Cache struct {
	LineSize int `toml:"line_size"`
	NumLines int `toml:"num_lines"`
}

// Disk configures the disk manager.
type Disk struct {
	UnitReadyRetries int      `toml:"unit_ready_retries"`
	UnitReadyDelay   Duration `toml:"unit_ready_delay"`
	TransferTimeout  Duration `toml:"transfer_timeout"`

	// Rescan is how often disks without media are probed again. Zero
	// probes only when a device arrives.
	Rescan Duration `toml:"rescan"`
}

// Override forces a driver for a vendor/product pair whose descriptors
// misreport their class.
type Override struct {
	Vendor  Hex16  `toml:"vendor"`
	Product Hex16  `toml:"product"`
	Driver  string `toml:"driver"`
}

// Config is the complete stack configuration.
type Config struct {
	Host      Host       `toml:"host"`
	Cache     Cache      `toml:"cache"`
	Disk      Disk       `toml:"disk"`
	Overrides []Override `toml:"override"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Host: Host{
			Tick:                 Duration{time.Millisecond},
			PollTicks:            100,
			ResetTicks:           50,
			SettleTicks:          20,
			AddressRecoveryTicks: 2,
			EnumRetries:          8,
			MaxTier:              5,
			ControlTimeoutTicks:  500,
			SuspendTicks:         2000,
			FIFORetries:          1000,
		},
		Cache: Cache{
			LineSize: 8,
			NumLines: 64,
		},
		Disk: Disk{
			UnitReadyRetries: 5,
			UnitReadyDelay:   Duration{100 * time.Millisecond},
			TransferTimeout:  Duration{5 * time.Second},
			Rescan:           Duration{time.Second},
		},
	}
}

// Load reads a TOML file on top of the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads TOML from r on top of the defaults and validates the result.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		pkg.LogWarn(pkg.ComponentHost, "unknown configuration keys", "keys", fmt.Sprint(undecoded))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that every parameter is usable.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s must be positive, got %d", pkg.ErrInvalidParameter, name, v))
		}
	}
	if c.Host.Tick.Duration <= 0 {
		errs = append(errs, fmt.Errorf("%w: host.tick must be positive", pkg.ErrInvalidParameter))
	}
	positive("host.poll_ticks", c.Host.PollTicks)
	positive("host.reset_ticks", c.Host.ResetTicks)
	positive("host.enum_retries", c.Host.EnumRetries)
	positive("host.max_tier", c.Host.MaxTier)
	positive("host.control_timeout_ticks", c.Host.ControlTimeoutTicks)
	positive("host.suspend_ticks", c.Host.SuspendTicks)
	positive("host.fifo_retries", c.Host.FIFORetries)
	positive("cache.line_size", c.Cache.LineSize)
	positive("cache.num_lines", c.Cache.NumLines)
	positive("disk.unit_ready_retries", c.Disk.UnitReadyRetries)
	if c.Host.SettleTicks < 0 || c.Host.AddressRecoveryTicks < 0 {
		errs = append(errs, fmt.Errorf("%w: delays must not be negative", pkg.ErrInvalidParameter))
	}
	if c.Disk.UnitReadyDelay.Duration < 0 || c.Disk.TransferTimeout.Duration < 0 || c.Disk.Rescan.Duration < 0 {
		errs = append(errs, fmt.Errorf("%w: disk durations must not be negative", pkg.ErrInvalidParameter))
	}
	for i, o := range c.Overrides {
		if o.Driver == "" {
			errs = append(errs, fmt.Errorf("%w: override %d has no driver", pkg.ErrInvalidParameter, i))
		}
	}
	return errors.Join(errs...)
}
