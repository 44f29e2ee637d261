package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("config: invalid")

// ClockSource selects where ticks come from
type ClockSource string

const (
	SourceInternal ClockSource = "internal"
	SourceExternal ClockSource = "external"
	SourceSerial   ClockSource = "serial"
)

// Config is the main configuration structure
type Config struct {
	TicksPerBeat int         `json:"ticks_per_beat"`
	BeatsPerBar  int         `json:"beats_per_bar"`
	BPM          float64     `json:"bpm"` // internal clock only
	ClockSource  ClockSource `json:"clock_source"`

	InputPort    string `json:"input_port,omitempty"`  // external clock input (substring match)
	OutputPort   string `json:"output_port,omitempty"` // event sink
	LightsPort   string `json:"lights_port,omitempty"` // Launchpad beat display
	SerialDevice string `json:"serial_device,omitempty"`
	SerialBaud   int    `json:"serial_baud,omitempty"`

	ClockLostMultiplier float64 `json:"clock_lost_multiplier"`
	ClockLostFallbackMS int     `json:"clock_lost_fallback_ms"`
	LookAheadTicks      int     `json:"look_ahead_ticks"`

	ClockOut  bool `json:"clock_out"`
	Metronome bool `json:"metronome"`
	Debug     bool `json:"debug"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		TicksPerBeat:        24,
		BeatsPerBar:         4,
		BPM:                 120,
		ClockSource:         SourceInternal,
		ClockLostMultiplier: 12,
		ClockLostFallbackMS: 2000,
		LookAheadTicks:      12,
	}
}

// LostFallback is the clock-lost window used before any tempo is known
func (c *Config) LostFallback() time.Duration {
	return time.Duration(c.ClockLostFallbackMS) * time.Millisecond
}

// ConfigDir returns the config directory path
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "phasorsync"), nil
}

// ConfigPath returns the full path to config.json
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads the config from the default path, or returns defaults if not found
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return DefaultConfig(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates a config file. Fields it leaves out keep
// their defaults; a missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, err
	}

	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config as a whole: the schema ranges plus the
// rules that span fields
func (c *Config) Validate() error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := validateSchema(data); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	switch c.ClockSource {
	case SourceExternal:
		if c.InputPort == "" {
			return fmt.Errorf("%w: clock_source external needs input_port", ErrInvalid)
		}
	case SourceSerial:
		if c.SerialDevice == "" {
			return fmt.Errorf("%w: clock_source serial needs serial_device", ErrInvalid)
		}
	}
	return nil
}

// Save writes the config to the default path
func (c *Config) Save() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return c.SaveFile(filepath.Join(dir, "config.json"))
}

// SaveFile writes the config to path, creating the directory
func (c *Config) SaveFile(path string) error {
	if err := c.Validate(); err != nil {
		return err
	}

	// Create directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
