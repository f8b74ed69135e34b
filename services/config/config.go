// Package config loads the EDMO hub's runtime configuration: transport
// bind/poll settings, oscillator parameter bounds, and which plugin
// factory a newly bound session should install. Adapted from the
// teacher's services/config, replacing its tinyjson dependency (never
// actually declared in the teacher's own go.mod) with the standard
// library's encoding/json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// OscillatorLimits bounds the per-oscillator parameters a controller or
// plugin may write, clamped via x/mathx.Clamp in the session package.
type OscillatorLimits struct {
	AmplitudeMin  float32 `json:"amplitude_min"`
	AmplitudeMax  float32 `json:"amplitude_max"`
	OffsetMin     float32 `json:"offset_min"`
	OffsetMax     float32 `json:"offset_max"`
	PhaseShiftMin float32 `json:"phase_shift_min"`
	PhaseShiftMax float32 `json:"phase_shift_max"`
}

// SerialConfig configures the serial transport manager (§4.C).
type SerialConfig struct {
	PollInterval time.Duration `json:"poll_interval"`
	BaudRate     int           `json:"baud_rate"`
}

// UDPConfig configures the UDP transport manager (§4.D).
type UDPConfig struct {
	BindPort        int           `json:"bind_port"`
	PollInterval    time.Duration `json:"poll_interval"`
	InactivityAfter time.Duration `json:"inactivity_after"`
}

// SessionConfig configures the parameter bounds and plugin factory name for
// every session the session manager creates (§4.H).
type SessionConfig struct {
	Oscillator    OscillatorLimits `json:"oscillator"`
	PluginFactory string           `json:"plugin_factory"`
}

// Config is the hub's full runtime configuration.
type Config struct {
	Serial  SerialConfig  `json:"serial"`
	UDP     UDPConfig     `json:"udp"`
	Session SessionConfig `json:"session"`
}

// Default returns the baked-in configuration used when no file is given,
// mirroring the teacher's defaultconfigs.go pattern of a Default()
// constructor plus field-level overrides applied on top of it.
func Default() Config {
	return Config{
		Serial: SerialConfig{
			PollInterval: time.Second,
			BaudRate:     9600,
		},
		UDP: UDPConfig{
			BindPort:        9191,
			PollInterval:    time.Second,
			InactivityAfter: 10 * time.Second,
		},
		Session: SessionConfig{
			Oscillator: OscillatorLimits{
				AmplitudeMin:  0,
				AmplitudeMax:  90,
				OffsetMin:     0,
				OffsetMax:     180,
				PhaseShiftMin: -180,
				PhaseShiftMax: 180,
			},
			PluginFactory: "",
		},
	}
}

// Load reads a JSON configuration file at path and overlays it onto
// Default(). A missing file is not an error: Default() is returned as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the hub inoperable.
func (c Config) Validate() error {
	if c.Serial.BaudRate <= 0 {
		return fmt.Errorf("config: serial.baud_rate must be positive, got %d", c.Serial.BaudRate)
	}
	if c.UDP.BindPort <= 0 || c.UDP.BindPort > 65535 {
		return fmt.Errorf("config: udp.bind_port out of range: %d", c.UDP.BindPort)
	}
	ol := c.Session.Oscillator
	if ol.AmplitudeMax < ol.AmplitudeMin {
		return fmt.Errorf("config: session.oscillator amplitude_max < amplitude_min")
	}
	if ol.OffsetMax < ol.OffsetMin {
		return fmt.Errorf("config: session.oscillator offset_max < offset_min")
	}
	if ol.PhaseShiftMax < ol.PhaseShiftMin {
		return fmt.Errorf("config: session.oscillator phase_shift_max < phase_shift_min")
	}
	return nil
}
