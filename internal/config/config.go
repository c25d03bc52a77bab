// Package config handles configuration loading, validation, and hot reload
// for canaryd.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Device holds appliance identity settings.
	Device DeviceConfig `toml:"device" json:"device" yaml:"device"`

	// Witness holds ledger cadence settings.
	Witness WitnessConfig `toml:"witness" json:"witness" yaml:"witness"`

	// HTTP holds the control-plane listener settings.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	// Wifi holds access-point and uplink settings.
	Wifi WifiConfig `toml:"wifi" json:"wifi" yaml:"wifi"`

	// Mesh holds Opera flock settings.
	Mesh MeshConfig `toml:"mesh" json:"mesh" yaml:"mesh"`

	// Chirp holds neighborhood alert settings.
	Chirp ChirpConfig `toml:"chirp" json:"chirp" yaml:"chirp"`

	// Preview holds camera preview settings.
	Preview PreviewConfig `toml:"preview" json:"preview" yaml:"preview"`

	// Logging holds daemon log settings.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// DeviceConfig holds appliance identity settings.
type DeviceConfig struct {
	// Name is the operator-visible device name.
	Name string `toml:"name" json:"name" yaml:"name"`

	// DataDir is the directory holding all persisted state
	// (identity.bin, witness.log, config.kv, events.log).
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
}

// WitnessConfig holds ledger cadence settings.
type WitnessConfig struct {
	// RecordIntervalMs is the heartbeat record cadence in milliseconds.
	RecordIntervalMs int `toml:"record_interval_ms" json:"record_interval_ms" yaml:"record_interval_ms"`

	// TimeBucketMs is the width wall-clock timestamps are floored to
	// before entering a record.
	TimeBucketMs int `toml:"time_bucket_ms" json:"time_bucket_ms" yaml:"time_bucket_ms"`

	// EventBudgetBytes caps the operational event log before rotation.
	EventBudgetBytes int64 `toml:"event_budget_bytes" json:"event_budget_bytes" yaml:"event_budget_bytes"`
}

// HTTPConfig holds the control-plane listener settings.
type HTTPConfig struct {
	// Listen is the bind address, host:port.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`

	// ReadTimeoutSec bounds request reads.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec bounds response writes. The MJPEG stream and
	// export download use per-connection deadlines instead.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
}

// WifiConfig holds access-point and uplink settings.
type WifiConfig struct {
	// APSSID is the SSID of the device's own access point.
	APSSID string `toml:"ap_ssid" json:"ap_ssid" yaml:"ap_ssid"`

	// ConnectTimeoutSec bounds a single station connect attempt.
	ConnectTimeoutSec int `toml:"connect_timeout_sec" json:"connect_timeout_sec" yaml:"connect_timeout_sec"`
}

// MeshConfig holds Opera flock settings.
type MeshConfig struct {
	// Enabled turns the mesh subsystem on at boot.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// ChirpConfig holds neighborhood alert settings.
type ChirpConfig struct {
	// Enabled turns the chirp subsystem on at boot.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// RelayEnabled is the boot default for relaying validated chirps.
	RelayEnabled bool `toml:"relay_enabled" json:"relay_enabled" yaml:"relay_enabled"`
}

// PreviewConfig holds camera preview settings.
type PreviewConfig struct {
	// Resolution is the boot default, e.g. "640x480".
	Resolution string `toml:"resolution" json:"resolution" yaml:"resolution"`

	// FrameIntervalMs is the capture cadence while streaming.
	FrameIntervalMs int `toml:"frame_interval_ms" json:"frame_interval_ms" yaml:"frame_interval_ms"`
}

// LoggingConfig holds daemon log settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	dup := *c
	return &dup
}

// Save writes the configuration to path as TOML, atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("config: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}
