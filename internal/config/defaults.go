package config

import (
	"os"
	"path/filepath"
)

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Device: DeviceConfig{
			Name:    "canary",
			DataDir: defaultDataDir(),
		},
		Witness: WitnessConfig{
			RecordIntervalMs: 3600000,
			TimeBucketMs:     60000,
			EventBudgetBytes: 1 << 20,
		},
		HTTP: HTTPConfig{
			Listen:          ":8080",
			ReadTimeoutSec:  15,
			WriteTimeoutSec: 30,
			MaxBodyBytes:    4096,
		},
		Wifi: WifiConfig{
			APSSID:            "canary-setup",
			ConnectTimeoutSec: 20,
		},
		Mesh: MeshConfig{
			Enabled: false,
		},
		Chirp: ChirpConfig{
			Enabled:      false,
			RelayEnabled: true,
		},
		Preview: PreviewConfig{
			Resolution:      "640x480",
			FrameIntervalMs: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// ConfigPath returns the default config file location.
func ConfigPath() string {
	if p := os.Getenv("CANARYD_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "canaryd.toml")
}

func defaultDataDir() string {
	if d := os.Getenv("CANARYD_DATA_DIR"); d != "" {
		return d
	}
	return "/var/lib/canaryd"
}

// ApplyEnvOverrides applies environment variable overrides on top of
// whatever the file provided.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CANARYD_DATA_DIR"); v != "" {
		c.Device.DataDir = v
	}
	if v := os.Getenv("CANARYD_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("CANARYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
