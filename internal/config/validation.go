package config

import (
	"fmt"
	"strings"
)

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates all invalid fields found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Error()
	}
	return strings.Join(parts, "; ")
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

var validLogFormats = map[string]bool{"text": true, "json": true}

var validLogOutputs = map[string]bool{"stdout": true, "stderr": true, "file": true}

var validResolutions = map[string]bool{
	"320x240": true, "640x480": true, "800x600": true, "1024x768": true,
}

// Validate checks the full configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidationErrors

	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.Version <= 0 || c.Version > Version {
		add("version", fmt.Sprintf("must be between 1 and %d", Version))
	}
	if c.Device.DataDir == "" {
		add("device.data_dir", "must not be empty")
	}
	if len(c.Device.Name) > 32 {
		add("device.name", "must be at most 32 characters")
	}

	if c.Witness.RecordIntervalMs < 1000 {
		add("witness.record_interval_ms", "must be at least 1000")
	}
	if c.Witness.TimeBucketMs < 1000 || c.Witness.TimeBucketMs > 3600000 {
		add("witness.time_bucket_ms", "must be between 1000 and 3600000")
	}
	if c.Witness.EventBudgetBytes < 4096 {
		add("witness.event_budget_bytes", "must be at least 4096")
	}

	if c.HTTP.Listen == "" {
		add("http.listen", "must not be empty")
	}
	if c.HTTP.MaxBodyBytes < 256 {
		add("http.max_body_bytes", "must be at least 256")
	}

	if c.Wifi.APSSID == "" || len(c.Wifi.APSSID) > 32 {
		add("wifi.ap_ssid", "must be 1 to 32 characters")
	}
	if c.Wifi.ConnectTimeoutSec < 1 {
		add("wifi.connect_timeout_sec", "must be at least 1")
	}

	if !validResolutions[c.Preview.Resolution] {
		add("preview.resolution", "must be one of 320x240, 640x480, 800x600, 1024x768")
	}
	if c.Preview.FrameIntervalMs < 10 {
		add("preview.frame_interval_ms", "must be at least 10")
	}

	if !validLogLevels[c.Logging.Level] {
		add("logging.level", "must be one of debug, info, warn, error")
	}
	if !validLogFormats[c.Logging.Format] {
		add("logging.format", "must be text or json")
	}
	if !validLogOutputs[c.Logging.Output] {
		add("logging.output", "must be stdout, stderr, or file")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		add("logging.file_path", "required when output is file")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
