package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Witness.RecordIntervalMs = 0
	cfg.Logging.Level = "loud"
	cfg.Preview.Resolution = "1920x1080"

	err := cfg.Validate()
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.Len(t, verrs, 3)

	fields := make([]string, len(verrs))
	for i, v := range verrs {
		fields[i] = v.Field
	}
	assert.Contains(t, fields, "witness.record_interval_ms")
	assert.Contains(t, fields, "logging.level")
	assert.Contains(t, fields, "preview.resolution")
}

func TestValidateRejectsFileOutputWithoutPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "file"
	assert.Error(t, cfg.Validate())

	cfg.Logging.FilePath = "/tmp/canaryd.log"
	assert.NoError(t, cfg.Validate())
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canaryd.toml")
	content := `
version = 1

[device]
name = "porch-canary"

[witness]
record_interval_ms = 900000
time_bucket_ms = 30000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "porch-canary", cfg.Device.Name)
	assert.Equal(t, 900000, cfg.Witness.RecordIntervalMs)
	assert.Equal(t, 30000, cfg.Witness.TimeBucketMs)
	// Unspecified sections keep defaults.
	assert.Equal(t, ":8080", cfg.HTTP.Listen)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canaryd.yaml")
	content := `
version: 1
device:
  name: alley-canary
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "alley-canary", cfg.Device.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.toml")).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().HTTP.Listen, cfg.HTTP.Listen)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canaryd.toml")
	content := `
version = 1

[witness]
record_interval_ms = 10
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canaryd.toml")
	cfg := DefaultConfig()
	cfg.Device.Name = "yard-canary"
	cfg.Witness.TimeBucketMs = 120000
	require.NoError(t, cfg.Save(path))

	loaded, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "yard-canary", loaded.Device.Name)
	assert.Equal(t, 120000, loaded.Witness.TimeBucketMs)
}

func TestLoadOrCreateWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canaryd.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotNil(t, cfg)

	_, created, err = LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canaryd.toml")
	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)

	changed := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})
	require.NoError(t, loader.Watch())
	defer loader.Close()

	cfg.Logging.Level = "debug"
	require.NoError(t, cfg.Save(path))

	select {
	case newCfg := <-changed:
		assert.Equal(t, "debug", newCfg.Logging.Level)
		assert.Equal(t, "debug", loader.Config().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestHotReloadKeepsOldConfigOnInvalidWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "canaryd.toml")
	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, loader.Watch())
	defer loader.Close()

	require.NoError(t, os.WriteFile(path, []byte("version = 99\n"), 0o644))

	select {
	case err := <-loader.Errors():
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("expected a validation error from the watcher")
	}
	assert.Equal(t, "info", loader.Config().Logging.Level)
}
