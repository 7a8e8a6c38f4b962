package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.Log.JSON)
	require.Equal(t, "auto", cfg.Preset)
	require.False(t, cfg.Dotenv)
	require.False(t, cfg.Cache)
	require.Equal(t, ".devtask", cfg.CacheDir)
	require.Equal(t, zerolog.InfoLevel, cfg.LogLevel())

	opts := cfg.LoadOptions()
	require.Equal(t, "auto", opts.Preset)
	require.Empty(t, opts.CacheDir)
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, FileName), []byte(`
preset = "cargo"
dotenv = true
cache = true
cache_dir = "target/devtask"

[log]
level = "DEBUG"
json = true
`), 0660)
	require.NoError(t, err)

	cfg, err := Load(dir)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.True(t, cfg.Log.JSON)
	require.Equal(t, zerolog.DebugLevel, cfg.LogLevel())

	opts := cfg.LoadOptions()
	require.Equal(t, "cargo", opts.Preset)
	require.True(t, opts.Dotenv)
	require.Equal(t, "target/devtask", opts.CacheDir)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("DEVTASK_PRESET", "go")
	t.Setenv("DEVTASK_LOG_LEVEL", "warn")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "go", cfg.Preset)
	require.Equal(t, zerolog.WarnLevel, cfg.LogLevel())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Preset: "auto", CacheDir: ".devtask"}
		cfg.Log.Level = "info"
		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Log.Level = "verbose"
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Preset = "make"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cargo, go")

	cfg = valid()
	cfg.Cache = true
	cfg.CacheDir = ""
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Log.Level = "Warning"
	require.NoError(t, cfg.Validate())
	require.Equal(t, zerolog.WarnLevel, cfg.LogLevel())
}
