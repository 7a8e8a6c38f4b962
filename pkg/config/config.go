package config

import (
	"path/filepath"
	"strings"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/Foundation-Devices/devtask/pkg/buildsys"
)

// FileName is the name of the optional settings file in the project root.
const FileName = "devtask.toml"

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `toml:"level" default:"info" usage:"Minimum log level (debug, info, warn or error)"`
		JSON  bool   `toml:"json" default:"false" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
	Preset   string `toml:"preset" default:"auto" usage:"Toolchain preset used when there's no task file (auto, none, cargo or go)"`
	Dotenv   bool   `toml:"dotenv" default:"false" usage:"Load the .env file in the project root for every task"`
	Cache    bool   `toml:"cache" default:"false" usage:"Cache the task list generated by tasks.star"`
	CacheDir string `toml:"cache_dir" default:".devtask" usage:"Cache directory, relative to the project root"`
}

var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Settings
// are read from devtask.toml in projectRoot and DEVTASK_* environment variables.
func Loader(projectRoot string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix:        "DEVTASK",
		AllowUnknownEnvs: true,
		SkipFlags:        true,
		Files:            []string{filepath.Join(projectRoot, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load is a shortcut for Loader() followed by Load() and Validate().
func Load(projectRoot string) (*Config, error) {
	cfg, loader := Loader(projectRoot)
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to load %s", FileName)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if !buildsys.IsPreset(cfg.Preset) {
		return eris.Errorf(`Invalid value for preset: %s (must be auto, none or one of %s)`, cfg.Preset,
			strings.Join(buildsys.PresetNames(), ", "))
	}

	if cfg.Cache && cfg.CacheDir == "" {
		return eris.New(`cache_dir can't be empty if the cache is enabled`)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}

// LoadOptions translates the settings into options for buildsys.Load.
func (cfg *Config) LoadOptions() buildsys.LoadOptions {
	opts := buildsys.LoadOptions{
		Preset: cfg.Preset,
		Dotenv: cfg.Dotenv,
	}

	if cfg.Cache {
		opts.CacheDir = cfg.CacheDir
	}
	return opts
}
