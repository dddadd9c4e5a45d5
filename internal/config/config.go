// Package config loads flextrace configuration.
//
// Configuration is layered:
//
//  1. Built-in defaults (embedded default.toml)
//  2. Config file values, if the file exists
//  3. FLEXTRACE_* environment variables
//  4. Command-line flags (applied by the CLI layer)
//
// The TOML decoder only sets fields present in the file and the environment
// overlay only sets variables that are present, so each layer leaves the
// fields it does not mention untouched.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

//go:embed default.toml
var defaultConfigTOML string

const (
	// DefaultConfigPath is read when no path is given.
	DefaultConfigPath = "/etc/flextrace/flextrace.toml"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "FLEXTRACE_"
)

// Config is the top-level flextrace configuration.
type Config struct {
	Object   ObjectConfig   `toml:"object" envPrefix:"OBJECT_"`
	Sampling SamplingConfig `toml:"sampling" envPrefix:"SAMPLING_"`
	Stream   StreamConfig   `toml:"stream" envPrefix:"STREAM_"`
	Logging  LoggingConfig  `toml:"logging" envPrefix:"LOG_"`
	Metrics  MetricsConfig  `toml:"metrics" envPrefix:"METRICS_"`
}

// ObjectConfig locates the compiled producer. An empty Path selects the
// object embedded in the binary.
type ObjectConfig struct {
	Path string `toml:"path" env:"PATH"`
}

// SamplingConfig controls counter sampling.
type SamplingConfig struct {
	// Period is the number of counter overflows per sample.
	Period uint64 `toml:"period" env:"PERIOD"`
}

// StreamConfig controls the ring buffer consumers.
type StreamConfig struct {
	ChannelCapacity int `toml:"channel_capacity" env:"CHANNEL_CAPACITY"`
}

// LoggingConfig controls logging.
type LoggingConfig struct {
	Level  string `toml:"level" env:"LEVEL"`
	Format string `toml:"format" env:"FORMAT"`
	File   string `toml:"file" env:"FILE"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `toml:"addr" env:"ADDR"`
}

// DefaultConfig returns the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		// default.toml is embedded at build time; a decode error is a build bug.
		panic(fmt.Sprintf("decoding embedded default.toml: %v", err))
	}
	return cfg
}

// Load reads the file at path over the defaults, then applies environ
// (KEY=value pairs, as from os.Environ).
//
// A missing file is not an error; an unreadable or invalid one is. Value
// ranges are not checked; see Validate.
func Load(path string, environ []string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("reading config file: %w", err)
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{
		Prefix:      EnvPrefix,
		Environment: env.ToMap(environ),
	}); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}

	return cfg, nil
}

// Validate checks value ranges. Callers validate once every overlay,
// command-line flags included, has been applied.
func (c *Config) Validate() error {
	var errs []error
	if c.Sampling.Period == 0 {
		errs = append(errs, errors.New("sampling.period must be positive"))
	}
	if c.Stream.ChannelCapacity <= 0 {
		errs = append(errs, fmt.Errorf("stream.channel_capacity must be positive, got %d", c.Stream.ChannelCapacity))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
