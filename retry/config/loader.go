package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LerianStudio/lib-retry/retry"
)

const defaultEnvPrefix = "RETRY"

// Loader reads a Config from a YAML file and overlays environment
// variables on the default section.
type Loader struct {
	envPrefix string
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithEnvPrefix replaces the RETRY prefix on the override variables, so
// several loaders can coexist in one process.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			l.envPrefix = trimmed
		}
	}
}

// NewLoader returns a Loader with the default environment prefix.
func NewLoader(opts ...LoaderOption) *Loader {
	loader := &Loader{envPrefix: defaultEnvPrefix}

	for _, opt := range opts {
		opt(loader)
	}

	return loader
}

// Load is shorthand for NewLoader().Load(path).
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load reads the file at path, overlays environment variables on the
// default section and validates the result. A missing file is not an
// error: the library defaults plus environment overrides apply, so an
// empty path loads from the environment alone.
func (l *Loader) Load(path string) (*Config, error) {
	if l == nil {
		l = NewLoader()
	}

	cfg := defaults()

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		if decodeErr := decodeStrict(data, cfg); decodeErr != nil {
			return nil, fmt.Errorf("parse %s: %w", path, decodeErr)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaults() *Config {
	base := retry.DefaultPolicy()

	return &Config{
		Default: PolicyConfig{
			MaxAttempts:  base.MaxAttempts,
			InitialDelay: Duration(base.InitialDelay),
			MaxDelay:     Duration(base.MaxDelay),
			Factor:       base.Factor,
			Component:    base.Component,
		},
	}
}

// decodeStrict rejects unknown keys so a typo fails the load instead of
// silently falling back to an inherited value.
func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	if raw := os.Getenv(l.key("MAX_ATTEMPTS")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return configError(fmt.Sprintf("%s must be an integer, got %q", l.key("MAX_ATTEMPTS"), raw))
		}

		cfg.Default.MaxAttempts = parsed
	}

	if raw := os.Getenv(l.key("INITIAL_DELAY")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return configError(fmt.Sprintf("%s must be a duration, got %q", l.key("INITIAL_DELAY"), raw))
		}

		cfg.Default.InitialDelay = Duration(parsed)
	}

	if raw := os.Getenv(l.key("MAX_DELAY")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return configError(fmt.Sprintf("%s must be a duration, got %q", l.key("MAX_DELAY"), raw))
		}

		cfg.Default.MaxDelay = Duration(parsed)
	}

	if raw := os.Getenv(l.key("FACTOR")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return configError(fmt.Sprintf("%s must be a number, got %q", l.key("FACTOR"), raw))
		}

		cfg.Default.Factor = parsed
	}

	if raw := os.Getenv(l.key("JITTER_FACTOR")); raw != "" {
		parsed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return configError(fmt.Sprintf("%s must be a number, got %q", l.key("JITTER_FACTOR"), raw))
		}

		cfg.Default.JitterFactor = &parsed
	}

	if raw := os.Getenv(l.key("COMPONENT")); raw != "" {
		cfg.Default.Component = raw
	}

	return nil
}

func (l *Loader) key(suffix string) string {
	return l.envPrefix + "_" + suffix
}
