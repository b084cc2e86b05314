package config

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LerianStudio/lib-retry/retry"
	"github.com/LerianStudio/lib-retry/retry/backoff"
)

var (
	// ErrInvalidConfig indicates the loaded retry configuration is invalid.
	ErrInvalidConfig = errors.New("invalid retry config")

	// ErrInvalidDuration indicates a duration field could not be parsed.
	ErrInvalidDuration = errors.New("invalid duration")
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// ("200ms", "1.5s"). Bare numbers are nanoseconds, matching time.Duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Tag {
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDuration, value.Value)
		}

		*d = Duration(parsed)

		return nil
	case "!!int":
		parsed, err := strconv.ParseInt(value.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDuration, value.Value)
		}

		*d = Duration(parsed)

		return nil
	case "!!float":
		parsed, err := strconv.ParseFloat(value.Value, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidDuration, value.Value)
		}

		*d = Duration(parsed)

		return nil
	default:
		return fmt.Errorf("%w: unsupported yaml node %s", ErrInvalidDuration, value.Tag)
	}
}

// MarshalYAML implements yaml.Marshaler, emitting the duration string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// String returns the duration string form.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// PolicyConfig is one retry policy as it appears in a config file. Fields
// left unset inherit from the default section, and anything still unset
// falls back to the library defaults when the policy is used.
type PolicyConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Factor       float64  `yaml:"factor"`
	// JitterFactor is a pointer so an explicit zero (jitter disabled) is
	// distinguishable from an unset field (inherit the default spread).
	JitterFactor *float64 `yaml:"jitter_factor"`
	Component    string   `yaml:"component"`
}

func (p PolicyConfig) validate(scope string) error {
	if p.MaxAttempts < 0 {
		return configError(fmt.Sprintf("%s: max attempts must be non-negative, got %d", scope, p.MaxAttempts))
	}

	if p.InitialDelay < 0 {
		return configError(fmt.Sprintf("%s: initial delay must be non-negative, got %v", scope, time.Duration(p.InitialDelay)))
	}

	if p.MaxDelay < 0 {
		return configError(fmt.Sprintf("%s: max delay must be non-negative, got %v", scope, time.Duration(p.MaxDelay)))
	}

	if p.InitialDelay > 0 && p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		return configError(fmt.Sprintf("%s: initial delay %v exceeds max delay %v", scope, time.Duration(p.InitialDelay), time.Duration(p.MaxDelay)))
	}

	if p.Factor != 0 && (math.IsNaN(p.Factor) || math.IsInf(p.Factor, 0) || p.Factor < 1) {
		return configError(fmt.Sprintf("%s: factor must be finite and at least 1, got %v", scope, p.Factor))
	}

	if p.JitterFactor != nil {
		jitter := *p.JitterFactor
		if math.IsNaN(jitter) || math.IsInf(jitter, 0) || jitter < 0 {
			return configError(fmt.Sprintf("%s: jitter factor must be finite and non-negative, got %v", scope, jitter))
		}
	}

	return nil
}

func (p PolicyConfig) toPolicy() retry.Policy {
	policy := retry.Policy{
		MaxAttempts:  p.MaxAttempts,
		InitialDelay: time.Duration(p.InitialDelay),
		MaxDelay:     time.Duration(p.MaxDelay),
		Factor:       p.Factor,
		Component:    p.Component,
	}

	if p.JitterFactor != nil {
		if *p.JitterFactor > 0 {
			policy.JitterFactor = *p.JitterFactor
		} else {
			// A zero policy field means "use the default spread", so an
			// explicit zero has to travel as a scheduler option instead.
			policy.SchedulerOptions = append(policy.SchedulerOptions, backoff.WithJitterFactor(0))
		}
	}

	return policy
}

// overlay returns base with every field that over sets replacing the
// inherited value.
func overlay(base, over PolicyConfig) PolicyConfig {
	merged := base

	if over.MaxAttempts > 0 {
		merged.MaxAttempts = over.MaxAttempts
	}

	if over.InitialDelay > 0 {
		merged.InitialDelay = over.InitialDelay
	}

	if over.MaxDelay > 0 {
		merged.MaxDelay = over.MaxDelay
	}

	if over.Factor > 0 {
		merged.Factor = over.Factor
	}

	if over.JitterFactor != nil {
		merged.JitterFactor = over.JitterFactor
	}

	if strings.TrimSpace(over.Component) != "" {
		merged.Component = over.Component
	}

	return merged
}

// Config is a loaded retry configuration: a default policy plus named
// per-component overrides.
type Config struct {
	Default  PolicyConfig            `yaml:"default"`
	Policies map[string]PolicyConfig `yaml:"policies"`
}

// Validate checks every policy section and returns an ErrInvalidConfig-wrapped
// error naming the first violation.
func (c *Config) Validate() error {
	if c == nil {
		return configError("config is nil")
	}

	if err := c.Default.validate("default"); err != nil {
		return err
	}

	for _, name := range slices.Sorted(maps.Keys(c.Policies)) {
		if err := c.Policies[name].validate(fmt.Sprintf("policies[%q]", name)); err != nil {
			return err
		}
	}

	return nil
}

// DefaultPolicy returns the default section as a retry policy.
func (c *Config) DefaultPolicy() retry.Policy {
	if c == nil {
		return retry.DefaultPolicy()
	}

	return c.Default.toPolicy()
}

// PolicyFor returns the policy for the named component: the named section
// overlaid on the default section. Unknown names get the default policy.
// The name becomes the policy component unless the named section sets one
// explicitly, so attempt logs stay attributable without any caller wiring.
func (c *Config) PolicyFor(name string) retry.Policy {
	name = strings.TrimSpace(name)

	if c == nil {
		policy := retry.DefaultPolicy()
		if name != "" {
			policy.Component = name
		}

		return policy
	}

	merged := c.Default

	if named, ok := c.Policies[name]; ok {
		merged = overlay(merged, named)

		if strings.TrimSpace(named.Component) == "" {
			merged.Component = name
		}
	} else if name != "" {
		merged.Component = name
	}

	return merged.toPolicy()
}

func configError(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
