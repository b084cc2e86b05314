package circuitbreaker

import (
	"fmt"
	"math"
	"time"
)

// Config bounds one circuit breaker. The zero value of every field means
// "use the default".
type Config struct {
	// MaxRequests caps the probe requests allowed while half-open.
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts while closed.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing half-open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker regardless of the ratio.
	ConsecutiveFailures uint32
	// FailureRatio trips the breaker once MinRequests have been observed.
	FailureRatio float64
	// MinRequests is the sample floor before the ratio is consulted.
	MinRequests uint32
}

// DefaultConfig provides balanced settings for most services.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 15,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// AggressiveConfig trips quickly, for services where fast failure
// detection matters more than tolerance.
func AggressiveConfig() Config {
	return Config{
		MaxRequests:         2,
		Interval:            1 * time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.4,
		MinRequests:         5,
	}
}

// ConservativeConfig tolerates more failures before tripping.
func ConservativeConfig() Config {
	return Config{
		MaxRequests:         5,
		Interval:            5 * time.Minute,
		Timeout:             60 * time.Second,
		ConsecutiveFailures: 25,
		FailureRatio:        0.6,
		MinRequests:         20,
	}
}

// DatabaseConfig suits database connections: transient network blips
// should not trip the breaker, and probes get a longer timeout.
func DatabaseConfig() Config {
	return Config{
		MaxRequests:         5,
		Interval:            3 * time.Minute,
		Timeout:             45 * time.Second,
		ConsecutiveFailures: 20,
		FailureRatio:        0.6,
		MinRequests:         15,
	}
}

func (c *Config) normalize() {
	defaults := DefaultConfig()

	if c.MaxRequests == 0 {
		c.MaxRequests = defaults.MaxRequests
	}

	if c.Interval == 0 {
		c.Interval = defaults.Interval
	}

	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}

	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = defaults.ConsecutiveFailures
	}

	if c.FailureRatio == 0 {
		c.FailureRatio = defaults.FailureRatio
	}

	if c.MinRequests == 0 {
		c.MinRequests = defaults.MinRequests
	}
}

func (c Config) validate() error {
	if c.Interval < 0 {
		return configError(fmt.Sprintf("interval must be non-negative, got %v", c.Interval))
	}

	if c.Timeout < 0 {
		return configError(fmt.Sprintf("timeout must be non-negative, got %v", c.Timeout))
	}

	if math.IsNaN(c.FailureRatio) || c.FailureRatio < 0 || c.FailureRatio > 1 {
		return configError(fmt.Sprintf("failure ratio must be within (0, 1], got %v", c.FailureRatio))
	}

	return nil
}
