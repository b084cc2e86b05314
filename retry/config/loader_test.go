//go:build unit

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "retry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Default.MaxAttempts)
	assert.Equal(t, Duration(100*time.Millisecond), cfg.Default.InitialDelay)
	assert.Equal(t, Duration(5*time.Second), cfg.Default.MaxDelay)
	assert.Equal(t, 2.0, cfg.Default.Factor)
	assert.Nil(t, cfg.Default.JitterFactor)
	assert.Empty(t, cfg.Policies)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
default:
  max_attempts: 5
  initial_delay: 200ms
  max_delay: 10s
  factor: 2.5
  component: app
policies:
  redis:
    max_attempts: 20
    initial_delay: 50ms
  reports:
    jitter_factor: 0
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Default.MaxAttempts)
	assert.Equal(t, Duration(200*time.Millisecond), cfg.Default.InitialDelay)
	assert.Equal(t, 2.5, cfg.Default.Factor)
	assert.Equal(t, "app", cfg.Default.Component)
	require.Len(t, cfg.Policies, 2)
	assert.Equal(t, 20, cfg.Policies["redis"].MaxAttempts)
	require.NotNil(t, cfg.Policies["reports"].JitterFactor)
	assert.Zero(t, *cfg.Policies["reports"].JitterFactor)

	redis := cfg.PolicyFor("redis")

	assert.Equal(t, 20, redis.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, redis.InitialDelay)
	assert.Equal(t, 10*time.Second, redis.MaxDelay)
	assert.Equal(t, "redis", redis.Component)
}

func TestLoad_EmptyFileKeepsDefaults(t *testing.T) {
	t.Parallel()

	for _, body := range []string{"", "\n", "# just a comment\n"} {
		cfg, err := Load(writeConfig(t, body))

		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Default.MaxAttempts)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "default:\n  max_atempts: 5\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
	assert.Contains(t, err.Error(), "max_atempts")
}

func TestLoad_MalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "default: [unclosed\n"))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoad_InvalidDurationInFile(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "default:\n  initial_delay: fast\n"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestLoad_ValidationFailure(t *testing.T) {
	t.Parallel()

	_, err := Load(writeConfig(t, "default:\n  factor: 0.5\n"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "factor")
}

func TestLoad_ReadFailure(t *testing.T) {
	t.Parallel()

	_, err := Load(t.TempDir())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read")
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("RETRYENV_MAX_ATTEMPTS", "7")
	t.Setenv("RETRYENV_INITIAL_DELAY", "25ms")
	t.Setenv("RETRYENV_MAX_DELAY", "2s")
	t.Setenv("RETRYENV_FACTOR", "3")
	t.Setenv("RETRYENV_JITTER_FACTOR", "0.5")
	t.Setenv("RETRYENV_COMPONENT", "batch")

	loader := NewLoader(WithEnvPrefix("RETRYENV"))

	cfg, err := loader.Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Default.MaxAttempts)
	assert.Equal(t, Duration(25*time.Millisecond), cfg.Default.InitialDelay)
	assert.Equal(t, Duration(2*time.Second), cfg.Default.MaxDelay)
	assert.Equal(t, 3.0, cfg.Default.Factor)
	require.NotNil(t, cfg.Default.JitterFactor)
	assert.Equal(t, 0.5, *cfg.Default.JitterFactor)
	assert.Equal(t, "batch", cfg.Default.Component)
}

func TestLoad_EnvAppliesAfterFile(t *testing.T) {
	t.Setenv("RETRYENV2_MAX_ATTEMPTS", "9")

	loader := NewLoader(WithEnvPrefix("RETRYENV2"))

	cfg, err := loader.Load(writeConfig(t, "default:\n  max_attempts: 5\n  component: app\n"))

	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Default.MaxAttempts)
	assert.Equal(t, "app", cfg.Default.Component)
}

func TestLoad_EnvOverrideInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "attempts not an integer", key: "MAX_ATTEMPTS", value: "seven"},
		{name: "delay not a duration", key: "INITIAL_DELAY", value: "fast"},
		{name: "factor not a number", key: "FACTOR", value: "double"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RETRYBAD_"+tt.key, tt.value)

			loader := NewLoader(WithEnvPrefix("RETRYBAD"))

			_, err := loader.Load(filepath.Join(t.TempDir(), "absent.yaml"))

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "RETRYBAD_"+tt.key)
		})
	}
}

func TestLoad_EnvValueFailsValidation(t *testing.T) {
	t.Setenv("RETRYVAL_MAX_ATTEMPTS", "-2")

	loader := NewLoader(WithEnvPrefix("RETRYVAL"))

	_, err := loader.Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max attempts")
}

func TestLoader_NilReceiver(t *testing.T) {
	t.Parallel()

	var loader *Loader

	cfg, err := loader.Load(filepath.Join(t.TempDir(), "absent.yaml"))

	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Default.MaxAttempts)
}

func TestNewLoader_IgnoresBlankPrefix(t *testing.T) {
	t.Parallel()

	loader := NewLoader(WithEnvPrefix("  "))

	assert.Equal(t, defaultEnvPrefix, loader.envPrefix)
}
