//go:build unit

package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPanicPolicy_String tests the String method for all PanicPolicy values.
func TestPanicPolicy_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		policy   PanicPolicy
		expected string
	}{
		{
			name:     "KeepRunning returns correct string",
			policy:   KeepRunning,
			expected: "KeepRunning",
		},
		{
			name:     "CrashProcess returns correct string",
			policy:   CrashProcess,
			expected: "CrashProcess",
		},
		{
			name:     "Unknown positive value returns Unknown",
			policy:   PanicPolicy(99),
			expected: "Unknown",
		},
		{
			name:     "Negative value returns Unknown",
			policy:   PanicPolicy(-1),
			expected: "Unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, tt.policy.String())
		})
	}
}

// TestPanicPolicy_IotaOrdering verifies the iota constant ordering.
func TestPanicPolicy_IotaOrdering(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, int(KeepRunning), "KeepRunning is the zero value")
	assert.Equal(t, 1, int(CrashProcess))
}

// TestPanicPolicy_ZeroValueIsSafe verifies the zero value keeps workers alive,
// so an uninitialized policy never crashes the process by accident.
func TestPanicPolicy_ZeroValueIsSafe(t *testing.T) {
	t.Parallel()

	var policy PanicPolicy

	assert.Equal(t, KeepRunning, policy)
}
