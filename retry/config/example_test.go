//go:build unit

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

func ExampleConfig_PolicyFor() {
	cfg := &Config{
		Default: PolicyConfig{
			MaxAttempts:  5,
			InitialDelay: Duration(200 * time.Millisecond),
			MaxDelay:     Duration(10 * time.Second),
			Factor:       2,
		},
		Policies: map[string]PolicyConfig{
			"redis": {MaxAttempts: 20, InitialDelay: Duration(50 * time.Millisecond)},
		},
	}

	policy := cfg.PolicyFor("redis")

	fmt.Printf("component=%s attempts=%d initial=%s max=%s\n",
		policy.Component, policy.MaxAttempts, policy.InitialDelay, policy.MaxDelay)
	// Output:
	// component=redis attempts=20 initial=50ms max=10s
}

func ExampleLoad() {
	dir, err := os.MkdirTemp("", "retry-config")
	if err != nil {
		fmt.Println("temp dir:", err)
		return
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "retry.yaml")
	body := []byte("default:\n  max_attempts: 4\npolicies:\n  reports:\n    max_attempts: 2\n")

	if err := os.WriteFile(path, body, 0o600); err != nil {
		fmt.Println("write:", err)
		return
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Println("load:", err)
		return
	}

	fmt.Println("default attempts:", cfg.Default.MaxAttempts)
	fmt.Println("reports attempts:", cfg.PolicyFor("reports").MaxAttempts)
	// Output:
	// default attempts: 4
	// reports attempts: 2
}
