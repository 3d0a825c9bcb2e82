package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryPreset is the tunable part of a named retry policy.
type RetryPreset struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// Policy groups the knobs operators tune without a redeploy.
type Policy struct {
	CodeHostRetry RetryPreset `yaml:"code_host_retry"`
	AIRetry       RetryPreset `yaml:"ai_retry"`
}

// DefaultPolicy returns the presets used when no policy file is configured.
// The code host preset spaces attempts widely to respect secondary rate limits;
// the AI preset uses a large fixed delay (multiplier 1).
func DefaultPolicy() Policy {
	return Policy{
		CodeHostRetry: RetryPreset{
			MaxAttempts:       3,
			InitialDelay:      2 * time.Second,
			MaxDelay:          60 * time.Second,
			BackoffMultiplier: 3,
		},
		AIRetry: RetryPreset{
			MaxAttempts:       2,
			InitialDelay:      30 * time.Second,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 1,
		},
	}
}

// LoadPolicy reads a YAML policy file and overlays it on base. Keys missing from the
// file keep their base values.
func LoadPolicy(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading policy file: %w", err)
	}

	policy := base
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parsing policy file %s: %w", path, err)
	}

	for name, preset := range map[string]RetryPreset{"code_host_retry": policy.CodeHostRetry, "ai_retry": policy.AIRetry} {
		if preset.MaxAttempts < 1 {
			return Policy{}, fmt.Errorf("policy %s: max_attempts must be >= 1", name)
		}
		if preset.BackoffMultiplier < 1 {
			return Policy{}, fmt.Errorf("policy %s: backoff_multiplier must be >= 1", name)
		}
	}

	return policy, nil
}
