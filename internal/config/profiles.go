package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profiles holds the operator-tuned lookup tables: per-task-type lease
// timeouts for the heartbeat monitor and per-voter weights for weighted
// consensus. Kept in YAML so operators can edit them without touching the
// main config.
type Profiles struct {
	// Timeouts maps task type -> nominal execution timeout. A task's lease
	// duration is its nominal timeout plus the scheduler grace margin.
	Timeouts map[string]Duration `yaml:"timeouts"`

	// VoterWeights maps voter id -> weight for the weighted consensus rule.
	VoterWeights map[string]float64 `yaml:"voter_weights"`
}

// LoadProfiles reads a YAML profiles file. A missing file returns empty
// profiles, not an error; callers fall back to configured defaults.
func LoadProfiles(path string) (*Profiles, error) {
	p := &Profiles{
		Timeouts:     make(map[string]Duration),
		VoterWeights: make(map[string]float64),
	}
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if p.Timeouts == nil {
		p.Timeouts = make(map[string]Duration)
	}
	if p.VoterWeights == nil {
		p.VoterWeights = make(map[string]float64)
	}
	return p, nil
}
