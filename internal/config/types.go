package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can write "90s" or "5m".
type Duration time.Duration

// D converts to the stdlib type.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// SchedulerConfig controls claiming and submission.
type SchedulerConfig struct {
	DefaultMaxRetries int      `json:"default_max_retries,omitempty"`
	PollInterval      Duration `json:"poll_interval,omitempty"`      // claim poll backoff when nothing eligible
	DefaultTimeout    Duration `json:"default_timeout,omitempty"`    // lease timeout for unprofiled task types
	GraceMargin       Duration `json:"grace_margin,omitempty"`       // added to every nominal timeout
	BoostInterval     Duration `json:"boost_interval,omitempty"`     // how often the age-boost sweep runs
	BoostP3After      Duration `json:"boost_p3_after,omitempty"`     // P3 -> P2
	BoostP2After      Duration `json:"boost_p2_after,omitempty"`     // P2 -> P1
	BoostP1After      Duration `json:"boost_p1_after,omitempty"`     // P1 -> P0
}

// HeartbeatConfig controls liveness tracking and the recovery sweep.
type HeartbeatConfig struct {
	Interval      Duration `json:"interval,omitempty"`       // how often owners renew
	SweepInterval Duration `json:"sweep_interval,omitempty"` // how often the monitor scans
	StaleAfter    Duration `json:"stale_after,omitempty"`
	DeadAfter     Duration `json:"dead_after,omitempty"`
}

// BudgetConfig sets the spend-rate limits the governor enforces.
type BudgetConfig struct {
	Window         Duration `json:"window,omitempty"`           // rolling-window length
	SoftRateLimit  float64  `json:"soft_rate_limit,omitempty"`  // per-window; logs only
	HardRateLimit  float64  `json:"hard_rate_limit,omitempty"`  // per-window; trips the kill switch
	DailyCap       float64  `json:"daily_cap,omitempty"`
}

// BreakerConfig sets per-dependency circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold uint32   `json:"failure_threshold,omitempty"` // consecutive failures to trip
	Cooldown         Duration `json:"cooldown,omitempty"`          // OPEN duration before the half-open probe
}

// ConsensusConfig selects and parameterizes the aggregation rule.
type ConsensusConfig struct {
	Rule            string   `json:"rule,omitempty"` // "majority", "weighted", "veto"
	Quorum          int      `json:"quorum,omitempty"`
	WeightThreshold float64  `json:"weight_threshold,omitempty"`
	VoteTimeout     Duration `json:"vote_timeout,omitempty"`
	VetoVoter       string   `json:"veto_voter,omitempty"`
	VetoCategories  []string `json:"veto_categories,omitempty"`
}

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval,omitempty"`
	MaxInterval         Duration `json:"max_interval,omitempty"`
	MaxElapsedTime      Duration `json:"max_elapsed_time,omitempty"`
	Multiplier          float64  `json:"multiplier,omitempty"`
	RandomizationFactor float64  `json:"randomization_factor,omitempty"`
}

// OrchestratorConfig bounds the review loop.
type OrchestratorConfig struct {
	RejectionWindow  Duration `json:"rejection_window,omitempty"`   // window for the global rejection-rate cap
	RejectionRateCap float64  `json:"rejection_rate_cap,omitempty"` // rejected/(rejected+completed) above which new rejections escalate
	ReviewDeadline   Duration `json:"review_deadline,omitempty"`    // consensus deadline per review
}

// Config is the top-level configuration.
type Config struct {
	DBPath       string             `json:"db_path,omitempty"`
	ProfilesPath string             `json:"profiles_path,omitempty"` // YAML timeout/weights file
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Heartbeat    HeartbeatConfig    `json:"heartbeat"`
	Budget       BudgetConfig       `json:"budget"`
	Breaker      BreakerConfig      `json:"breaker"`
	Consensus    ConsensusConfig    `json:"consensus"`
	Retry        RetryConfig        `json:"retry"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
}
