package config

import "time"

// DefaultConfig returns the built-in configuration. Config files override
// individual fields; anything they omit keeps these values.
func DefaultConfig() *Config {
	return &Config{
		DBPath: "taskplane.db",
		Scheduler: SchedulerConfig{
			DefaultMaxRetries: 3,
			PollInterval:      Duration(2 * time.Second),
			DefaultTimeout:    Duration(5 * time.Minute),
			GraceMargin:       Duration(30 * time.Second),
			BoostInterval:     Duration(15 * time.Minute),
			BoostP3After:      Duration(4 * time.Hour),
			BoostP2After:      Duration(8 * time.Hour),
			BoostP1After:      Duration(24 * time.Hour),
		},
		Heartbeat: HeartbeatConfig{
			Interval:      Duration(15 * time.Second),
			SweepInterval: Duration(30 * time.Second),
			StaleAfter:    Duration(45 * time.Second),
			DeadAfter:     Duration(5 * time.Minute),
		},
		Budget: BudgetConfig{
			Window:        Duration(time.Minute),
			SoftRateLimit: 0.50,
			HardRateLimit: 1.00,
			DailyCap:      50.00,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(30 * time.Second),
		},
		Consensus: ConsensusConfig{
			Rule:        "majority",
			Quorum:      2,
			VoteTimeout: Duration(2 * time.Minute),
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Orchestrator: OrchestratorConfig{
			RejectionWindow:  Duration(time.Hour),
			RejectionRateCap: 0.5,
			ReviewDeadline:   Duration(5 * time.Minute),
		},
	}
}
