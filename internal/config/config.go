// Package config provides configuration loading for braind.
//
// Configuration is loaded from a YAML file and overridden by environment
// variables, with hardcoded defaults for anything left unset.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete braind configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	NATS          NATSConfig          `koanf:"nats"`
	Guard         GuardConfig         `koanf:"guard"`
	Memory        MemoryConfig        `koanf:"memory"`
	Learning      LearningConfig      `koanf:"learning"`
	Consolidation ConsolidationConfig `koanf:"consolidation"`
	Logging       LoggingConfig       `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// NATSConfig holds the connection and bucket settings for the durable
// document store and event publishing.
type NATSConfig struct {
	URL     string `koanf:"url"`
	Bucket  string `koanf:"bucket"`
	History int    `koanf:"history"`
	// Embedded runs an in-process store instead of connecting to NATS,
	// for single-node and development use.
	Embedded bool `koanf:"embedded"`
}

// GuardConfig holds the persistence guard settings.
type GuardConfig struct {
	RetryMaxAttempts  int           `koanf:"retry_max_attempts"`
	RetryInitialDelay time.Duration `koanf:"retry_initial_delay"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay"`
	BreakerThreshold  int           `koanf:"breaker_threshold"`
	BreakerRecovery   time.Duration `koanf:"breaker_recovery"`
	CallerRate        float64       `koanf:"caller_rate"`
	CallerBurst       int           `koanf:"caller_burst"`
	GlobalRate        float64       `koanf:"global_rate"`
	GlobalBurst       int           `koanf:"global_burst"`
}

// MemoryConfig holds the memory-layer tunables.
type MemoryConfig struct {
	WorkingMaxPredictions int `koanf:"working_max_predictions"`
	// MinOutcomeLatency rejects outcomes reported sooner than this after
	// their prediction. Zero disables the check.
	MinOutcomeLatency   time.Duration `koanf:"min_outcome_latency"`
	EpisodeDecayRate    float64       `koanf:"episode_decay_rate"`
	EpisodeRelevanceMin float64       `koanf:"episode_relevance_min"`
	EpisodeArchiveAfter time.Duration `koanf:"episode_archive_after"`
	EpisodePurgeAfter   time.Duration `koanf:"episode_purge_after"`
	PatternPrior        float64       `koanf:"pattern_prior"`
	ConfidenceMin       float64       `koanf:"confidence_min"`
	ConfidenceMax       float64       `koanf:"confidence_max"`
	PatternDecayRate    float64       `koanf:"pattern_decay_rate"`
	MergeTolerance      float64       `koanf:"merge_tolerance"`
	TrustEvidence       int           `koanf:"trust_evidence"`
	ForgetBelow         float64       `koanf:"forget_below"`
}

// LearningConfig holds the predictor and learner tunables.
type LearningConfig struct {
	ExplorationRate      float64 `koanf:"exploration_rate"`
	UncertaintyThreshold float64 `koanf:"uncertainty_threshold"`
	MatchTolerance       float64 `koanf:"match_tolerance"`
	ExploreNoise         float64 `koanf:"explore_noise"`
	DriftWindow          int     `koanf:"drift_window"`
	DriftThreshold       float64 `koanf:"drift_threshold"`
	WeightMin            float64 `koanf:"weight_min"`
	WeightMax            float64 `koanf:"weight_max"`
	BaseRate             float64 `koanf:"base_rate"`
	MinRate              float64 `koanf:"min_rate"`
	RateDecayConstant    float64 `koanf:"rate_decay_constant"`
	// SkillDefaults are the per-skill starting parameters used during
	// exploration, as raw scalars validated at startup.
	SkillDefaults map[string]map[string]any `koanf:"skill_defaults"`
}

// ConsolidationConfig holds the batch cycle settings.
type ConsolidationConfig struct {
	Interval             time.Duration `koanf:"interval"`
	RunTimeout           time.Duration `koanf:"run_timeout"`
	MinEpisodes          int           `koanf:"min_episodes"`
	MinSkills            int           `koanf:"min_skills"`
	CrossSkillConfidence float64       `koanf:"cross_skill_confidence"`
	MaxParallelTenants   int           `koanf:"max_parallel_tenants"`
	Tenants              []string      `koanf:"tenants"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Bucket == "" {
		cfg.NATS.Bucket = "braind"
	}
	if cfg.NATS.History == 0 {
		cfg.NATS.History = 5
	}

	if cfg.Guard.RetryMaxAttempts == 0 {
		cfg.Guard.RetryMaxAttempts = 4
	}
	if cfg.Guard.RetryInitialDelay == 0 {
		cfg.Guard.RetryInitialDelay = 100 * time.Millisecond
	}
	if cfg.Guard.RetryMaxDelay == 0 {
		cfg.Guard.RetryMaxDelay = 5 * time.Second
	}
	if cfg.Guard.BreakerThreshold == 0 {
		cfg.Guard.BreakerThreshold = 5
	}
	if cfg.Guard.BreakerRecovery == 0 {
		cfg.Guard.BreakerRecovery = 60 * time.Second
	}
	if cfg.Guard.CallerRate == 0 {
		cfg.Guard.CallerRate = 50
	}
	if cfg.Guard.CallerBurst == 0 {
		cfg.Guard.CallerBurst = 100
	}

	if cfg.Memory.WorkingMaxPredictions == 0 {
		cfg.Memory.WorkingMaxPredictions = 1000
	}
	if cfg.Memory.EpisodeDecayRate == 0 {
		cfg.Memory.EpisodeDecayRate = 0.95
	}
	if cfg.Memory.EpisodeRelevanceMin == 0 {
		cfg.Memory.EpisodeRelevanceMin = 0.1
	}
	if cfg.Memory.EpisodeArchiveAfter == 0 {
		cfg.Memory.EpisodeArchiveAfter = 30 * 24 * time.Hour
	}
	if cfg.Memory.EpisodePurgeAfter == 0 {
		cfg.Memory.EpisodePurgeAfter = 90 * 24 * time.Hour
	}
	if cfg.Memory.PatternPrior == 0 {
		cfg.Memory.PatternPrior = 0.5
	}
	if cfg.Memory.ConfidenceMin == 0 {
		cfg.Memory.ConfidenceMin = 0.1
	}
	if cfg.Memory.ConfidenceMax == 0 {
		cfg.Memory.ConfidenceMax = 0.95
	}
	if cfg.Memory.PatternDecayRate == 0 {
		cfg.Memory.PatternDecayRate = 0.99
	}
	if cfg.Memory.MergeTolerance == 0 {
		cfg.Memory.MergeTolerance = 0.2
	}
	if cfg.Memory.TrustEvidence == 0 {
		cfg.Memory.TrustEvidence = 10
	}
	if cfg.Memory.ForgetBelow == 0 {
		cfg.Memory.ForgetBelow = 0.2
	}

	if cfg.Learning.ExplorationRate == 0 {
		cfg.Learning.ExplorationRate = 0.15
	}
	if cfg.Learning.UncertaintyThreshold == 0 {
		cfg.Learning.UncertaintyThreshold = 0.4
	}
	if cfg.Learning.MatchTolerance == 0 {
		cfg.Learning.MatchTolerance = 0.3
	}
	if cfg.Learning.ExploreNoise == 0 {
		cfg.Learning.ExploreNoise = 0.2
	}
	if cfg.Learning.DriftWindow == 0 {
		cfg.Learning.DriftWindow = 20
	}
	if cfg.Learning.DriftThreshold == 0 {
		cfg.Learning.DriftThreshold = 2.0
	}
	if cfg.Learning.WeightMax == 0 {
		cfg.Learning.WeightMax = 2.0
	}
	if cfg.Learning.BaseRate == 0 {
		cfg.Learning.BaseRate = 0.1
	}
	if cfg.Learning.MinRate == 0 {
		cfg.Learning.MinRate = 0.01
	}
	if cfg.Learning.RateDecayConstant == 0 {
		cfg.Learning.RateDecayConstant = 0.01
	}

	if cfg.Consolidation.Interval == 0 {
		cfg.Consolidation.Interval = 24 * time.Hour
	}
	if cfg.Consolidation.RunTimeout == 0 {
		cfg.Consolidation.RunTimeout = time.Hour
	}
	if cfg.Consolidation.MinEpisodes == 0 {
		cfg.Consolidation.MinEpisodes = 3
	}
	if cfg.Consolidation.MinSkills == 0 {
		cfg.Consolidation.MinSkills = 2
	}
	if cfg.Consolidation.CrossSkillConfidence == 0 {
		cfg.Consolidation.CrossSkillConfidence = 0.6
	}
	if cfg.Consolidation.MaxParallelTenants == 0 {
		cfg.Consolidation.MaxParallelTenants = 4
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks cross-field constraints the defaults cannot fix.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be in [1, 65535], got %d", c.Server.Port)
	}
	if c.Memory.ConfidenceMin >= c.Memory.ConfidenceMax {
		return fmt.Errorf("memory.confidence_min (%v) must be below confidence_max (%v)",
			c.Memory.ConfidenceMin, c.Memory.ConfidenceMax)
	}
	if c.Memory.EpisodeDecayRate <= 0 || c.Memory.EpisodeDecayRate > 1 {
		return fmt.Errorf("memory.episode_decay_rate must be in (0, 1], got %v", c.Memory.EpisodeDecayRate)
	}
	if c.Memory.PatternDecayRate <= 0 || c.Memory.PatternDecayRate > 1 {
		return fmt.Errorf("memory.pattern_decay_rate must be in (0, 1], got %v", c.Memory.PatternDecayRate)
	}
	if c.Learning.ExplorationRate < 0 || c.Learning.ExplorationRate > 1 {
		return fmt.Errorf("learning.exploration_rate must be in [0, 1], got %v", c.Learning.ExplorationRate)
	}
	if c.Learning.WeightMin >= c.Learning.WeightMax {
		return fmt.Errorf("learning.weight_min (%v) must be below weight_max (%v)",
			c.Learning.WeightMin, c.Learning.WeightMax)
	}
	if c.Consolidation.MinSkills < 2 {
		return fmt.Errorf("consolidation.min_skills must be at least 2, got %d", c.Consolidation.MinSkills)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
