package main

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/braind/internal/brain"
	"github.com/fyrsmithlabs/braind/internal/config"
	"github.com/fyrsmithlabs/braind/internal/consolidation"
	"github.com/fyrsmithlabs/braind/internal/docstore"
	"github.com/fyrsmithlabs/braind/internal/events"
	"github.com/fyrsmithlabs/braind/internal/guard"
	httpapi "github.com/fyrsmithlabs/braind/internal/http"
	"github.com/fyrsmithlabs/braind/internal/learning"
	"github.com/fyrsmithlabs/braind/internal/logging"
	"github.com/fyrsmithlabs/braind/internal/memory"
)

// app holds the assembled daemon: infrastructure, memory layers, and the
// front-door services built over them.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	natsConn *nats.Conn
	store    docstore.Store

	brain     *brain.Brain
	manager   *consolidation.Manager
	scheduler *consolidation.Scheduler
	server    *httpapi.Server
}

// Close releases infrastructure resources.
func (a *app) Close() {
	if a.natsConn != nil {
		a.natsConn.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync() // Best-effort sync
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadWithFile(configPath)
	}
	return config.Load()
}

// buildApp initializes everything in dependency order:
//
//  1. Configuration and logging
//  2. Document store (NATS JetStream KV, or in-process when embedded)
//  3. Persistence guard wrapping the store
//  4. Memory layers and learning components
//  5. Event publisher, consolidation manager, scheduler
//  6. Brain facade and HTTP server
func buildApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}

	if cfg.NATS.Embedded {
		a.store = docstore.NewMemoryStore()
		logger.Info("using embedded in-process store")
	} else {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.RetryOnFailedConnect(true),
			nats.MaxReconnects(5),
			nats.ReconnectWait(1*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
		}
		a.natsConn = nc

		store, err := docstore.NewNATSStore(nc, docstore.NATSStoreConfig{
			Bucket:  cfg.NATS.Bucket,
			History: uint8(cfg.NATS.History),
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open document store: %w", err)
		}
		a.store = store
		logger.Info("connected to NATS",
			zap.String("url", cfg.NATS.URL),
			zap.String("bucket", cfg.NATS.Bucket))
	}

	guarded, err := guard.New(a.store, guard.Config{
		Retry: guard.RetryConfig{
			MaxAttempts:  cfg.Guard.RetryMaxAttempts,
			InitialDelay: cfg.Guard.RetryInitialDelay,
			MaxDelay:     cfg.Guard.RetryMaxDelay,
		},
		Breaker: guard.BreakerConfig{
			FailureThreshold: cfg.Guard.BreakerThreshold,
			RecoveryTimeout:  cfg.Guard.BreakerRecovery,
		},
		Limiter: guard.LimiterConfig{
			PerCallerRate:  cfg.Guard.CallerRate,
			PerCallerBurst: cfg.Guard.CallerBurst,
			GlobalRate:     cfg.Guard.GlobalRate,
			GlobalBurst:    cfg.Guard.GlobalBurst,
		},
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build persistence guard: %w", err)
	}

	working := memory.NewWorkingMemory(memory.WorkingConfig{
		MaxPredictions:    cfg.Memory.WorkingMaxPredictions,
		MinOutcomeLatency: cfg.Memory.MinOutcomeLatency,
	}, logger)
	episodic := memory.NewEpisodicStore(guarded, memory.EpisodicConfig{
		DecayRate:          cfg.Memory.EpisodeDecayRate,
		RelevanceThreshold: cfg.Memory.EpisodeRelevanceMin,
		ArchiveAfter:       cfg.Memory.EpisodeArchiveAfter,
		PurgeAfter:         cfg.Memory.EpisodePurgeAfter,
	}, logger)
	semantic := memory.NewSemanticStore(guarded, memory.SemanticConfig{
		PriorConfidence: cfg.Memory.PatternPrior,
		ConfidenceMin:   cfg.Memory.ConfidenceMin,
		ConfidenceMax:   cfg.Memory.ConfidenceMax,
		DecayRate:       cfg.Memory.PatternDecayRate,
		MergeTolerance:  cfg.Memory.MergeTolerance,
		TrustEvidence:   cfg.Memory.TrustEvidence,
		ForgetBelow:     cfg.Memory.ForgetBelow,
	}, logger)
	procedural := memory.NewProceduralStore(guarded, logger)

	state := learning.NewStateStore(guarded, learning.StateConfig{
		WeightMin:     cfg.Learning.WeightMin,
		WeightMax:     cfg.Learning.WeightMax,
		BaseRate:      cfg.Learning.BaseRate,
		MinRate:       cfg.Learning.MinRate,
		DecayConstant: cfg.Learning.RateDecayConstant,
	}, logger)

	skillDefaults, err := parseSkillDefaults(cfg.Learning.SkillDefaults)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid skill defaults: %w", err)
	}

	predictor := learning.NewPredictor(semantic, procedural, learning.PredictorConfig{
		ExplorationRate:      cfg.Learning.ExplorationRate,
		UncertaintyThreshold: cfg.Learning.UncertaintyThreshold,
		MatchTolerance:       cfg.Learning.MatchTolerance,
		ExploreNoise:         cfg.Learning.ExploreNoise,
		SkillDefaults:        skillDefaults,
	}, logger)
	learner := learning.NewLearner(semantic, state, nil, learning.LearnerConfig{
		WindowSize:     cfg.Learning.DriftWindow,
		DriftThreshold: cfg.Learning.DriftThreshold,
	}, logger)

	var managerOpts []consolidation.ManagerOption
	if a.natsConn != nil {
		publisher, err := events.NewPublisher(a.natsConn, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("build event publisher: %w", err)
		}
		learner.OnDrift(publisher.DriftDetected)
		managerOpts = append(managerOpts, consolidation.WithEventSink(publisher))
	}

	manager, err := consolidation.NewManager(episodic, semantic, procedural, consolidation.ManagerConfig{
		MinEpisodes:          cfg.Consolidation.MinEpisodes,
		MinSkills:            cfg.Consolidation.MinSkills,
		CrossSkillConfidence: cfg.Consolidation.CrossSkillConfidence,
		MaxParallelTenants:   cfg.Consolidation.MaxParallelTenants,
	}, logger, managerOpts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build consolidation manager: %w", err)
	}
	a.manager = manager

	scheduler, err := consolidation.NewScheduler(manager, logger,
		consolidation.WithInterval(cfg.Consolidation.Interval),
		consolidation.WithRunTimeout(cfg.Consolidation.RunTimeout),
		consolidation.WithTenants(cfg.Consolidation.Tenants),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build consolidation scheduler: %w", err)
	}
	a.scheduler = scheduler

	b, err := brain.New(working, episodic, predictor, learner, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build brain: %w", err)
	}
	a.brain = b

	server, err := httpapi.NewServer(b, manager, logger, &httpapi.Config{
		Port: cfg.Server.Port,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build http server: %w", err)
	}
	a.server = server

	return a, nil
}

// parseSkillDefaults validates the raw per-skill starting parameters from
// configuration into typed contexts.
func parseSkillDefaults(raw map[string]map[string]any) (map[string]memory.Context, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	defaults := make(map[string]memory.Context, len(raw))
	for skill, params := range raw {
		parsed, err := memory.ParseContext(params)
		if err != nil {
			return nil, fmt.Errorf("skill %s: %w", skill, err)
		}
		defaults[skill] = parsed
	}
	return defaults, nil
}
