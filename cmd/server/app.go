package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mailsift/mailsift/internal/analysis"
	"github.com/mailsift/mailsift/internal/batch"
	"github.com/mailsift/mailsift/internal/cache"
	"github.com/mailsift/mailsift/internal/config"
	"github.com/mailsift/mailsift/internal/metrics"
	"github.com/mailsift/mailsift/internal/optimizer"
	"github.com/mailsift/mailsift/internal/pipeline"
	"github.com/mailsift/mailsift/internal/platform/gemini"
	"github.com/mailsift/mailsift/internal/ratelimit"
)

// application holds the wired components for the server process.
type application struct {
	config    *config.Config
	logger    *slog.Logger
	optimizer *optimizer.Optimizer
}

// newApplication builds every component from configuration. Construction
// is the only place misconfiguration raises; at runtime the layer degrades
// instead of failing.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	registry := metrics.NewRegistry()

	resultCache, err := cache.New(cache.Config{
		CapacityBytes: cfg.Cache.CapacityBytes,
		TTL:           cfg.Cache.TTL,
		SweepInterval: cfg.Cache.SweepInterval,
		SnapshotPath:  cfg.Cache.SnapshotPath,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("building cache: %w", err)
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		BudgetTokens:      cfg.RateLimit.BudgetTokens,
		BudgetPeriod:      cfg.RateLimit.BudgetPeriod,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("building rate limiter: %w", err)
	}

	svc, err := buildService(cfg, logger)
	if err != nil {
		return nil, err
	}

	batcher, err := batch.New(batch.Config{
		Size:          cfg.Batch.Size,
		MaxWait:       cfg.Batch.MaxWait,
		MaxConcurrent: cfg.Batch.MaxConcurrent,
		QueueSize:     cfg.Batch.QueueSize,
	}, svc, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("building batch processor: %w", err)
	}

	requiredStages := make([]analysis.Stage, 0, len(cfg.Analysis.RequiredStages))
	for _, s := range cfg.Analysis.RequiredStages {
		requiredStages = append(requiredStages, analysis.Stage(s))
	}
	specs := pipeline.DefaultSpecs(cfg.Analysis.ContextStageEnabled, requiredStages)

	orch, err := pipeline.New(resultCache, limiter, batcher, specs, pipeline.Config{
		StageTimeout: cfg.Optimizer.StageTimeout,
	}, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("building orchestrator: %w", err)
	}

	opt, err := optimizer.New(optimizer.Config{
		Enabled: cfg.Analysis.Enabled,
		Workers: cfg.Optimizer.Workers,
	}, orch, resultCache, limiter, batcher, registry, logger)
	if err != nil {
		return nil, fmt.Errorf("building optimizer: %w", err)
	}

	return &application{
		config:    cfg,
		logger:    logger,
		optimizer: opt,
	}, nil
}

// buildService returns the Gemini-backed service when analysis is enabled,
// or a stub that is never reached when it is disabled.
func buildService(cfg *config.Config, logger *slog.Logger) (analysis.Service, error) {
	if !cfg.Analysis.Enabled {
		logger.Info("analysis disabled by configuration, external service not initialized")
		return disabledService{}, nil
	}
	svc, err := gemini.New(context.Background(), logger, gemini.Config{
		APIKey: cfg.Analysis.APIKey,
		Model:  cfg.Analysis.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("building gemini service: %w", err)
	}
	return svc, nil
}

// disabledService backs the wiring when analysis is off. The optimizer
// short-circuits before any call, so reaching it is a bug worth surfacing.
type disabledService struct{}

func (disabledService) Call(context.Context, analysis.Stage, []analysis.Request) ([]analysis.Result, error) {
	return nil, fmt.Errorf("%w: analysis is disabled by configuration", analysis.ErrServiceUnavailable)
}

// cleanup releases application resources during shutdown.
func (app *application) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := app.optimizer.Close(ctx); err != nil {
		app.logger.Error("optimizer shutdown failed", "error", err)
	}
}
