// Package optimizer is the facade over the performance layer: it composes
// the cache, the rate limiter, the batch processor and the pipeline
// orchestrator, fans document batches out over a bounded worker pool, and
// owns the metrics counters the dashboard reads.
package optimizer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mailsift/mailsift/internal/analysis"
	"github.com/mailsift/mailsift/internal/batch"
	"github.com/mailsift/mailsift/internal/cache"
	"github.com/mailsift/mailsift/internal/metrics"
	"github.com/mailsift/mailsift/internal/pipeline"
	"github.com/mailsift/mailsift/internal/ratelimit"
)

// Config holds facade-level settings; component settings live with their
// packages and are wired by the caller.
type Config struct {
	// Enabled turns analysis on. When false every call returns a result
	// flagged Disabled, which downstream consumers must distinguish from
	// full degradation.
	Enabled bool

	// Workers bounds how many documents AnalyzeBatch processes at once.
	Workers int
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	cfg     Config
	orch    *pipeline.Orchestrator
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	batcher *batch.Processor
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New composes the facade from already-constructed components.
func New(
	cfg Config,
	orch *pipeline.Orchestrator,
	c *cache.Cache,
	limiter *ratelimit.Limiter,
	batcher *batch.Processor,
	reg *metrics.Registry,
	logger *slog.Logger,
) (*Optimizer, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	return &Optimizer{
		cfg:     cfg,
		orch:    orch,
		cache:   c,
		limiter: limiter,
		batcher: batcher,
		metrics: reg,
		logger:  logger.With("component", "optimizer"),
	}, nil
}

// Analyze runs the full pipeline for one document. It always returns a
// result object; failures surface only through the degradation set.
func (o *Optimizer) Analyze(ctx context.Context, doc analysis.Document) *analysis.PipelineResult {
	if !o.cfg.Enabled {
		return disabledResult(doc)
	}
	return o.orch.Run(ctx, doc)
}

// AnalyzeBatch analyzes documents concurrently over the worker pool and
// returns results in positional correspondence with the input slice.
func (o *Optimizer) AnalyzeBatch(ctx context.Context, docs []analysis.Document) []*analysis.PipelineResult {
	results := make([]*analysis.PipelineResult, len(docs))
	if len(docs) == 0 {
		return results
	}
	if !o.cfg.Enabled {
		for i, doc := range docs {
			results[i] = disabledResult(doc)
		}
		return results
	}

	workers := o.cfg.Workers
	if workers > len(docs) {
		workers = len(docs)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = o.orch.Run(ctx, docs[i])
			}
		}()
	}
	for i := range docs {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

// Metrics returns the current counter snapshot for the dashboard.
func (o *Optimizer) Metrics() metrics.Snapshot {
	o.metrics.SetRemainingBudget(o.limiter.Remaining())
	return o.metrics.Snapshot()
}

// Quota returns the rate limiter's current accounting.
func (o *Optimizer) Quota() ratelimit.QuotaState {
	return o.limiter.State()
}

// CacheStats returns the cache effectiveness counters.
func (o *Optimizer) CacheStats() cache.Stats {
	return o.cache.Stats()
}

// Close shuts down the batch processor and flushes the cache snapshot.
func (o *Optimizer) Close(ctx context.Context) error {
	o.batcher.Close()
	if err := o.cache.Close(ctx); err != nil {
		return fmt.Errorf("closing cache: %w", err)
	}
	o.logger.Info("optimizer shut down cleanly")
	return nil
}

// disabledResult marks absence-by-design: no stages ran and none degraded.
func disabledResult(doc analysis.Document) *analysis.PipelineResult {
	return &analysis.PipelineResult{
		DocumentID:     doc.ID,
		Stages:         []analysis.StageResult{},
		DegradedStages: []analysis.Stage{},
		Disabled:       true,
	}
}
