// Package pipeline runs the fixed multi-stage analysis for one document:
// task extraction, sentiment, optional context, metadata enhancement.
// Each stage consults the cache first and otherwise routes through the
// rate limiter and the batch processor to the external service. Stage
// failures never raise: they are absorbed into the result's degradation
// set and the pipeline carries on with its best effort.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mailsift/mailsift/internal/analysis"
	"github.com/mailsift/mailsift/internal/batch"
	"github.com/mailsift/mailsift/internal/cache"
	"github.com/mailsift/mailsift/internal/metrics"
	"github.com/mailsift/mailsift/internal/ratelimit"
)

// costOverheadTokens is the pessimistic per-request token charge on top of
// the payload estimate, covering prompt scaffolding and the response.
const costOverheadTokens = 16

// StageSpec describes one pipeline stage: its name, whether failure is
// tolerated without warning, and a pure function assembling the stage
// payload from the document and the outputs of earlier stages.
type StageSpec struct {
	Stage    analysis.Stage
	Optional bool
	Build    func(doc analysis.Document, prior map[analysis.Stage]map[string]any) string
}

// Config holds orchestrator settings.
type Config struct {
	// StageTimeout bounds every wait a single stage performs: limiter
	// acquisition, batch formation, slot wait and the external call.
	StageTimeout time.Duration
}

// Orchestrator sequences the stages for one document at a time. Independent
// documents run concurrently through separate Run calls; all shared state
// lives behind the cache, limiter and batcher.
type Orchestrator struct {
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	batcher *batch.Processor
	specs   []StageSpec
	cfg     Config
	metrics *metrics.Registry
	logger  *slog.Logger
}

// New builds an orchestrator over the given components and stage list.
func New(
	c *cache.Cache,
	limiter *ratelimit.Limiter,
	batcher *batch.Processor,
	specs []StageSpec,
	cfg Config,
	reg *metrics.Registry,
	logger *slog.Logger,
) (*Orchestrator, error) {
	if cfg.StageTimeout <= 0 {
		return nil, fmt.Errorf("stage timeout must be positive, got %s", cfg.StageTimeout)
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	return &Orchestrator{
		cache:   c,
		limiter: limiter,
		batcher: batcher,
		specs:   specs,
		cfg:     cfg,
		metrics: reg,
		logger:  logger.With("component", "pipeline"),
	}, nil
}

// Run executes every configured stage in order and always returns a
// PipelineResult; the degradation set enumerates whatever failed.
func (o *Orchestrator) Run(ctx context.Context, doc analysis.Document) *analysis.PipelineResult {
	result := &analysis.PipelineResult{
		DocumentID:     doc.ID,
		DegradedStages: []analysis.Stage{},
	}
	prior := make(map[analysis.Stage]map[string]any)

	for _, spec := range o.specs {
		start := time.Now()
		sr := o.runStage(ctx, doc, spec, prior)
		sr.Latency = time.Since(start)
		o.metrics.ObserveStageLatency(spec.Stage, sr.Latency)

		result.Stages = append(result.Stages, sr)
		if sr.Degraded {
			result.DegradedStages = append(result.DegradedStages, spec.Stage)
			level := slog.LevelInfo
			if !spec.Optional {
				level = slog.LevelWarn
			}
			o.logger.Log(ctx, level, "stage degraded",
				"document_id", doc.ID,
				"stage", string(spec.Stage),
				"optional", spec.Optional,
				"error", sr.Error)
			continue
		}
		prior[spec.Stage] = sr.Output
	}

	result.Confidence = float64(len(result.Stages)-len(result.DegradedStages)) / float64(len(result.Stages))
	return result
}

// runStage executes a single stage: cache, then limiter, then batcher.
func (o *Orchestrator) runStage(
	ctx context.Context,
	doc analysis.Document,
	spec StageSpec,
	prior map[analysis.Stage]map[string]any,
) analysis.StageResult {
	payload := spec.Build(doc, prior)
	fingerprint := analysis.Fingerprint(spec.Stage, payload)

	if cached, ok := o.cache.Get(fingerprint); ok {
		o.metrics.CacheHit()
		return analysis.StageResult{
			Stage:     spec.Stage,
			Output:    cached.Output,
			FromCache: true,
		}
	}
	o.metrics.CacheMiss()

	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()
	deadline, _ := stageCtx.Deadline()

	grant, err := o.limiter.Acquire(stageCtx, estimateCost(payload))
	if err != nil {
		switch {
		case errors.Is(err, ratelimit.ErrBudgetExhausted):
			o.metrics.BudgetExhaustion()
		case errors.Is(err, ratelimit.ErrRateLimitExceeded):
			o.metrics.RateLimitRejection()
		}
		return degraded(spec.Stage, err)
	}

	req := analysis.Request{
		ID:          uuid.New(),
		Fingerprint: fingerprint,
		Stage:       spec.Stage,
		Payload:     payload,
		SubmittedAt: time.Now(),
		Deadline:    deadline,
	}

	outCh, err := o.batcher.Submit(stageCtx, req)
	if err != nil {
		grant.Reconcile(0)
		return degraded(spec.Stage, err)
	}

	var outcome batch.Outcome
	select {
	case outcome = <-outCh:
	case <-stageCtx.Done():
		// Pull the request out of its forming batch, or mark its result
		// for discard if the batch already went out. Either way the
		// shared batch is left intact.
		o.batcher.Cancel(req.ID)
		grant.Reconcile(0)
		o.updateBudgetGauge()
		return degraded(spec.Stage, fmt.Errorf("%w: %v", analysis.ErrTimeout, stageCtx.Err()))
	}

	if outcome.Err != nil {
		grant.Reconcile(0)
		o.updateBudgetGauge()
		return degraded(spec.Stage, outcome.Err)
	}

	grant.Reconcile(outcome.Result.TokensUsed)
	o.updateBudgetGauge()

	if err := o.cache.Put(fingerprint, outcome.Result); err != nil {
		// An oversized or unserializable entry is not a stage failure;
		// the result is simply not cached.
		o.logger.Warn("could not cache stage result",
			"stage", string(spec.Stage),
			"fingerprint", fingerprint,
			"error", err)
	}

	return analysis.StageResult{
		Stage:  spec.Stage,
		Output: outcome.Result.Output,
	}
}

func (o *Orchestrator) updateBudgetGauge() {
	o.metrics.SetRemainingBudget(o.limiter.Remaining())
}

// degraded builds the failure-shaped stage result.
func degraded(stage analysis.Stage, err error) analysis.StageResult {
	return analysis.StageResult{
		Stage:    stage,
		Degraded: true,
		Error:    err.Error(),
	}
}

// estimateCost is the pessimistic token charge for a payload, reconciled
// against the service-reported cost after the call.
func estimateCost(payload string) int64 {
	return int64(len(payload)/4) + costOverheadTokens
}

// DefaultSpecs returns the standard stage list. The context stage is
// included only when enabled; stages named in requiredStages are marked
// non-optional. Payload builders fold earlier stage outputs in through
// json.Marshal, which sorts map keys, so payloads (and therefore
// fingerprints) are deterministic.
func DefaultSpecs(contextEnabled bool, requiredStages []analysis.Stage) []StageSpec {
	required := make(map[analysis.Stage]bool, len(requiredStages))
	for _, s := range requiredStages {
		required[s] = true
	}

	specs := []StageSpec{
		{
			Stage:    analysis.StageExtractTasks,
			Optional: !required[analysis.StageExtractTasks],
			Build: func(doc analysis.Document, _ map[analysis.Stage]map[string]any) string {
				return doc.Subject + "\n" + doc.From + "\n" + doc.Body
			},
		},
		{
			Stage:    analysis.StageSentiment,
			Optional: !required[analysis.StageSentiment],
			Build: func(doc analysis.Document, _ map[analysis.Stage]map[string]any) string {
				return doc.Subject + "\n" + doc.Body
			},
		},
	}

	if contextEnabled {
		specs = append(specs, StageSpec{
			Stage:    analysis.StageContext,
			Optional: !required[analysis.StageContext],
			Build: func(doc analysis.Document, prior map[analysis.Stage]map[string]any) string {
				return doc.Body + "\n" + encodePrior(prior, analysis.StageExtractTasks)
			},
		})
	}

	specs = append(specs, StageSpec{
		Stage:    analysis.StageMetadata,
		Optional: !required[analysis.StageMetadata],
		Build: func(doc analysis.Document, prior map[analysis.Stage]map[string]any) string {
			return doc.Subject + "\n" + doc.From + "\n" + doc.Body + "\n" +
				encodePrior(prior, analysis.StageExtractTasks, analysis.StageSentiment)
		},
	})

	return specs
}

// encodePrior serializes selected earlier stage outputs for inclusion in a
// later stage's payload. Missing (degraded) outputs are skipped; the later
// stage then runs on the document alone.
func encodePrior(prior map[analysis.Stage]map[string]any, stages ...analysis.Stage) string {
	out := ""
	for _, stage := range stages {
		output, ok := prior[stage]
		if !ok {
			continue
		}
		encoded, err := json.Marshal(output)
		if err != nil {
			continue
		}
		out += string(stage) + ":" + string(encoded) + "\n"
	}
	return out
}
