// Package metrics collects the counters and gauges the performance layer
// produces. The dashboard is a read-only consumer of Snapshot; nothing in
// the core depends on it.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/mailsift/mailsift/internal/analysis"
)

// latencyRecorder accumulates total latency and sample count for one stage.
type latencyRecorder struct {
	totalNS atomic.Int64
	count   atomic.Int64
}

// Registry holds the layer's counters. All updates are atomic; the stage
// map is built once at construction and never mutated, so reads need no lock.
type Registry struct {
	cacheHits           atomic.Int64
	cacheMisses         atomic.Int64
	rateLimitRejections atomic.Int64
	budgetExhaustions   atomic.Int64
	externalCalls       atomic.Int64
	batchesDispatched   atomic.Int64
	remainingBudget     atomic.Int64

	stageLatency map[analysis.Stage]*latencyRecorder
}

// NewRegistry creates a registry with a latency recorder per pipeline stage.
func NewRegistry() *Registry {
	r := &Registry{
		stageLatency: make(map[analysis.Stage]*latencyRecorder, len(analysis.PipelineStages)),
	}
	for _, stage := range analysis.PipelineStages {
		r.stageLatency[stage] = &latencyRecorder{}
	}
	return r
}

// CacheHit increments the cache hit counter.
func (r *Registry) CacheHit() { r.cacheHits.Add(1) }

// CacheMiss increments the cache miss counter.
func (r *Registry) CacheMiss() { r.cacheMisses.Add(1) }

// RateLimitRejection counts an acquire that timed out waiting for a slot.
func (r *Registry) RateLimitRejection() { r.rateLimitRejections.Add(1) }

// BudgetExhaustion counts an acquire refused because the period budget
// could not cover the request.
func (r *Registry) BudgetExhaustion() { r.budgetExhaustions.Add(1) }

// ExternalCall counts one round trip to the external service.
func (r *Registry) ExternalCall() { r.externalCalls.Add(1) }

// BatchDispatched counts one batch handed to the external service.
func (r *Registry) BatchDispatched() { r.batchesDispatched.Add(1) }

// SetRemainingBudget records the tokens left in the current budget period.
func (r *Registry) SetRemainingBudget(tokens int64) { r.remainingBudget.Store(tokens) }

// ObserveStageLatency records one stage execution time.
func (r *Registry) ObserveStageLatency(stage analysis.Stage, d time.Duration) {
	rec, ok := r.stageLatency[stage]
	if !ok {
		return
	}
	rec.totalNS.Add(int64(d))
	rec.count.Add(1)
}

// Snapshot is a point-in-time copy of every counter, safe to serialize.
type Snapshot struct {
	CacheHits           int64              `json:"cache_hits"`
	CacheMisses         int64              `json:"cache_misses"`
	CacheHitRate        float64            `json:"cache_hit_rate"`
	StageLatencyMS      map[string]float64 `json:"stage_latency_ms"`
	RateLimitRejections int64              `json:"rate_limit_rejections"`
	BudgetExhaustions   int64              `json:"budget_exhaustions"`
	ExternalCalls       int64              `json:"external_calls"`
	BatchesDispatched   int64              `json:"batches_dispatched"`
	RemainingBudget     int64              `json:"remaining_budget"`
}

// Snapshot returns the current counter values. Stage latency is reported
// as the mean execution time in milliseconds; stages with no samples are
// omitted.
func (r *Registry) Snapshot() Snapshot {
	hits := r.cacheHits.Load()
	misses := r.cacheMisses.Load()

	s := Snapshot{
		CacheHits:           hits,
		CacheMisses:         misses,
		StageLatencyMS:      make(map[string]float64),
		RateLimitRejections: r.rateLimitRejections.Load(),
		BudgetExhaustions:   r.budgetExhaustions.Load(),
		ExternalCalls:       r.externalCalls.Load(),
		BatchesDispatched:   r.batchesDispatched.Load(),
		RemainingBudget:     r.remainingBudget.Load(),
	}
	if total := hits + misses; total > 0 {
		s.CacheHitRate = float64(hits) / float64(total)
	}
	for stage, rec := range r.stageLatency {
		count := rec.count.Load()
		if count == 0 {
			continue
		}
		meanNS := float64(rec.totalNS.Load()) / float64(count)
		s.StageLatencyMS[string(stage)] = meanNS / float64(time.Millisecond)
	}
	return s
}
