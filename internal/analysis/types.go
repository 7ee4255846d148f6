package analysis

import (
	"time"

	"github.com/google/uuid"
)

// Document is the inbound email shape accepted by the performance layer.
// Ingestion, signature verification and persistence of documents happen
// outside this module; the layer only needs the fields that feed analysis.
type Document struct {
	ID         string    `json:"id"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// Request is one unit of work for a single stage of a single document.
// Requests are created per document per stage and destroyed once the
// document's pipeline reaches a terminal state.
type Request struct {
	// ID uniquely identifies the request. Batch results are matched back
	// to requests strictly by this id, never by position.
	ID uuid.UUID

	// Fingerprint is the normalized-content hash used as the cache key.
	Fingerprint string

	// Stage names the pipeline stage this request belongs to.
	Stage Stage

	// Payload is the stage input assembled by the orchestrator.
	Payload string

	// Priority orders requests within a forming batch; higher runs first.
	Priority int

	// SubmittedAt records when the request entered the layer.
	SubmittedAt time.Time

	// Deadline bounds every wait on behalf of this request. A zero
	// deadline means the caller's context is the only bound.
	Deadline time.Time
}

// Result is one stage output returned by the external service.
type Result struct {
	// RequestID identifies the originating request.
	RequestID uuid.UUID `json:"request_id"`

	// Fingerprint echoes the request's cache key.
	Fingerprint string `json:"fingerprint"`

	// Stage echoes the request's stage.
	Stage Stage `json:"stage"`

	// Output is the structured signal produced by the service. The layer
	// treats it as opaque beyond token accounting.
	Output map[string]any `json:"output"`

	// TokensUsed is the actual token cost reported for this result,
	// used to reconcile the pessimistic charge taken at acquire time.
	TokensUsed int64 `json:"tokens_used"`
}

// StageResult records the outcome of one stage for one document.
type StageResult struct {
	Stage     Stage          `json:"stage"`
	Output    map[string]any `json:"output,omitempty"`
	FromCache bool           `json:"from_cache"`
	Degraded  bool           `json:"degraded"`
	Error     string         `json:"error,omitempty"`
	Latency   time.Duration  `json:"latency_ns"`
}

// PipelineResult is what callers always receive for a document, even when
// every stage failed. Silent partial success is forbidden: any stage whose
// result could not be obtained appears in DegradedStages.
type PipelineResult struct {
	DocumentID string `json:"document_id"`

	// Stages holds the per-stage outcomes in pipeline order.
	Stages []StageResult `json:"stages"`

	// DegradedStages enumerates every stage that failed. Always populated,
	// possibly empty, never nil in a result produced by the orchestrator.
	DegradedStages []Stage `json:"degraded_stages"`

	// Confidence is the fraction of configured stages that completed.
	Confidence float64 `json:"confidence"`

	// Disabled is set only when analysis was turned off by configuration.
	// It distinguishes absence-by-design from absence-by-failure: a result
	// with every stage degraded and Disabled == false means total failure.
	Disabled bool `json:"disabled"`
}

// StageOutput returns the output of the named stage, or nil if the stage
// was degraded, skipped, or not part of this result.
func (r *PipelineResult) StageOutput(stage Stage) map[string]any {
	for _, sr := range r.Stages {
		if sr.Stage == stage && !sr.Degraded {
			return sr.Output
		}
	}
	return nil
}

// FullyDegraded reports whether every stage of the result failed.
func (r *PipelineResult) FullyDegraded() bool {
	return !r.Disabled && len(r.Stages) > 0 && len(r.DegradedStages) == len(r.Stages)
}
