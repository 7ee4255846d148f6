// Package analysis defines the domain types shared by the performance layer:
// inbound documents, per-stage analysis requests and results, the pipeline
// result shape returned to callers, and the boundary interface to the external
// AI analysis service. This package serves as a boundary between the
// application core and external AI/LLM services, following the hexagonal
// architecture pattern.
package analysis
