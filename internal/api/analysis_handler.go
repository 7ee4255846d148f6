package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/mailsift/mailsift/internal/analysis"
	"github.com/mailsift/mailsift/internal/api/shared"
)

// Analyzer is the facade surface the handlers need. The optimizer
// satisfies it; tests substitute their own.
type Analyzer interface {
	Analyze(ctx context.Context, doc analysis.Document) *analysis.PipelineResult
	AnalyzeBatch(ctx context.Context, docs []analysis.Document) []*analysis.PipelineResult
}

// AnalysisHandler serves the document analysis endpoints.
type AnalysisHandler struct {
	analyzer Analyzer
	logger   *slog.Logger
}

// NewAnalysisHandler creates an AnalysisHandler.
func NewAnalysisHandler(analyzer Analyzer, logger *slog.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		analyzer: analyzer,
		logger:   logger.With("component", "analysis_handler"),
	}
}

// Analyze handles POST /api/analyze. The pipeline never raises for stage
// failures, so a well-formed request always yields 200 with a result whose
// degradation set says what, if anything, failed.
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "invalid document", err)
		return
	}

	result := h.analyzer.Analyze(r.Context(), req.Document.toDocument())
	shared.RespondWithJSON(w, r, http.StatusOK, result)
}

// AnalyzeBatch handles POST /api/analyze/batch, preserving positional
// correspondence between documents and results.
func (h *AnalysisHandler) AnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeBatchRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "invalid documents", err)
		return
	}

	docs := make([]analysis.Document, len(req.Documents))
	for i, p := range req.Documents {
		docs[i] = p.toDocument()
	}

	results := h.analyzer.AnalyzeBatch(r.Context(), docs)
	shared.RespondWithJSON(w, r, http.StatusOK, AnalyzeBatchResponse{Results: results})
}
