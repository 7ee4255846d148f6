package api

import (
	"time"

	"github.com/mailsift/mailsift/internal/analysis"
)

// Common request/response structures

// DocumentPayload defines the inbound email shape for analysis endpoints.
type DocumentPayload struct {
	ID         string    `json:"id"         validate:"required"`
	Subject    string    `json:"subject"`
	From       string    `json:"from"`
	Body       string    `json:"body"       validate:"required"`
	ReceivedAt time.Time `json:"received_at"`
}

// toDocument converts the payload into the domain document.
func (p DocumentPayload) toDocument() analysis.Document {
	return analysis.Document{
		ID:         p.ID,
		Subject:    p.Subject,
		From:       p.From,
		Body:       p.Body,
		ReceivedAt: p.ReceivedAt,
	}
}

// AnalyzeRequest defines the payload for the single-document endpoint.
type AnalyzeRequest struct {
	Document DocumentPayload `json:"document" validate:"required"`
}

// AnalyzeBatchRequest defines the payload for the batch endpoint. Results
// are returned in positional correspondence with Documents.
type AnalyzeBatchRequest struct {
	Documents []DocumentPayload `json:"documents" validate:"required,min=1,max=100,dive"`
}

// AnalyzeBatchResponse wraps the positional result list.
type AnalyzeBatchResponse struct {
	Results []*analysis.PipelineResult `json:"results"`
}
