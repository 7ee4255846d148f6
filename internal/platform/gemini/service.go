// Package gemini implements the analysis.Service boundary on top of
// Google's Gemini API. Each Call sends one batch of same-stage requests in
// a single model round trip and parses the structured JSON the model is
// instructed to return. The package makes exactly one attempt per call;
// retry policy belongs to the callers above it.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/mailsift/mailsift/internal/analysis"
)

// ErrInvalidConfig is returned by New for unusable client settings.
var ErrInvalidConfig = errors.New("invalid gemini service configuration")

// Config holds the Gemini client settings.
type Config struct {
	// APIKey authenticates against the Gemini API.
	APIKey string

	// Model is the model name, e.g. "gemini-2.0-flash".
	Model string
}

// Service implements analysis.Service using the Gemini API.
type Service struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

// New creates a Service with the provided dependencies.
func New(ctx context.Context, logger *slog.Logger, cfg Config) (*Service, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: API key cannot be empty", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", ErrInvalidConfig)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v", ErrInvalidConfig, err)
	}

	return &Service{
		client: client,
		model:  cfg.Model,
		logger: logger.With("component", "gemini"),
	}, nil
}

// Call sends one batch of same-stage requests to the model and maps the
// response back to per-request results.
func (s *Service) Call(
	ctx context.Context,
	stage analysis.Stage,
	reqs []analysis.Request,
) ([]analysis.Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	prompt, err := buildPrompt(stage, reqs)
	if err != nil {
		return nil, fmt.Errorf("%w: building prompt: %v", analysis.ErrMalformedResponse, err)
	}

	s.logger.DebugContext(ctx, "calling Gemini",
		"stage", string(stage),
		"batch_size", len(reqs),
		"prompt_length", len(prompt))

	resp, err := s.client.Models.GenerateContent(ctx, s.model, genai.Text(prompt), nil)
	if err != nil {
		return nil, classifyCallError(ctx, err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("%w: empty response", analysis.ErrMalformedResponse)
	}

	text := ""
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			text += part.Text
		}
	}

	results, err := parseResults(text, stage, reqs)
	if err != nil {
		return nil, err
	}

	s.logger.DebugContext(ctx, "Gemini call succeeded",
		"stage", string(stage),
		"results", len(results))
	return results, nil
}

// classifyCallError maps a provider error into the analysis taxonomy.
func classifyCallError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", analysis.ErrTimeout, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "resource_exhausted") ||
		strings.Contains(msg, "rate limit") {
		return fmt.Errorf("%w: %v", analysis.ErrRateLimited, err)
	}
	return fmt.Errorf("%w: %v", analysis.ErrServiceUnavailable, err)
}

// responseItem is the shape the model is instructed to return per request.
type responseItem struct {
	ID         string         `json:"id"`
	Output     map[string]any `json:"output"`
	TokensUsed int64          `json:"tokens_used"`
}

// parseResults decodes the model's JSON array and joins it back to the
// requests by id. Items with unknown or unparseable ids are dropped; a
// response that decodes to nothing is malformed.
func parseResults(text string, stage analysis.Stage, reqs []analysis.Request) ([]analysis.Result, error) {
	var items []responseItem
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &items); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v", analysis.ErrMalformedResponse, err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: response contained no results", analysis.ErrMalformedResponse)
	}

	byID := make(map[uuid.UUID]analysis.Request, len(reqs))
	for _, req := range reqs {
		byID[req.ID] = req
	}

	results := make([]analysis.Result, 0, len(items))
	for _, item := range items {
		id, err := uuid.Parse(item.ID)
		if err != nil {
			continue
		}
		req, ok := byID[id]
		if !ok {
			continue
		}
		tokens := item.TokensUsed
		if tokens <= 0 {
			// The model did not report usage; fall back to a payload
			// estimate so reconciliation still has a real number.
			tokens = int64(len(req.Payload)/4) + 1
		}
		results = append(results, analysis.Result{
			RequestID:   id,
			Fingerprint: req.Fingerprint,
			Stage:       stage,
			Output:      item.Output,
			TokensUsed:  tokens,
		})
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: no result matched a request id", analysis.ErrMalformedResponse)
	}
	return results, nil
}

// stripCodeFence removes a surrounding markdown code fence if the model
// wrapped its JSON in one.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
