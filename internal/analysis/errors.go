package analysis

import "errors"

// Common errors returned across the analysis layer. External service
// failures are classified into this taxonomy so the orchestrator can
// decide how to degrade without inspecting provider-specific errors.
var (
	// ErrRateLimited is returned when the external service itself
	// throttles a call. Retryable by the caller.
	ErrRateLimited = errors.New("external service rate limited the call")

	// ErrTimeout is returned when a stage deadline elapsed before the
	// external call completed.
	ErrTimeout = errors.New("analysis call timed out")

	// ErrServiceUnavailable is returned when the external service could
	// not be reached or answered with a server-side failure.
	ErrServiceUnavailable = errors.New("analysis service unavailable")

	// ErrMalformedResponse is returned when the external service answered
	// but the response could not be parsed or is missing results.
	ErrMalformedResponse = errors.New("malformed response from analysis service")
)
