package analysis

import "context"

// Service is the single external capability the performance layer consumes:
// a slow, rate-limited, cost-metered AI text-analysis service. The layer
// never interprets stage semantics; it hands the service a batch of
// same-stage requests and demultiplexes the results by request id.
type Service interface {
	// Call analyzes a batch of same-stage requests in one round trip.
	// It returns one Result per surviving request, in no guaranteed order.
	// Errors are classified into the package sentinel errors
	// (ErrRateLimited, ErrTimeout, ErrServiceUnavailable,
	// ErrMalformedResponse), wrapped with provider detail.
	Call(ctx context.Context, stage Stage, reqs []Request) ([]Result, error)
}
