// Package batch coalesces compatible analysis requests into batches and
// dispatches them to the external service with bounded parallelism.
// Requests are compatible when they target the same stage. A batch flushes
// when it reaches the configured size or when the oldest member has waited
// the maximum wait, whichever comes first. Results are demultiplexed to
// their originating requests strictly by request id.
package batch

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/mailsift/mailsift/internal/analysis"
)

// Errors returned by the processor.
var (
	// ErrInvalidConfig is returned by New for unusable batch settings.
	ErrInvalidConfig = errors.New("invalid batch processor configuration")

	// ErrClosed is returned when submitting to a closed processor; pending
	// requests also fail with it during shutdown.
	ErrClosed = errors.New("batch processor closed")

	// ErrDispatchFailed marks a whole-batch failure: every member of the
	// batch fails together. The layer never retries on its own; retry
	// policy belongs to the caller to avoid hidden request amplification.
	ErrDispatchFailed = errors.New("batch dispatch failed")
)

// Config holds processor construction settings.
type Config struct {
	// Size is the batch size that triggers an immediate flush.
	Size int

	// MaxWait bounds how long the oldest request waits in a forming batch.
	MaxWait time.Duration

	// MaxConcurrent caps the number of batches in flight at once.
	MaxConcurrent int

	// QueueSize is the submit channel buffer.
	QueueSize int
}

// Outcome is delivered once per submitted request.
type Outcome struct {
	RequestID uuid.UUID
	Result    analysis.Result
	Err       error
}

// Job records one dispatched batch for logging and inspection.
type Job struct {
	ID          string
	Stage       analysis.Stage
	Requests    []analysis.Request
	StartedAt   time.Time
	CompletedAt time.Time
	Outcome     string
}

// Recorder receives dispatch events; the metrics registry satisfies it.
type Recorder interface {
	BatchDispatched()
	ExternalCall()
}

// pending couples a request with its outcome channel. The channel is
// buffered so delivery never blocks on an abandoned caller.
type pending struct {
	req analysis.Request
	out chan Outcome
}

// formingBatch accumulates same-stage requests until flush.
type formingBatch struct {
	members  []*pending
	openedAt time.Time
}

// Processor is the concurrency-bounded batch dispatcher.
type Processor struct {
	cfg      Config
	svc      analysis.Service
	recorder Recorder
	logger   *slog.Logger

	submitCh chan *pending
	cancelCh chan uuid.UUID
	slots    chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	cancelled map[uuid.UUID]struct{}

	entropy   *ulid.MonotonicEntropy
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds and starts a processor. The scheduler goroutine runs until
// Close is called.
func New(cfg Config, svc analysis.Service, recorder Recorder, logger *slog.Logger) (*Processor, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, cfg.Size)
	}
	if cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("%w: max wait must be positive, got %s", ErrInvalidConfig, cfg.MaxWait)
	}
	if cfg.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("%w: max concurrent batches must be positive, got %d",
			ErrInvalidConfig, cfg.MaxConcurrent)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Size * cfg.MaxConcurrent
	}

	p := &Processor{
		cfg:       cfg,
		svc:       svc,
		recorder:  recorder,
		logger:    logger.With("component", "batch"),
		submitCh:  make(chan *pending, cfg.QueueSize),
		cancelCh:  make(chan uuid.UUID),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
		done:      make(chan struct{}),
		cancelled: make(map[uuid.UUID]struct{}),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}

	p.wg.Add(1)
	go p.scheduler()

	return p, nil
}

// Submit enqueues a request and returns the channel its outcome will be
// delivered on. Exactly one Outcome is sent per accepted request.
func (p *Processor) Submit(ctx context.Context, req analysis.Request) (<-chan Outcome, error) {
	pend := &pending{req: req, out: make(chan Outcome, 1)}
	select {
	case p.submitCh <- pend:
		return pend.out, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes a not-yet-dispatched request from its forming batch, or
// marks an already-dispatched request so its result is discarded on
// arrival. A batch shared with other documents is never disturbed.
func (p *Processor) Cancel(requestID uuid.UUID) {
	select {
	case p.cancelCh <- requestID:
	case <-p.done:
	}
}

// Close stops accepting requests, fails anything still forming with
// ErrClosed, and waits for in-flight batches to finish.
func (p *Processor) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// scheduler owns the forming batches. It is the only goroutine that
// mutates them, so no lock protects the forming map.
func (p *Processor) scheduler() {
	defer p.wg.Done()

	forming := make(map[analysis.Stage]*formingBatch)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	flush := func(stage analysis.Stage) {
		fb := forming[stage]
		if fb == nil || len(fb.members) == 0 {
			return
		}
		delete(forming, stage)
		p.wg.Add(1)
		go p.dispatch(stage, fb.members)
	}

	for {
		// Arm the timer for the earliest pending flush, if any.
		var timerC <-chan time.Time
		if next, ok := p.nextFlush(forming); ok {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(time.Until(next))
			timerC = timer.C
		}

		select {
		case pend := <-p.submitCh:
			fb := forming[pend.req.Stage]
			if fb == nil {
				fb = &formingBatch{openedAt: time.Now()}
				forming[pend.req.Stage] = fb
			}
			fb.members = append(fb.members, pend)
			if len(fb.members) >= p.cfg.Size {
				flush(pend.req.Stage)
			}

		case id := <-p.cancelCh:
			if !p.removeForming(forming, id) {
				// Already dispatched: discard the result when it lands.
				p.mu.Lock()
				p.cancelled[id] = struct{}{}
				p.mu.Unlock()
			}

		case <-timerC:
			now := time.Now()
			for stage, fb := range forming {
				if now.Sub(fb.openedAt) >= p.cfg.MaxWait {
					flush(stage)
				}
			}

		case <-p.done:
			// Drain whatever was buffered, then fail everything still
			// forming: a clean shutdown leaves no silent request behind.
			for {
				select {
				case pend := <-p.submitCh:
					pend.out <- Outcome{RequestID: pend.req.ID, Err: ErrClosed}
				default:
					for _, fb := range forming {
						for _, pend := range fb.members {
							pend.out <- Outcome{RequestID: pend.req.ID, Err: ErrClosed}
						}
					}
					return
				}
			}
		}
	}
}

// nextFlush returns the earliest forming-batch flush time.
func (p *Processor) nextFlush(forming map[analysis.Stage]*formingBatch) (time.Time, bool) {
	var next time.Time
	found := false
	for _, fb := range forming {
		deadline := fb.openedAt.Add(p.cfg.MaxWait)
		if !found || deadline.Before(next) {
			next = deadline
			found = true
		}
	}
	return next, found
}

// removeForming pulls a cancelled request out of its forming batch and
// delivers a cancellation outcome. Returns false if the request is not
// forming (already dispatched or unknown).
func (p *Processor) removeForming(forming map[analysis.Stage]*formingBatch, id uuid.UUID) bool {
	for stage, fb := range forming {
		for i, pend := range fb.members {
			if pend.req.ID != id {
				continue
			}
			fb.members = append(fb.members[:i], fb.members[i+1:]...)
			if len(fb.members) == 0 {
				delete(forming, stage)
			}
			pend.out <- Outcome{RequestID: id, Err: context.Canceled}
			return true
		}
	}
	return false
}

// dispatch acquires a concurrency slot, calls the external service once,
// and demultiplexes the results. Waiting for a slot is bounded by the
// earliest member deadline and never blocks the scheduler, so other
// batches keep forming.
func (p *Processor) dispatch(stage analysis.Stage, members []*pending) {
	defer p.wg.Done()

	job := Job{
		ID:        ulid.MustNew(ulid.Now(), p.entropy).String(),
		Stage:     stage,
		StartedAt: time.Now(),
	}
	for _, pend := range members {
		job.Requests = append(job.Requests, pend.req)
	}

	ctx := context.Background()
	if deadline, ok := earliestDeadline(members); ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	select {
	case p.slots <- struct{}{}:
		defer func() { <-p.slots }()
	case <-ctx.Done():
		p.failAll(members, fmt.Errorf("%w: waiting for batch slot: %v", analysis.ErrTimeout, ctx.Err()))
		p.finishJob(&job, "slot_timeout")
		return
	case <-p.done:
		p.failAll(members, ErrClosed)
		p.finishJob(&job, "closed")
		return
	}

	reqs := make([]analysis.Request, len(members))
	for i, pend := range members {
		reqs[i] = pend.req
	}

	if p.recorder != nil {
		p.recorder.BatchDispatched()
		p.recorder.ExternalCall()
	}

	results, err := p.svc.Call(ctx, stage, reqs)
	if err != nil {
		p.failAll(members, fmt.Errorf("%w: %w", ErrDispatchFailed, err))
		p.finishJob(&job, "failed")
		return
	}

	// Demultiplex strictly by id; internal reordering by the service is
	// irrelevant.
	byID := make(map[uuid.UUID]analysis.Result, len(results))
	for _, res := range results {
		byID[res.RequestID] = res
	}
	for _, pend := range members {
		if p.discardCancelled(pend.req.ID) {
			pend.out <- Outcome{RequestID: pend.req.ID, Err: context.Canceled}
			continue
		}
		res, ok := byID[pend.req.ID]
		if !ok {
			pend.out <- Outcome{
				RequestID: pend.req.ID,
				Err:       fmt.Errorf("%w: no result for request %s", analysis.ErrMalformedResponse, pend.req.ID),
			}
			continue
		}
		pend.out <- Outcome{RequestID: pend.req.ID, Result: res}
	}
	p.finishJob(&job, "ok")
}

// failAll delivers the same error to every member of a batch.
func (p *Processor) failAll(members []*pending, err error) {
	for _, pend := range members {
		p.discardCancelled(pend.req.ID)
		pend.out <- Outcome{RequestID: pend.req.ID, Err: err}
	}
}

// discardCancelled consumes a pending cancellation mark for a request.
func (p *Processor) discardCancelled(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.cancelled[id]; ok {
		delete(p.cancelled, id)
		return true
	}
	return false
}

// finishJob stamps and logs a completed batch job.
func (p *Processor) finishJob(job *Job, outcome string) {
	job.CompletedAt = time.Now()
	job.Outcome = outcome
	p.logger.Debug("batch job finished",
		"job_id", job.ID,
		"stage", string(job.Stage),
		"size", len(job.Requests),
		"outcome", outcome,
		"duration_ms", job.CompletedAt.Sub(job.StartedAt).Milliseconds())
}

// earliestDeadline returns the soonest non-zero member deadline.
func earliestDeadline(members []*pending) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, pend := range members {
		if pend.req.Deadline.IsZero() {
			continue
		}
		if !found || pend.req.Deadline.Before(earliest) {
			earliest = pend.req.Deadline
			found = true
		}
	}
	return earliest, found
}
