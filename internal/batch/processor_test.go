package batch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailsift/mailsift/internal/analysis"
)

// setupTestLogger returns a logger that discards output.
func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockService records every call and answers with per-request echo results
// unless overridden.
type mockService struct {
	mu          sync.Mutex
	calls       [][]analysis.Request
	stages      []analysis.Stage
	inFlight    int
	maxInFlight int

	delay   time.Duration
	err     error
	respond func(stage analysis.Stage, reqs []analysis.Request) []analysis.Result
}

func (m *mockService) Call(ctx context.Context, stage analysis.Stage, reqs []analysis.Request) ([]analysis.Result, error) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
	m.calls = append(m.calls, append([]analysis.Request(nil), reqs...))
	m.stages = append(m.stages, stage)
	delay, err, respond := m.delay, m.err, m.respond
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			m.decrement()
			return nil, ctx.Err()
		}
	}
	m.decrement()

	if err != nil {
		return nil, err
	}
	if respond != nil {
		return respond(stage, reqs), nil
	}

	results := make([]analysis.Result, len(reqs))
	for i, req := range reqs {
		results[i] = analysis.Result{
			RequestID:   req.ID,
			Fingerprint: req.Fingerprint,
			Stage:       stage,
			Output:      map[string]any{"echo": req.Payload},
			TokensUsed:  5,
		}
	}
	return results, nil
}

func (m *mockService) decrement() {
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
}

func (m *mockService) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newRequest(stage analysis.Stage, payload string) analysis.Request {
	return analysis.Request{
		ID:          uuid.New(),
		Fingerprint: analysis.Fingerprint(stage, payload),
		Stage:       stage,
		Payload:     payload,
		SubmittedAt: time.Now(),
	}
}

func newTestProcessor(t *testing.T, cfg Config, svc analysis.Service) *Processor {
	t.Helper()
	p, err := New(cfg, svc, nil, setupTestLogger())
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "zero size", cfg: Config{Size: 0, MaxWait: time.Second, MaxConcurrent: 1}},
		{name: "zero max wait", cfg: Config{Size: 2, MaxWait: 0, MaxConcurrent: 1}},
		{name: "zero concurrency", cfg: Config{Size: 2, MaxWait: time.Second, MaxConcurrent: 0}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, &mockService{}, nil, setupTestLogger())
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestFlushOnSize(t *testing.T) {
	svc := &mockService{}
	p := newTestProcessor(t, Config{Size: 2, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc)

	reqA := newRequest(analysis.StageExtractTasks, "email a")
	reqB := newRequest(analysis.StageExtractTasks, "email b")

	chA, err := p.Submit(context.Background(), reqA)
	require.NoError(t, err)
	chB, err := p.Submit(context.Background(), reqB)
	require.NoError(t, err)

	outA := waitOutcome(t, chA)
	outB := waitOutcome(t, chB)

	require.NoError(t, outA.Err)
	require.NoError(t, outB.Err)
	assert.Equal(t, "email a", outA.Result.Output["echo"])
	assert.Equal(t, "email b", outB.Result.Output["echo"])

	// Both requests rode a single batch; MaxWait never came into play.
	assert.Equal(t, 1, svc.callCount())
	assert.Len(t, svc.calls[0], 2)
}

func TestFlushOnMaxWait(t *testing.T) {
	svc := &mockService{}
	p := newTestProcessor(t, Config{Size: 10, MaxWait: 30 * time.Millisecond, MaxConcurrent: 1}, svc)

	req := newRequest(analysis.StageSentiment, "lonely email")
	start := time.Now()
	ch, err := p.Submit(context.Background(), req)
	require.NoError(t, err)

	out := waitOutcome(t, ch)
	require.NoError(t, out.Err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "an undersized batch waits out MaxWait")
	assert.Equal(t, 1, svc.callCount())
	assert.Len(t, svc.calls[0], 1)
}

func TestStagesDoNotMix(t *testing.T) {
	svc := &mockService{}
	p := newTestProcessor(t, Config{Size: 2, MaxWait: 30 * time.Millisecond, MaxConcurrent: 2}, svc)

	chA, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "a"))
	require.NoError(t, err)
	chB, err := p.Submit(context.Background(), newRequest(analysis.StageSentiment, "b"))
	require.NoError(t, err)

	require.NoError(t, waitOutcome(t, chA).Err)
	require.NoError(t, waitOutcome(t, chB).Err)

	// One single-member batch per stage.
	require.Equal(t, 2, svc.callCount())
	assert.Len(t, svc.calls[0], 1)
	assert.Len(t, svc.calls[1], 1)
	assert.NotEqual(t, svc.stages[0], svc.stages[1])
}

func TestDemuxByIDUnderReordering(t *testing.T) {
	svc := &mockService{
		respond: func(stage analysis.Stage, reqs []analysis.Request) []analysis.Result {
			// Answer in reverse order; only ids may be used to match.
			results := make([]analysis.Result, 0, len(reqs))
			for i := len(reqs) - 1; i >= 0; i-- {
				results = append(results, analysis.Result{
					RequestID: reqs[i].ID,
					Stage:     stage,
					Output:    map[string]any{"echo": reqs[i].Payload},
				})
			}
			return results
		},
	}
	p := newTestProcessor(t, Config{Size: 3, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc)

	reqs := []analysis.Request{
		newRequest(analysis.StageExtractTasks, "first"),
		newRequest(analysis.StageExtractTasks, "second"),
		newRequest(analysis.StageExtractTasks, "third"),
	}
	chans := make([]<-chan Outcome, len(reqs))
	for i, req := range reqs {
		ch, err := p.Submit(context.Background(), req)
		require.NoError(t, err)
		chans[i] = ch
	}

	for i, ch := range chans {
		out := waitOutcome(t, ch)
		require.NoError(t, out.Err)
		assert.Equal(t, reqs[i].ID, out.RequestID)
		assert.Equal(t, reqs[i].Payload, out.Result.Output["echo"])
	}
}

func TestMissingResultIsMalformed(t *testing.T) {
	svc := &mockService{
		respond: func(stage analysis.Stage, reqs []analysis.Request) []analysis.Result {
			// Drop the second request's result entirely.
			return []analysis.Result{{
				RequestID: reqs[0].ID,
				Stage:     stage,
				Output:    map[string]any{"echo": reqs[0].Payload},
			}}
		},
	}
	p := newTestProcessor(t, Config{Size: 2, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc)

	chA, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "kept"))
	require.NoError(t, err)
	chB, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "dropped"))
	require.NoError(t, err)

	assert.NoError(t, waitOutcome(t, chA).Err)
	assert.ErrorIs(t, waitOutcome(t, chB).Err, analysis.ErrMalformedResponse)
}

func TestWholeBatchFails(t *testing.T) {
	svc := &mockService{err: analysis.ErrServiceUnavailable}
	p := newTestProcessor(t, Config{Size: 2, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc)

	chA, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "a"))
	require.NoError(t, err)
	chB, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "b"))
	require.NoError(t, err)

	outA := waitOutcome(t, chA)
	outB := waitOutcome(t, chB)
	assert.ErrorIs(t, outA.Err, ErrDispatchFailed)
	assert.ErrorIs(t, outA.Err, analysis.ErrServiceUnavailable)
	assert.ErrorIs(t, outB.Err, ErrDispatchFailed)

	// No retry: exactly one call was made for the whole batch.
	assert.Equal(t, 1, svc.callCount())
}

func TestConcurrencyBound(t *testing.T) {
	svc := &mockService{delay: 40 * time.Millisecond}
	p := newTestProcessor(t, Config{Size: 2, MaxWait: 10 * time.Second, MaxConcurrent: 2}, svc)

	chans := make([]<-chan Outcome, 0, 6)
	for i := 0; i < 6; i++ {
		ch, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, fmt.Sprintf("email %d", i)))
		require.NoError(t, err)
		chans = append(chans, ch)
	}

	for _, ch := range chans {
		require.NoError(t, waitOutcome(t, ch).Err)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Len(t, svc.calls, 3)
	for _, call := range svc.calls {
		assert.LessOrEqual(t, len(call), 2)
	}
	assert.LessOrEqual(t, svc.maxInFlight, 2, "no more than MaxConcurrent batches may be in flight")
}

func TestSlotWaitBoundedByDeadline(t *testing.T) {
	svc := &mockService{delay: 200 * time.Millisecond}
	p := newTestProcessor(t, Config{Size: 1, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc)

	// First batch occupies the only slot.
	chA, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "slow"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	// Second batch cannot get a slot before its member's deadline.
	reqB := newRequest(analysis.StageExtractTasks, "impatient")
	reqB.Deadline = time.Now().Add(40 * time.Millisecond)
	chB, err := p.Submit(context.Background(), reqB)
	require.NoError(t, err)

	outB := waitOutcome(t, chB)
	assert.ErrorIs(t, outB.Err, analysis.ErrTimeout)

	require.NoError(t, waitOutcome(t, chA).Err, "the in-flight batch is unaffected")
}

func TestCancelFormingRequest(t *testing.T) {
	svc := &mockService{}
	p := newTestProcessor(t, Config{Size: 5, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc)

	req := newRequest(analysis.StageExtractTasks, "abandoned")
	ch, err := p.Submit(context.Background(), req)
	require.NoError(t, err)

	// Give the scheduler a moment to place the request in a forming batch.
	time.Sleep(10 * time.Millisecond)
	p.Cancel(req.ID)

	out := waitOutcome(t, ch)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, 0, svc.callCount(), "a fully cancelled batch must not dispatch")
}

func TestCancelLeavesCoBatchedIntact(t *testing.T) {
	svc := &mockService{}
	p := newTestProcessor(t, Config{Size: 3, MaxWait: 60 * time.Millisecond, MaxConcurrent: 1}, svc)

	reqA := newRequest(analysis.StageExtractTasks, "cancelled")
	reqB := newRequest(analysis.StageExtractTasks, "survivor")

	chA, err := p.Submit(context.Background(), reqA)
	require.NoError(t, err)
	chB, err := p.Submit(context.Background(), reqB)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	p.Cancel(reqA.ID)

	assert.ErrorIs(t, waitOutcome(t, chA).Err, context.Canceled)

	outB := waitOutcome(t, chB)
	require.NoError(t, outB.Err)
	assert.Equal(t, "survivor", outB.Result.Output["echo"])

	require.Equal(t, 1, svc.callCount())
	assert.Len(t, svc.calls[0], 1, "the cancelled request must not ride the batch")
}

func TestCloseFailsForming(t *testing.T) {
	svc := &mockService{}
	p, err := New(Config{Size: 5, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc, nil, setupTestLogger())
	require.NoError(t, err)

	ch, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "in limbo"))
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	p.Close()

	assert.ErrorIs(t, waitOutcome(t, ch).Err, ErrClosed)

	_, err = p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "late"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecorderCountsDispatches(t *testing.T) {
	svc := &mockService{}
	rec := &countingRecorder{}
	p, err := New(Config{Size: 1, MaxWait: 10 * time.Second, MaxConcurrent: 1}, svc, rec, setupTestLogger())
	require.NoError(t, err)
	defer p.Close()

	ch, err := p.Submit(context.Background(), newRequest(analysis.StageExtractTasks, "counted"))
	require.NoError(t, err)
	require.NoError(t, waitOutcome(t, ch).Err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.batches)
	assert.Equal(t, 1, rec.externalCalls)
}

type countingRecorder struct {
	mu            sync.Mutex
	batches       int
	externalCalls int
}

func (r *countingRecorder) BatchDispatched() {
	r.mu.Lock()
	r.batches++
	r.mu.Unlock()
}

func (r *countingRecorder) ExternalCall() {
	r.mu.Lock()
	r.externalCalls++
	r.mu.Unlock()
}
