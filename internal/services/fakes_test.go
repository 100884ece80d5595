package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/fiscalsubmission/internal/clock"
	"github.com/Lllllllleong/fiscalsubmission/internal/idempotency"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/retry"
)

// fakeAuthority answers every call from a scripted function. n is the 1-based number
// of the call to that endpoint.
type fakeAuthority struct {
	mu    sync.Mutex
	calls map[string]int

	details func(n int) (models.UnitDetails, error)
	prepare func(n int) (models.PreparedBatch, error)
	dup     func(n int) (models.DuplicateReport, error)
	submit  func(n int) (models.SubmitResponse, json.RawMessage, error)
	status  func(n int) (models.SubmissionStatus, error)
	batch   func(n int, ids []string) (models.BulkAck, error)

	lastDuplicateReq models.DuplicateCheckRequest
}

func newFakeAuthority() *fakeAuthority {
	accepted := true
	return &fakeAuthority{
		calls: make(map[string]int),
		details: func(int) (models.UnitDetails, error) {
			return models.UnitDetails{ID: "INV-1", DocumentCount: 3, Status: models.ReadinessReady}, nil
		},
		prepare: func(int) (models.PreparedBatch, error) {
			return models.PreparedBatch{
				UnitID:    "INV-1",
				Documents: []models.PreparedDocument{{ID: "d-1"}, {ID: "d-2"}, {ID: "d-3"}},
				Raw:       json.RawMessage(`{"documents":[{"id":"d-1"},{"id":"d-2"},{"id":"d-3"}]}`),
			}, nil
		},
		dup: func(int) (models.DuplicateReport, error) {
			return models.DuplicateReport{}, nil
		},
		submit: func(int) (models.SubmitResponse, json.RawMessage, error) {
			return models.SubmitResponse{Accepted: &accepted, CorrelationID: "corr-1"}, json.RawMessage(`{"accepted":true,"correlationId":"corr-1"}`), nil
		},
		status: func(int) (models.SubmissionStatus, error) {
			return models.SubmissionStatus{CorrelationID: "corr-1", Status: "processing"}, nil
		},
		batch: func(_ int, ids []string) (models.BulkAck, error) {
			return models.BulkAck{JobID: "job-1", Accepted: ids}, nil
		},
	}
}

func (f *fakeAuthority) record(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.calls[op]
}

func (f *fakeAuthority) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAuthority) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeAuthority) FetchDetails(_ context.Context, _ string) (models.UnitDetails, error) {
	return f.details(f.record("details"))
}

func (f *fakeAuthority) Prepare(_ context.Context, _ string) (models.PreparedBatch, error) {
	return f.prepare(f.record("prepare"))
}

func (f *fakeAuthority) CheckDuplicates(_ context.Context, _ string, req models.DuplicateCheckRequest) (models.DuplicateReport, error) {
	n := f.record("check-duplicates")
	f.mu.Lock()
	f.lastDuplicateReq = req
	f.mu.Unlock()
	return f.dup(n)
}

func (f *fakeAuthority) Submit(_ context.Context, _ string, _ models.SubmitRequest) (models.SubmitResponse, json.RawMessage, error) {
	return f.submit(f.record("submit"))
}

func (f *fakeAuthority) Status(_ context.Context, _ string) (models.SubmissionStatus, error) {
	return f.status(f.record("status"))
}

func (f *fakeAuthority) SubmitBatch(_ context.Context, ids []string) (models.BulkAck, error) {
	return f.batch(f.record("bulk-submit"), ids)
}

// countingGate admits every call and counts acquisitions.
type countingGate struct {
	mu sync.Mutex
	n  int
}

func (g *countingGate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return nil
}

func (g *countingGate) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

// recorder collects events in arrival order.
type recorder struct {
	mu     sync.Mutex
	events []models.StageEvent
}

func (r *recorder) OnStage(e models.StageEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) stages() []models.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func (r *recorder) last() models.StageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type archiveCall struct {
	unitID string
	runID  string
	result models.SubmissionResult
}

type fakeArchive struct {
	mu    sync.Mutex
	calls []archiveCall
	err   error
}

func (a *fakeArchive) Save(_ context.Context, unitID, runID string, result models.SubmissionResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, archiveCall{unitID: unitID, runID: runID, result: result})
	return a.err
}

const (
	testBaseDelay   = 100 * time.Millisecond
	testSettleDelay = 2 * time.Second
)

var testStart = time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	auth     *fakeAuthority
	gate     *countingGate
	clock    *clock.Fake
	guard    *idempotency.Guard
	store    *idempotency.MemoryStore
	archive  *fakeArchive
	pipeline *SubmissionPipeline
}

func newHarness(t *testing.T, mutate ...func(*PipelineConfig)) *harness {
	t.Helper()
	h := &harness{
		auth:    newFakeAuthority(),
		gate:    &countingGate{},
		clock:   clock.NewFake(testStart),
		store:   idempotency.NewMemoryStore(),
		archive: &fakeArchive{},
	}
	h.guard = idempotency.NewGuard(h.store, h.clock, nil)
	retrier := retry.NewExecutor(h.clock, nil)
	policy := retry.Policy{MaxRetries: 1, BaseDelay: testBaseDelay}

	cfg := PipelineConfig{
		MaxDocuments:    models.MaxDocumentsPerUnit,
		DetailsPolicy:   policy,
		PreparePolicy:   policy,
		DuplicatePolicy: policy,
		SubmitPolicy:    policy,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	fallback := NewFallbackVerifier(h.auth, h.gate, retrier, h.clock, FallbackConfig{
		SettleDelay: testSettleDelay,
		Policy:      policy,
	}, nil)

	h.pipeline = NewSubmissionPipeline(PipelineDeps{
		Authority: h.auth,
		Gate:      h.gate,
		Retrier:   retrier,
		Guard:     h.guard,
		Fallback:  fallback,
		Archive:   h.archive,
		Clock:     h.clock,
	}, cfg)
	return h
}
