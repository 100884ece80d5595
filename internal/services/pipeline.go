package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/fiscalsubmission/internal/clock"
	"github.com/Lllllllleong/fiscalsubmission/internal/fault"
	"github.com/Lllllllleong/fiscalsubmission/internal/idempotency"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/retry"
	"github.com/google/uuid"
)

// Authority is the part of the gateway the single-unit pipeline calls.
type Authority interface {
	DetailsFetcher
	Prepare(ctx context.Context, unitID string) (models.PreparedBatch, error)
	CheckDuplicates(ctx context.Context, unitID string, req models.DuplicateCheckRequest) (models.DuplicateReport, error)
	Submit(ctx context.Context, unitID string, req models.SubmitRequest) (models.SubmitResponse, json.RawMessage, error)
	Status(ctx context.Context, correlationID string) (models.SubmissionStatus, error)
}

// Throttle spaces outbound calls.
type Throttle interface {
	Acquire(ctx context.Context) error
}

// ReceiptArchive keeps a copy of every successful submission.
type ReceiptArchive interface {
	Save(ctx context.Context, unitID, runID string, result models.SubmissionResult) error
}

// ConfirmRequest is what the confirmation hook sees before the unit is dispatched.
type ConfirmRequest struct {
	UnitID        string
	DocumentCount int
	Advisory      models.DuplicateReport
}

// ConfirmFunc approves or rejects the dispatch of a unit. Returning false, or an
// error, cancels the run.
type ConfirmFunc func(ctx context.Context, req ConfirmRequest) (bool, error)

// RunOptions are the per-run inputs of a pipeline run.
type RunOptions struct {
	// RunID tags events and logs. A random id is used when empty.
	RunID string
	// Force submits the unit even when it holds a submission record.
	Force    bool
	Confirm  ConfirmFunc
	Reporter Reporter
}

// PipelineConfig holds the tunables of a SubmissionPipeline.
type PipelineConfig struct {
	MaxDocuments     int
	DetailsPolicy    retry.Policy
	PreparePolicy    retry.Policy
	DuplicatePolicy  retry.Policy
	SubmitPolicy     retry.Policy
	StatusPolicy     retry.Policy
	MinStageDuration time.Duration
}

// PipelineDeps are the collaborators of a SubmissionPipeline. Archive and Fallback
// may be nil.
type PipelineDeps struct {
	Authority Authority
	Gate      Throttle
	Retrier   *retry.Executor
	Guard     *idempotency.Guard
	Fallback  *FallbackVerifier
	Archive   ReceiptArchive
	Clock     clock.Clock
	Logger    *slog.Logger
}

// SubmissionPipeline runs one unit through
// VALIDATE, PROCESS, DUPLICATE_CHECK, CONFIRM, SUBMIT, VERIFY and DONE.
type SubmissionPipeline struct {
	authority Authority
	gate      Throttle
	retrier   *retry.Executor
	guard     *idempotency.Guard
	fallback  *FallbackVerifier
	archive   ReceiptArchive
	clock     clock.Clock
	cfg       PipelineConfig
	logger    *slog.Logger
}

// NewSubmissionPipeline wires a pipeline from its collaborators.
func NewSubmissionPipeline(deps PipelineDeps, cfg PipelineConfig) *SubmissionPipeline {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Retrier == nil {
		deps.Retrier = retry.NewExecutor(deps.Clock, deps.Logger)
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = models.MaxDocumentsPerUnit
	}
	return &SubmissionPipeline{
		authority: deps.Authority,
		gate:      deps.Gate,
		retrier:   deps.Retrier,
		guard:     deps.Guard,
		fallback:  deps.Fallback,
		archive:   deps.Archive,
		clock:     deps.Clock,
		cfg:       cfg,
		logger:    deps.Logger,
	}
}

// Progress at the start of each stage.
const (
	progressValidate  = 10
	progressProcess   = 25
	progressDuplicate = 45
	progressConfirm   = 55
	progressSubmit    = 70
	progressSubmitted = 85
	progressFallback  = 80
	progressVerify    = 90
	progressDone      = 100
)

// run is the state of one pipeline invocation.
type run struct {
	p          *SubmissionPipeline
	unitID     string
	runID      string
	reporter   Reporter
	logCtx     *slog.Logger
	stageStart time.Time
	progress   int
}

// Run submits unitID. A unit that already holds a submission record returns
// {Success:false, Duplicate:true} without any call to the authority unless opts.Force
// is set. Every terminal failure is returned as an error carrying a fault.Kind.
func (p *SubmissionPipeline) Run(ctx context.Context, unitID string, opts RunOptions) (models.SubmissionResult, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Reporter == nil {
		opts.Reporter = discard
	}
	r := &run{
		p:        p,
		unitID:   unitID,
		runID:    opts.RunID,
		reporter: opts.Reporter,
		logCtx:   p.logger.With("unitId", unitID, "runId", opts.RunID),
	}

	if unitID == "" {
		return r.fail(models.StageValidate, fault.New(fault.KindValidation, "validate", errors.New("unit id is required")))
	}

	release, err := p.guard.Lock(ctx, unitID)
	if err != nil {
		return r.fail(models.StageValidate, fault.New(fault.KindOf(err), "lock", err))
	}
	defer release()

	if !opts.Force {
		found, err := retry.Do(ctx, p.retrier, "idempotency-check", p.cfg.DetailsPolicy, func(ctx context.Context) (recordLookup, error) {
			rec, ok, err := p.guard.Check(ctx, unitID)
			return recordLookup{rec: rec, ok: ok}, err
		}, nil)
		if err != nil {
			return r.fail(models.StageValidate, fault.Wrap("idempotency-check", err))
		}
		if found.ok {
			rec := found.rec
			r.logCtx.Info("Unit already submitted, skipping.", "submittedAt", rec.SubmittedAt, "correlationId", rec.CorrelationID)
			r.emit(models.StageEvent{
				Stage:    models.StageDone,
				Message:  fmt.Sprintf("Unit %s was already submitted at %s.", unitID, rec.SubmittedAt.Format(time.RFC3339)),
				Progress: progressDone,
				Terminal: true,
			})
			return models.SubmissionResult{Success: false, Duplicate: true, CorrelationID: rec.CorrelationID}, nil
		}
	}

	return r.execute(ctx, opts)
}

type recordLookup struct {
	rec idempotency.Record
	ok  bool
}

func (r *run) execute(ctx context.Context, opts RunOptions) (models.SubmissionResult, error) {
	p := r.p
	r.logCtx.Info("Starting submission run.", "force", opts.Force)

	// --- VALIDATE ---
	r.enter(ctx, models.StageValidate, progressValidate, "Checking unit readiness.")
	details, err := guarded(ctx, r, "details", models.StageValidate, p.cfg.DetailsPolicy, func(ctx context.Context) (models.UnitDetails, error) {
		return p.authority.FetchDetails(ctx, r.unitID)
	})
	if err != nil {
		return r.fail(models.StageValidate, err)
	}
	if details.Status != models.ReadinessReady {
		return r.fail(models.StageValidate, fault.New(fault.KindValidation, "validate",
			fmt.Errorf("%w: status is %q", fault.ErrNotReady, details.Status)))
	}
	if details.DocumentCount > p.cfg.MaxDocuments {
		return r.fail(models.StageValidate, fault.New(fault.KindValidation, "validate",
			fmt.Errorf("%w: %d documents, limit is %d", fault.ErrTooManyDocuments, details.DocumentCount, p.cfg.MaxDocuments)))
	}

	// --- PROCESS ---
	r.enter(ctx, models.StageProcess, progressProcess, fmt.Sprintf("Preparing %d documents.", details.DocumentCount))
	batch, err := guarded(ctx, r, "prepare", models.StageProcess, p.cfg.PreparePolicy, func(ctx context.Context) (models.PreparedBatch, error) {
		return p.authority.Prepare(ctx, r.unitID)
	})
	if err != nil {
		return r.fail(models.StageProcess, err)
	}
	fingerprint, err := Fingerprint(batch)
	if err != nil {
		return r.fail(models.StageProcess, fault.New(fault.KindValidation, "fingerprint", err))
	}

	// --- DUPLICATE_CHECK ---
	r.enter(ctx, models.StageDuplicateCheck, progressDuplicate, "Checking for prior submissions.")
	report, err := guarded(ctx, r, "check-duplicates", models.StageDuplicateCheck, p.cfg.DuplicatePolicy, func(ctx context.Context) (models.DuplicateReport, error) {
		return p.authority.CheckDuplicates(ctx, r.unitID, models.DuplicateCheckRequest{
			Fingerprint:   fingerprint,
			DocumentCount: details.DocumentCount,
		})
	})
	if err != nil {
		return r.fail(models.StageDuplicateCheck, err)
	}
	if report.HasFindings() {
		r.logCtx.Warn("Duplicate check reported findings.", "duplicates", len(report.Duplicates), "warnings", len(report.Warnings))
		advisory := report
		r.emit(models.StageEvent{
			Stage:    models.StageDuplicateCheck,
			Message:  fmt.Sprintf("%d possible duplicate(s) and %d warning(s) found; continuing.", len(report.Duplicates), len(report.Warnings)),
			Progress: progressDuplicate,
			Advisory: &advisory,
		})
	}

	// --- CONFIRM ---
	if opts.Confirm != nil {
		r.enter(ctx, models.StageConfirm, progressConfirm, "Waiting for confirmation.")
		ok, err := opts.Confirm(ctx, ConfirmRequest{
			UnitID:        r.unitID,
			DocumentCount: details.DocumentCount,
			Advisory:      report,
		})
		if err != nil || !ok {
			cause := fault.ErrCancelled
			if err != nil {
				cause = fmt.Errorf("%w: %w", fault.ErrCancelled, err)
			}
			return r.fail(models.StageConfirm, fault.New(fault.KindCancelled, "confirm", cause))
		}
	} else {
		r.enter(ctx, models.StageConfirm, progressConfirm, "No confirmation required.")
	}

	// --- SUBMIT ---
	r.enter(ctx, models.StageSubmit, progressSubmit, "Submitting to the authority.")
	sub, err := guarded(ctx, r, "submit", models.StageSubmit, p.cfg.SubmitPolicy, func(ctx context.Context) (submitOutcome, error) {
		resp, raw, err := p.authority.Submit(ctx, r.unitID, models.SubmitRequest{Fingerprint: fingerprint, RunID: r.runID})
		return submitOutcome{resp: resp, raw: raw}, err
	})

	var result models.SubmissionResult
	switch {
	case err != nil && fault.KindOf(err) == fault.KindUnreachable && p.fallback != nil:
		// --- FALLBACK_VERIFY ---
		r.enter(ctx, models.StageFallbackVerify, progressFallback, "Connection lost during submit; checking whether the authority received it.")
		result, err = p.fallback.Verify(ctx, r.unitID, err)
		if err != nil {
			return r.fail(models.StageFallbackVerify, err)
		}
	case err != nil:
		return r.fail(models.StageSubmit, err)
	default:
		correlationID := sub.resp.ID()
		if correlationID != "" {
			r.pollStatus(ctx, correlationID)
		}

		// --- VERIFY ---
		r.enter(ctx, models.StageVerify, progressVerify, "Verifying the authority's answer.")
		if sub.resp.Accepted != nil && !*sub.resp.Accepted {
			msg := sub.resp.Message
			if msg == "" {
				msg = sub.resp.Status
			}
			return r.fail(models.StageVerify, &fault.Error{
				Kind:    fault.KindValidation,
				Op:      "verify",
				Payload: sub.raw,
				Err:     fmt.Errorf("%w: %s", fault.ErrRejected, msg),
			})
		}
		result = models.SubmissionResult{Success: true, CorrelationID: correlationID, Raw: sub.raw}
	}

	// --- DONE ---
	return r.finish(ctx, result)
}

type submitOutcome struct {
	resp models.SubmitResponse
	raw  json.RawMessage
}

// pollStatus looks up the remote state once a correlation id is known. Failures only
// cost the intermediate event.
func (r *run) pollStatus(ctx context.Context, correlationID string) {
	info := &models.RealTimeInfo{CorrelationID: correlationID}
	st, err := guarded(ctx, r, "status", models.StageSubmit, r.p.cfg.StatusPolicy, func(ctx context.Context) (models.SubmissionStatus, error) {
		return r.p.authority.Status(ctx, correlationID)
	})
	if err != nil {
		r.logCtx.Warn("Status lookup failed.", "correlationId", correlationID, "error", err)
	} else {
		info.RemoteStatus = st.Status
	}
	r.emit(models.StageEvent{
		Stage:    models.StageSubmit,
		Message:  fmt.Sprintf("Authority assigned correlation id %s.", correlationID),
		Progress: progressSubmitted,
		RealTime: info,
	})
}

func (r *run) finish(ctx context.Context, result models.SubmissionResult) (models.SubmissionResult, error) {
	if _, err := r.p.guard.MarkSubmitted(ctx, r.unitID, result.CorrelationID); err != nil {
		r.logCtx.Error("Submission succeeded but could not be recorded.", "error", err)
	}
	if r.p.archive != nil {
		if err := r.p.archive.Save(ctx, r.unitID, r.runID, result); err != nil {
			r.logCtx.Error("Failed to archive submission receipt.", "error", err)
		}
	}

	msg := "Submission complete."
	if result.Recovered {
		msg = "Submission confirmed from the authority's records."
	}
	r.enter(ctx, models.StageDone, progressDone, msg)
	r.logCtx.Info("Submission run finished.", "correlationId", result.CorrelationID, "recovered", result.Recovered)
	return result, nil
}

// enter reports the start of a stage, holding the previous stage on screen for at
// least MinStageDuration.
func (r *run) enter(ctx context.Context, stage models.Stage, progress int, msg string) {
	if hold := r.p.cfg.MinStageDuration; hold > 0 && !r.stageStart.IsZero() {
		if remaining := hold - r.p.clock.Now().Sub(r.stageStart); remaining > 0 {
			_ = r.p.clock.Sleep(ctx, remaining)
		}
	}
	r.stageStart = r.p.clock.Now()
	r.progress = progress
	r.logCtx.Info("Entering stage.", "stage", string(stage))
	r.emit(models.StageEvent{
		Stage:    stage,
		Message:  msg,
		Progress: progress,
		Terminal: stage == models.StageDone,
	})
}

func (r *run) emit(e models.StageEvent) {
	e.RunID = r.runID
	e.UnitID = r.unitID
	r.reporter.OnStage(e)
}

// fail reports a terminal failure and returns it. Cancellations end in CANCELLED,
// everything else in FAILED.
func (r *run) fail(stage models.Stage, err error) (models.SubmissionResult, error) {
	terminal := models.StageFailed
	if fault.KindOf(err) == fault.KindCancelled {
		terminal = models.StageCancelled
	}
	r.logCtx.Error("Submission run failed.", "stage", string(stage), "kind", string(fault.KindOf(err)), "error", err)
	r.emit(models.StageEvent{
		Stage:    terminal,
		Message:  fmt.Sprintf("%s failed: %v", stage, err),
		Progress: r.progress,
		Error:    DescribeError(err, false),
		Terminal: true,
	})
	return models.SubmissionResult{}, err
}

// guarded runs one outbound call: the gate once, then the retry executor. Retries are
// reported as events of the current stage with progress reset to the stage start.
func guarded[T any](ctx context.Context, r *run, op string, stage models.Stage, policy retry.Policy, fn func(context.Context) (T, error)) (T, error) {
	if err := r.p.gate.Acquire(ctx); err != nil {
		var zero T
		return zero, fault.Wrap(op, err)
	}
	out, err := retry.Do(ctx, r.p.retrier, op, policy, fn, func(a retry.Attempt) {
		r.emit(models.StageEvent{
			Stage:    stage,
			Message:  fmt.Sprintf("%s failed (%s), retrying in %s.", op, a.Kind, a.Delay),
			Progress: r.progress,
			Error:    DescribeError(a.Err, true),
			RealTime: &models.RealTimeInfo{Attempt: a.Number + 1, MaxAttempts: a.MaxRetries + 1},
		})
	})
	if err != nil {
		return out, fault.Wrap(op, err)
	}
	return out, nil
}

// DescribeError converts err into the error member of a StageEvent.
func DescribeError(err error, retrying bool) *models.ErrorInfo {
	return &models.ErrorInfo{
		Kind:       string(fault.KindOf(err)),
		Message:    err.Error(),
		StatusCode: fault.StatusCode(err),
		Payload:    fault.Payload(err),
		Retrying:   retrying,
	}
}

// Fingerprint is the hex SHA-256 of the prepared batch as the authority returned it.
func Fingerprint(batch models.PreparedBatch) (string, error) {
	raw := []byte(batch.Raw)
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(batch.Documents); err != nil {
			return "", fmt.Errorf("failed to encode prepared batch: %w", err)
		}
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}
