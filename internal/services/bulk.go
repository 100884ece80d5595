package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/fiscalsubmission/internal/fault"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/retry"
	"github.com/google/uuid"
)

// BatchSubmitter hands a whole batch of units to the authority for asynchronous
// processing.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, unitIDs []string) (models.BulkAck, error)
}

// BulkDispatcher submits many units as one remote batch. Units are expected to have
// been vetted individually, so there is no per-unit duplicate check or confirmation.
type BulkDispatcher struct {
	submitter BatchSubmitter
	gate      Throttle
	retrier   *retry.Executor
	policy    retry.Policy
	logger    *slog.Logger
}

// NewBulkDispatcher returns a dispatcher calling submitter behind gate.
func NewBulkDispatcher(submitter BatchSubmitter, gate Throttle, retrier *retry.Executor, policy retry.Policy, logger *slog.Logger) *BulkDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if retrier == nil {
		retrier = retry.NewExecutor(nil, logger)
	}
	return &BulkDispatcher{
		submitter: submitter,
		gate:      gate,
		retrier:   retrier,
		policy:    policy,
		logger:    logger,
	}
}

// Run dispatches unitIDs. An empty list returns {Success:false} with no side effects.
func (d *BulkDispatcher) Run(ctx context.Context, unitIDs []string, reporter Reporter) (models.BulkResult, error) {
	ids := normalizeIDs(unitIDs)
	if len(ids) == 0 {
		return models.BulkResult{Success: false, Message: "no units to submit"}, nil
	}
	if reporter == nil {
		reporter = discard
	}

	runID := uuid.NewString()
	logCtx := d.logger.With("runId", runID, "units", len(ids))
	emit := func(stage models.Stage, progress int, msg string) {
		reporter.OnStage(models.StageEvent{RunID: runID, Stage: stage, Message: msg, Progress: progress})
	}
	fail := func(stage models.Stage, progress int, err error) (models.BulkResult, error) {
		logCtx.Error("Bulk submission failed.", "stage", string(stage), "error", err)
		reporter.OnStage(models.StageEvent{
			RunID:    runID,
			Stage:    models.StageFailed,
			Message:  fmt.Sprintf("%s failed: %v", stage, err),
			Progress: progress,
			Error:    DescribeError(err, false),
			Terminal: true,
		})
		return models.BulkResult{Success: false, UnitIDs: ids}, err
	}

	logCtx.Info("Starting bulk submission.")
	emit(models.StageBulkValidate, 10, fmt.Sprintf("%d units selected.", len(ids)))
	emit(models.StageBulkPrepare, 30, "Preparing batch.")

	emit(models.StageBulkSubmit, 60, "Submitting batch to the authority.")
	if err := d.gate.Acquire(ctx); err != nil {
		return fail(models.StageBulkSubmit, 60, fault.Wrap("bulk-submit", err))
	}
	ack, err := retry.Do(ctx, d.retrier, "bulk-submit", d.policy, func(ctx context.Context) (models.BulkAck, error) {
		return d.submitter.SubmitBatch(ctx, ids)
	}, func(a retry.Attempt) {
		reporter.OnStage(models.StageEvent{
			RunID:    runID,
			Stage:    models.StageBulkSubmit,
			Message:  fmt.Sprintf("Batch submit failed (%s), retrying in %s.", a.Kind, a.Delay),
			Progress: 60,
			Error:    DescribeError(a.Err, true),
			RealTime: &models.RealTimeInfo{Attempt: a.Number + 1, MaxAttempts: a.MaxRetries + 1},
		})
	})
	if err != nil {
		return fail(models.StageBulkSubmit, 60, fault.Wrap("bulk-submit", err))
	}

	msg := fmt.Sprintf("Authority accepted the batch of %d units.", len(ids))
	if ack.JobID != "" {
		msg = fmt.Sprintf("Authority accepted the batch as job %s.", ack.JobID)
	}
	if len(ack.Rejected) > 0 {
		msg += fmt.Sprintf(" %d unit(s) rejected.", len(ack.Rejected))
	}
	reporter.OnStage(models.StageEvent{
		RunID:    runID,
		Stage:    models.StageBulkAcknowledge,
		Message:  msg,
		Progress: 100,
		RealTime: &models.RealTimeInfo{CorrelationID: ack.JobID},
		Terminal: true,
	})
	logCtx.Info("Bulk submission acknowledged.", "jobId", ack.JobID, "rejected", len(ack.Rejected))

	return models.BulkResult{Success: true, UnitIDs: ids, Ack: &ack, Message: msg}, nil
}

// normalizeIDs trims ids and drops blanks and repeats, keeping first-seen order.
func normalizeIDs(unitIDs []string) []string {
	seen := make(map[string]bool, len(unitIDs))
	out := make([]string, 0, len(unitIDs))
	for _, id := range unitIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
