package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	executions "cloud.google.com/go/workflows/executions/apiv1"
	"github.com/Lllllllleong/fiscalsubmission/internal/authority"
	"github.com/Lllllllleong/fiscalsubmission/internal/clock"
	"github.com/Lllllllleong/fiscalsubmission/internal/config"
	"github.com/Lllllllleong/fiscalsubmission/internal/gcp"
	"github.com/Lllllllleong/fiscalsubmission/internal/idempotency"
	"github.com/Lllllllleong/fiscalsubmission/internal/ratelimit"
	"github.com/Lllllllleong/fiscalsubmission/internal/retry"
)

// Runtime holds the process-wide instances: one gate, one guard, one authority client.
type Runtime struct {
	Pipeline *SubmissionPipeline
	Bulk     *BulkDispatcher
	Guard    *idempotency.Guard

	closers []func() error
}

// NewRuntime builds every collaborator described by cfg.
func NewRuntime(ctx context.Context, cfg config.Config) (*Runtime, error) {
	logger := slog.Default()
	clk := clock.Real()
	rt := &Runtime{}

	client, err := authority.New(cfg.Authority.BaseURL,
		authority.WithSessionToken(cfg.Authority.SessionToken),
		authority.WithLogger(logger),
		authority.WithTimeouts(authority.Timeouts{
			Details:        cfg.Authority.DetailsTimeout,
			Prepare:        cfg.Authority.PrepareTimeout,
			DuplicateCheck: cfg.Authority.DuplicateCheckTimeout,
			Submit:         cfg.Authority.SubmitTimeout,
			Status:         cfg.Authority.StatusTimeout,
			BulkSubmit:     cfg.Authority.BulkSubmitTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create authority client: %w", err)
	}

	gate := ratelimit.NewGate(cfg.Throttle.Gap, clk, logger)
	retrier := retry.NewExecutor(clk, logger)

	var store idempotency.Store
	switch cfg.Idempotency.Store {
	case config.StoreFirestore:
		fs, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, fs.Close)
		store = gcp.NewRecordStore(fs, cfg.Idempotency.Collection)
	default:
		store = idempotency.NewMemoryStore()
	}
	rt.Guard = idempotency.NewGuard(store, clk, logger)

	var archive ReceiptArchive
	if cfg.Receipts.Bucket != "" {
		sc, err := storage.NewClient(ctx)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to create storage client: %w", err)
		}
		rt.closers = append(rt.closers, sc.Close)
		archive = gcp.NewReceiptArchive(sc, cfg.Receipts.Bucket, cfg.Receipts.Prefix)
	}

	policy := func(n int) retry.Policy {
		return retry.Policy{MaxRetries: n, BaseDelay: cfg.Retry.BaseDelay}
	}

	fallback := NewFallbackVerifier(client, gate, retrier, clk, FallbackConfig{
		SettleDelay: cfg.Pipeline.SettleDelay,
		Policy:      policy(cfg.Retry.DetailsRetries),
	}, logger)

	rt.Pipeline = NewSubmissionPipeline(PipelineDeps{
		Authority: client,
		Gate:      gate,
		Retrier:   retrier,
		Guard:     rt.Guard,
		Fallback:  fallback,
		Archive:   archive,
		Clock:     clk,
		Logger:    logger,
	}, PipelineConfig{
		MaxDocuments:     cfg.Pipeline.MaxDocuments,
		DetailsPolicy:    policy(cfg.Retry.DetailsRetries),
		PreparePolicy:    policy(cfg.Retry.PrepareRetries),
		DuplicatePolicy:  policy(cfg.Retry.DuplicateRetries),
		SubmitPolicy:     policy(cfg.Retry.SubmitRetries),
		StatusPolicy:     policy(cfg.Retry.StatusRetries),
		MinStageDuration: cfg.Pipeline.MinStageDuration,
	})

	var submitter BatchSubmitter = client
	if cfg.Bulk.Backend == config.BulkWorkflow {
		ec, err := executions.NewClient(ctx)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
		}
		rt.closers = append(rt.closers, ec.Close)
		submitter = gcp.NewWorkflowDispatcher(ec, cfg.ProjectID, cfg.Bulk.WorkflowLocation, cfg.Bulk.WorkflowID)
	}
	rt.Bulk = NewBulkDispatcher(submitter, gate, retrier, policy(cfg.Retry.BulkSubmitRetries), logger)

	logger.Info("Submission runtime initialized.",
		"idempotencyStore", cfg.Idempotency.Store,
		"bulkBackend", cfg.Bulk.Backend,
		"receipts", cfg.Receipts.Bucket != "",
		"gap", gate.Gap().String(),
	)
	return rt, nil
}

// Close releases the cloud clients.
func (rt *Runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
