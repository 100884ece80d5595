package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/fiscalsubmission/internal/config"
	"github.com/Lllllllleong/fiscalsubmission/internal/fault"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
)

// batchRunner is the part of the bulk dispatcher the handler drives.
type batchRunner interface {
	Run(ctx context.Context, unitIDs []string, reporter services.Reporter) (models.BulkResult, error)
}

var (
	runtimeInstance *services.Runtime
	once            sync.Once
	initErr         error
)

func init() {
	// --- Set up structured logging ---
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("HandleBulkSubmit", handleBulkSubmit)
}

// main is required by the Go Functions Framework.
func main() {}

func handleBulkSubmit(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			initErr = err
			return
		}
		runtimeInstance, initErr = services.NewRuntime(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}
	return dispatch(ctx, runtimeInstance.Bulk, e)
}

// dispatch runs one bulk event. Only retryable failures are returned, so the
// platform redelivers the event for those and drops everything else.
func dispatch(ctx context.Context, runner batchRunner, e cloudevents.Event) error {
	var event models.BulkSubmitEvent
	if err := json.Unmarshal(e.Data(), &event); err != nil {
		slog.Error("Failed to unmarshal event data", "error", err, "eventId", e.ID(), "data", string(e.Data()))
		return nil
	}

	logCtx := slog.With("eventId", e.ID(), "units", len(event.UnitIDs))
	reporter := services.ReporterFunc(func(ev models.StageEvent) {
		logCtx.Info(ev.Message, "runId", ev.RunID, "stage", string(ev.Stage), "progress", ev.Progress)
	})

	res, err := runner.Run(ctx, event.UnitIDs, reporter)
	if err != nil {
		kind := fault.KindOf(err)
		if kind.Retryable() {
			return fmt.Errorf("bulk submission will be redelivered: %w", err)
		}
		logCtx.Error("Bulk submission failed permanently.", "kind", string(kind), "error", err)
		return nil
	}
	if !res.Success {
		logCtx.Warn("Bulk submission skipped.", "reason", res.Message)
	}
	return nil
}
