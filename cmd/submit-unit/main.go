package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	"github.com/Lllllllleong/fiscalsubmission/internal/config"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/services"
	"golang.org/x/sync/errgroup"
)

// unitRunner is the part of the pipeline the handler drives.
type unitRunner interface {
	Run(ctx context.Context, unitID string, opts services.RunOptions) (models.SubmissionResult, error)
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

	// "HandleSubmitUnit" is the entry point name configured in GCP.
	functions.HTTP("HandleSubmitUnit", handleSubmitUnit)
}

// main is required by the Go Functions Framework.
func main() {}

func handleSubmitUnit(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			initErr = err
			return
		}
		runtimeInstance, initErr = services.NewRuntime(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("Critical: submission runtime initialization failed", "error", initErr)
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	serveSubmission(runtimeInstance.Pipeline, w, r)
}

// runOutcome is the last line of the stream.
type runOutcome struct {
	Result *models.SubmissionResult `json:"result,omitempty"`
	Error  *models.ErrorInfo        `json:"error,omitempty"`
}

// serveSubmission runs one unit and streams its stage events as NDJSON, followed by
// a runOutcome line. Once the run starts, a client disconnect does not abort it.
func serveSubmission(runner unitRunner, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.SubmitUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Could not decode request body", "error", err)
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if req.UnitID == "" {
		http.Error(w, "Bad Request: unitId is required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	g, gctx := errgroup.WithContext(r.Context())
	stream := services.NewEventStream(gctx, 16)

	var (
		result models.SubmissionResult
		runErr error
	)
	g.Go(func() error {
		defer stream.Close()
		result, runErr = runner.Run(context.WithoutCancel(r.Context()), req.UnitID, services.RunOptions{
			Force:    req.Force,
			Reporter: stream,
		})
		return nil
	})
	g.Go(func() error {
		for e := range stream.Events() {
			if err := enc.Encode(e); err != nil {
				return err
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Warn("Client went away while streaming events", "unitId", req.UnitID, "error", err)
		return
	}

	out := runOutcome{Result: &result}
	if runErr != nil {
		out = runOutcome{Error: services.DescribeError(runErr, false)}
	}
	if err := enc.Encode(out); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Failed to write outcome", "unitId", req.UnitID, "error", err)
	}
}
