package services

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/Lllllllleong/fiscalsubmission/internal/clock"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/retry"
)

// DefaultSettleDelay is how long the authority gets to record a submission whose
// response was lost before its details are re-read.
const DefaultSettleDelay = 3 * time.Second

// DetailsFetcher reads a unit's metadata from the authority.
type DetailsFetcher interface {
	FetchDetails(ctx context.Context, unitID string) (models.UnitDetails, error)
}

// AcceptFunc decides from re-fetched details whether the authority accepted the unit,
// and returns the correlation id it recorded, if any.
type AcceptFunc func(models.UnitDetails) (correlationID string, accepted bool)

var acceptedStatuses = map[string]bool{
	"accepted":  true,
	"submitted": true,
	"processed": true,
	"success":   true,
}

// remoteFields are the members of a recorded remote response that reveal acceptance.
type remoteFields struct {
	Status        string `json:"status"`
	State         string `json:"state"`
	CorrelationID string `json:"correlationId"`
	SubmissionID  string `json:"submissionId"`
	UUID          string `json:"uuid"`
}

// DefaultAccept treats a unit as accepted when its remote status, or the status inside
// its recorded remote response, is one of accepted, submitted, processed or success, or
// when the unit itself is already marked submitted.
func DefaultAccept(d models.UnitDetails) (string, bool) {
	var rf remoteFields
	if len(d.RemoteResult) > 0 {
		_ = json.Unmarshal(d.RemoteResult, &rf)
	}

	accepted := d.Status == models.ReadinessSubmitted
	for _, s := range []string{d.RemoteStatus, rf.Status, rf.State} {
		if acceptedStatuses[strings.ToLower(strings.TrimSpace(s))] {
			accepted = true
		}
	}

	id := d.CorrelationID
	for _, candidate := range []string{rf.CorrelationID, rf.SubmissionID, rf.UUID} {
		if id == "" {
			id = candidate
		}
	}
	return id, accepted
}

// FallbackConfig tunes a FallbackVerifier.
type FallbackConfig struct {
	SettleDelay time.Duration
	Policy      retry.Policy
	Accept      AcceptFunc
}

// FallbackVerifier reconciles a submit call whose connection was severed: the request
// may or may not have reached the authority, so its recorded state is consulted instead
// of resubmitting.
type FallbackVerifier struct {
	fetcher DetailsFetcher
	gate    Throttle
	retrier *retry.Executor
	clock   clock.Clock
	cfg     FallbackConfig
	logger  *slog.Logger
}

// NewFallbackVerifier returns a verifier. A nil Accept uses DefaultAccept.
func NewFallbackVerifier(fetcher DetailsFetcher, gate Throttle, retrier *retry.Executor, clk clock.Clock, cfg FallbackConfig, logger *slog.Logger) *FallbackVerifier {
	if cfg.Accept == nil {
		cfg.Accept = DefaultAccept
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackVerifier{
		fetcher: fetcher,
		gate:    gate,
		retrier: retrier,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// Verify waits the settle delay, re-reads the unit and returns a recovered success if
// the authority shows it accepted. In every other case cause is returned unchanged.
func (v *FallbackVerifier) Verify(ctx context.Context, unitID string, cause error) (models.SubmissionResult, error) {
	logCtx := v.logger.With("unitId", unitID)
	logCtx.Warn("Submit outcome unknown, verifying against recorded state.", "settleDelay", v.cfg.SettleDelay.String(), "cause", cause)

	if err := v.clock.Sleep(ctx, v.cfg.SettleDelay); err != nil {
		return models.SubmissionResult{}, cause
	}
	if err := v.gate.Acquire(ctx); err != nil {
		return models.SubmissionResult{}, cause
	}

	details, err := retry.Do(ctx, v.retrier, "fallback-details", v.cfg.Policy, func(ctx context.Context) (models.UnitDetails, error) {
		return v.fetcher.FetchDetails(ctx, unitID)
	}, nil)
	if err != nil {
		logCtx.Error("Could not re-read unit during fallback verification.", "error", err)
		return models.SubmissionResult{}, cause
	}

	correlationID, accepted := v.cfg.Accept(details)
	if !accepted {
		logCtx.Warn("Authority shows no record of the submission.", "remoteStatus", details.RemoteStatus, "status", string(details.Status))
		return models.SubmissionResult{}, cause
	}

	logCtx.Info("Authority had accepted the submission, recovering.", "correlationId", correlationID)
	return models.SubmissionResult{
		Success:       true,
		Recovered:     true,
		CorrelationID: correlationID,
		Raw:           details.RemoteResult,
	}, nil
}
