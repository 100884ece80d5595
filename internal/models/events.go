package models

import "encoding/json"

// Stage names a step of a submission run.
type Stage string

// Single-unit pipeline stages, in order.
const (
	StageValidate       Stage = "VALIDATE"
	StageProcess        Stage = "PROCESS"
	StageDuplicateCheck Stage = "DUPLICATE_CHECK"
	StageConfirm        Stage = "CONFIRM"
	StageSubmit         Stage = "SUBMIT"
	StageFallbackVerify Stage = "FALLBACK_VERIFY"
	StageVerify         Stage = "VERIFY"
	StageDone           Stage = "DONE"
	StageCancelled      Stage = "CANCELLED"
	StageFailed         Stage = "FAILED"
)

// Bulk dispatch stages, in order.
const (
	StageBulkValidate    Stage = "VALIDATE_READINESS"
	StageBulkPrepare     Stage = "PREPARE"
	StageBulkSubmit      Stage = "SUBMIT"
	StageBulkAcknowledge Stage = "ACKNOWLEDGE"
)

// StageEvent is one progress report of a run. Events of a run arrive in stage order;
// Progress may drop back within a stage when a call is retried.
type StageEvent struct {
	RunID    string           `json:"runId,omitempty"`
	UnitID   string           `json:"unitId,omitempty"`
	Stage    Stage            `json:"stage"`
	Message  string           `json:"message"`
	Progress int              `json:"progress"`
	Error    *ErrorInfo       `json:"error,omitempty"`
	RealTime *RealTimeInfo    `json:"realTimeInfo,omitempty"`
	Advisory *DuplicateReport `json:"advisory,omitempty"`
	Terminal bool             `json:"terminal,omitempty"`
}

// ErrorInfo describes the failure attached to a StageEvent.
type ErrorInfo struct {
	Kind       string          `json:"kind"`
	Message    string          `json:"message"`
	StatusCode int             `json:"statusCode,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Retrying   bool            `json:"retrying,omitempty"`
}

// RealTimeInfo carries live progress of a remote call.
type RealTimeInfo struct {
	CorrelationID string `json:"correlationId,omitempty"`
	RemoteStatus  string `json:"remoteStatus,omitempty"`
	Attempt       int    `json:"attempt,omitempty"`
	MaxAttempts   int    `json:"maxAttempts,omitempty"`
}
