package models

import (
	"encoding/json"
	"time"
)

// Readiness is the submission readiness of a unit as recorded by the document store.
type Readiness string

const (
	ReadinessNotReady  Readiness = "not-ready"
	ReadinessReady     Readiness = "ready"
	ReadinessSubmitted Readiness = "submitted"
)

// MaxDocumentsPerUnit is the authority's ceiling on documents in one batch.
const MaxDocumentsPerUnit = 100

// UnitDetails is the metadata the authority gateway reports for a unit.
// It is fetched before submission and again during fallback verification.
type UnitDetails struct {
	ID            string          `json:"id"`
	DocumentCount int             `json:"documentCount"`
	Status        Readiness       `json:"status"`
	RemoteStatus  string          `json:"remoteStatus,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	RemoteResult  json.RawMessage `json:"remoteResponse,omitempty"`
	UpdatedAt     time.Time       `json:"updatedAt,omitempty"`
}

// PreparedBatch is the set of submission-ready documents materialized for a unit.
type PreparedBatch struct {
	UnitID    string             `json:"unitId"`
	Documents []PreparedDocument `json:"documents"`
	Raw       json.RawMessage    `json:"-"`
}

// PreparedDocument is one document inside a PreparedBatch.
type PreparedDocument struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// DuplicateReport is the advisory answer of the remote duplicate check.
type DuplicateReport struct {
	Duplicates []DuplicateMatch `json:"duplicates,omitempty"`
	Warnings   []string         `json:"warnings,omitempty"`
}

// HasFindings reports whether the report carries anything worth surfacing.
func (r DuplicateReport) HasFindings() bool {
	return len(r.Duplicates) > 0 || len(r.Warnings) > 0
}

// DuplicateMatch is a prior submission that conflicts with the current unit.
type DuplicateMatch struct {
	UnitID        string    `json:"unitId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	SubmittedAt   time.Time `json:"submittedAt,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// SubmissionStatus is the authority's processing state for a correlation id.
type SubmissionStatus struct {
	CorrelationID string `json:"correlationId"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// SubmissionResult is the terminal value of a pipeline run. It is never retried once produced.
type SubmissionResult struct {
	Success       bool            `json:"success"`
	Duplicate     bool            `json:"duplicate,omitempty"`
	Recovered     bool            `json:"recovered,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Raw           json.RawMessage `json:"raw,omitempty"`
}

// BulkAck is the authority's acknowledgement of an asynchronous batch submission.
type BulkAck struct {
	JobID    string   `json:"jobId,omitempty"`
	Accepted []string `json:"accepted,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// BulkResult is the terminal value of a bulk dispatch.
type BulkResult struct {
	Success bool     `json:"success"`
	UnitIDs []string `json:"unitIds,omitempty"`
	Ack     *BulkAck `json:"ack,omitempty"`
	Message string   `json:"message,omitempty"`
}
