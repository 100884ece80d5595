package models

import "encoding/json"

// These structs define the JSON payloads exchanged with the authority gateway and
// with callers of the submission functions.

// Envelope is the response shape of every authority gateway endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *EnvelopeError  `json:"error,omitempty"`
}

// EnvelopeError is the error member of an Envelope. Gateways send either a bare string
// or an object, both are accepted.
type EnvelopeError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON accepts "message" or {"code": ..., "message": ...}.
func (e *EnvelopeError) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		e.Message = s
		return nil
	}
	type plain EnvelopeError
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*e = EnvelopeError(p)
	return nil
}

// DuplicateCheckRequest is the body of POST /units/{id}/check-duplicates.
type DuplicateCheckRequest struct {
	Fingerprint   string `json:"fingerprint"`
	DocumentCount int    `json:"documentCount"`
}

// SubmitRequest is the body of POST /units/{id}/submit-single.
type SubmitRequest struct {
	Fingerprint string `json:"fingerprint"`
	RunID       string `json:"runId,omitempty"`
}

// SubmitResponse is the data member returned by POST /units/{id}/submit-single.
type SubmitResponse struct {
	Accepted      *bool  `json:"accepted,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	SubmissionID  string `json:"submissionId,omitempty"`
	Status        string `json:"status,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ID returns whichever correlation identifier the authority supplied.
func (r SubmitResponse) ID() string {
	if r.CorrelationID != "" {
		return r.CorrelationID
	}
	return r.SubmissionID
}

// BulkSubmitRequest is the body of POST /bulk-submit-files.
type BulkSubmitRequest struct {
	UnitIDs []string `json:"unitIds"`
}

// SubmitUnitRequest is the input of the submit-unit function.
type SubmitUnitRequest struct {
	UnitID string `json:"unitId"`
	Force  bool   `json:"force,omitempty"`
}

// BulkSubmitEvent is the CloudEvent data consumed by the bulk-submit function.
type BulkSubmitEvent struct {
	UnitIDs []string `json:"unitIds"`
}
