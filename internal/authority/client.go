// Package authority is the HTTP client of the compliance authority gateway.
//
// Every call is bounded by its own deadline and every failure leaves this package as a
// *fault.Error classified from the HTTP status or the transport error.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Lllllllleong/fiscalsubmission/internal/fault"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
)

// Timeouts bounds each endpoint call.
type Timeouts struct {
	Details        time.Duration
	Prepare        time.Duration
	DuplicateCheck time.Duration
	Submit         time.Duration
	Status         time.Duration
	BulkSubmit     time.Duration
}

// DefaultTimeouts returns the per-call deadlines of the gateway. Submit is the longest
// because the authority may process a batch slowly before answering.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Details:        20 * time.Second,
		Prepare:        60 * time.Second,
		DuplicateCheck: 30 * time.Second,
		Submit:         120 * time.Second,
		Status:         30 * time.Second,
		BulkSubmit:     30 * time.Second,
	}
}

// Client talks to the gateway.
type Client struct {
	baseURL      string
	sessionToken string
	httpClient   *http.Client
	timeouts     Timeouts
	logger       *slog.Logger
}

// Option configures the Client during construction.
type Option func(*Client) error

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) error {
		if c == nil {
			return errors.New("authority: nil http client")
		}
		cl.httpClient = c
		return nil
	}
}

// WithSessionToken sets the session credential sent on every request.
func WithSessionToken(token string) Option {
	return func(cl *Client) error {
		cl.sessionToken = token
		return nil
	}
}

// WithTimeouts overrides the per-call deadlines. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(cl *Client) error {
		mergeTimeouts(&cl.timeouts, t)
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) error {
		cl.logger = l
		return nil
	}
}

// New creates a Client for the gateway at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("authority: baseURL is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("authority: invalid baseURL: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{},
		timeouts:   DefaultTimeouts(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// FetchDetails calls GET /units/{id}/details.
func (c *Client) FetchDetails(ctx context.Context, unitID string) (models.UnitDetails, error) {
	var out models.UnitDetails
	path := "/units/" + url.PathEscape(unitID) + "/details"
	if _, err := c.call(ctx, "details", http.MethodGet, path, nil, c.timeouts.Details, &out); err != nil {
		return models.UnitDetails{}, err
	}
	if out.ID == "" {
		out.ID = unitID
	}
	return out, nil
}

// Prepare calls POST /units/{id}/prepare.
func (c *Client) Prepare(ctx context.Context, unitID string) (models.PreparedBatch, error) {
	var out models.PreparedBatch
	path := "/units/" + url.PathEscape(unitID) + "/prepare"
	raw, err := c.call(ctx, "prepare", http.MethodPost, path, struct{}{}, c.timeouts.Prepare, &out)
	if err != nil {
		return models.PreparedBatch{}, err
	}
	if out.UnitID == "" {
		out.UnitID = unitID
	}
	out.Raw = raw
	return out, nil
}

// CheckDuplicates calls POST /units/{id}/check-duplicates.
func (c *Client) CheckDuplicates(ctx context.Context, unitID string, req models.DuplicateCheckRequest) (models.DuplicateReport, error) {
	var out models.DuplicateReport
	path := "/units/" + url.PathEscape(unitID) + "/check-duplicates"
	if _, err := c.call(ctx, "check-duplicates", http.MethodPost, path, req, c.timeouts.DuplicateCheck, &out); err != nil {
		return models.DuplicateReport{}, err
	}
	return out, nil
}

// Submit calls POST /units/{id}/submit-single and returns the decoded response together
// with the raw data member.
func (c *Client) Submit(ctx context.Context, unitID string, req models.SubmitRequest) (models.SubmitResponse, json.RawMessage, error) {
	var out models.SubmitResponse
	path := "/units/" + url.PathEscape(unitID) + "/submit-single"
	raw, err := c.call(ctx, "submit", http.MethodPost, path, req, c.timeouts.Submit, &out)
	if err != nil {
		return models.SubmitResponse{}, nil, err
	}
	return out, raw, nil
}

// Status calls GET /submission-status/{correlationId}.
func (c *Client) Status(ctx context.Context, correlationID string) (models.SubmissionStatus, error) {
	var out models.SubmissionStatus
	path := "/submission-status/" + url.PathEscape(correlationID)
	if _, err := c.call(ctx, "status", http.MethodGet, path, nil, c.timeouts.Status, &out); err != nil {
		return models.SubmissionStatus{}, err
	}
	if out.CorrelationID == "" {
		out.CorrelationID = correlationID
	}
	return out, nil
}

// SubmitBatch calls POST /bulk-submit-files.
func (c *Client) SubmitBatch(ctx context.Context, unitIDs []string) (models.BulkAck, error) {
	var out models.BulkAck
	body := models.BulkSubmitRequest{UnitIDs: unitIDs}
	if _, err := c.call(ctx, "bulk-submit", http.MethodPost, "/bulk-submit-files", body, c.timeouts.BulkSubmit, &out); err != nil {
		return models.BulkAck{}, err
	}
	return out, nil
}

// call performs one request under its own deadline, unwraps the envelope and decodes
// its data member into dst. It returns the raw data member.
func (c *Client) call(ctx context.Context, op, method, path string, body any, timeout time.Duration, dst any) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fault.New(fault.KindValidation, op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fault.New(fault.KindValidation, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.sessionToken)
	}

	c.logger.DebugContext(ctx, "Authority request.", "op", op, "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, callCtx, op, fmt.Errorf("read response: %w", err))
	}

	c.logger.DebugContext(ctx, "Authority response.", "op", op, "status", resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.FromStatus(op, resp.StatusCode, respBody, errors.New(errorMessage(resp.Status, respBody)))
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return nil, fault.New(fault.KindServer, op, fault.ErrEmptyEnvelope)
	}

	var env models.Envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, &fault.Error{Kind: fault.KindServer, Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if !env.Success {
		msg := "request was not successful"
		if env.Error != nil && env.Error.Message != "" {
			msg = env.Error.Message
		}
		return nil, &fault.Error{
			Kind:       fault.KindValidation,
			Op:         op,
			StatusCode: resp.StatusCode,
			Payload:    json.RawMessage(respBody),
			Err:        errors.New(msg),
		}
	}

	if dst != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, dst); err != nil {
			return nil, &fault.Error{Kind: fault.KindServer, Op: op, StatusCode: resp.StatusCode, Payload: env.Data, Err: fmt.Errorf("decode data: %w", err)}
		}
	}
	return env.Data, nil
}

// transportError classifies a failure with no HTTP response. An expired per-call deadline
// is a timeout; a cancelled caller context is a cancellation; anything else is severed.
func (c *Client) transportError(ctx, callCtx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fault.New(fault.KindOf(ctx.Err()), op, err)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return fault.New(fault.KindTimeout, op, err)
	}
	kind := fault.KindOf(err)
	if kind == fault.KindValidation {
		kind = fault.KindUnreachable
	}
	c.logger.WarnContext(ctx, "Authority call failed without a response.", "op", op, "kind", string(kind), "error", err)
	return fault.New(kind, op, err)
}

func errorMessage(status string, body []byte) string {
	var env models.Envelope
	if json.Unmarshal(body, &env) == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	text := truncate(strings.TrimSpace(string(body)), maxMessageBytes)
	if text == "" {
		return status
	}
	return status + ": " + text
}

// maxMessageBytes bounds the body excerpt carried in error messages.
const maxMessageBytes = 200

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func mergeTimeouts(dst *Timeouts, src Timeouts) {
	if src.Details > 0 {
		dst.Details = src.Details
	}
	if src.Prepare > 0 {
		dst.Prepare = src.Prepare
	}
	if src.DuplicateCheck > 0 {
		dst.DuplicateCheck = src.DuplicateCheck
	}
	if src.Submit > 0 {
		dst.Submit = src.Submit
	}
	if src.Status > 0 {
		dst.Status = src.Status
	}
	if src.BulkSubmit > 0 {
		dst.BulkSubmit = src.BulkSubmit
	}
}
