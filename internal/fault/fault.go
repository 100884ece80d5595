// Package fault classifies failures of outbound calls to the compliance authority.
//
// Every error that leaves a transport boundary carries a Kind. The Kind drives two
// independent decisions: whether the retry executor may try again, and what the
// presentation layer shows the user.
package fault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the classification tag of a failure.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindRateLimited Kind = "rate-limited"
	KindServer      Kind = "server"
	KindTimeout     Kind = "timeout"
	KindUnreachable Kind = "unreachable"
	KindCancelled   Kind = "cancelled"
	KindDuplicate   Kind = "duplicate"
)

// Retryable reports whether a failure of this kind may succeed on another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServer, KindTimeout, KindUnreachable:
		return true
	default:
		return false
	}
}

// Sentinel errors for local pipeline decisions.
var (
	ErrNotReady         = errors.New("unit is not ready for submission")
	ErrTooManyDocuments = errors.New("unit exceeds the batch document ceiling")
	ErrCancelled        = errors.New("submission cancelled before dispatch")
	ErrEmptyEnvelope    = errors.New("authority returned an empty response")
	ErrRejected         = errors.New("authority rejected the submission")
)

// Error is a classified failure. StatusCode and Payload are set when the authority
// answered with an HTTP response.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	Payload    json.RawMessage
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New returns a classified error for op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FromStatus classifies an HTTP response status. Payload is the raw response body.
func FromStatus(op string, statusCode int, payload []byte, err error) *Error {
	if err == nil {
		err = errors.New(http.StatusText(statusCode))
	}
	return &Error{
		Kind:       KindForStatus(statusCode),
		Op:         op,
		StatusCode: statusCode,
		Payload:    rawJSON(payload),
		Err:        err,
	}
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusConflict:
		return KindDuplicate
	case code >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// Wrap classifies err as it comes out of a transport call for op. Already classified
// errors are returned unchanged.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf derives the Kind of any error. Errors that carry no transport signal are local
// faults and classified as validation, which is terminal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusPreconditionFailed {
			return KindDuplicate
		}
		return KindForStatus(gerr.Code)
	}

	if s, ok := status.FromError(err); ok && s.Code() != codes.OK && s.Code() != codes.Unknown {
		return kindForCode(s.Code())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	if isSevered(err) {
		return KindUnreachable
	}
	return KindValidation
}

// StatusCode returns the HTTP status recorded on err, or 0.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// Payload returns the raw authority payload recorded on err, if any.
func Payload(err error) json.RawMessage {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Payload
	}
	return nil
}

func kindForCode(c codes.Code) Kind {
	switch c {
	case codes.ResourceExhausted:
		return KindRateLimited
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Unavailable:
		return KindUnreachable
	case codes.Internal, codes.Aborted, codes.DataLoss:
		return KindServer
	case codes.Canceled:
		return KindCancelled
	case codes.AlreadyExists:
		return KindDuplicate
	default:
		return KindValidation
	}
}

// isSevered reports whether err means the connection failed before or during the
// exchange, so the caller cannot know whether the authority processed the request.
func isSevered(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
