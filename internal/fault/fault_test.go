package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindServer},
		{http.StatusBadGateway, KindServer},
		{http.StatusServiceUnavailable, KindServer},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusConflict, KindDuplicate},
		{http.StatusBadRequest, KindValidation},
		{http.StatusUnprocessableEntity, KindValidation},
		{http.StatusNotFound, KindValidation},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, KindForStatus(tt.code))
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"classified", New(KindRateLimited, "submit", errors.New("slow down")), KindRateLimited},
		{"wrapped classified", fmt.Errorf("stage: %w", New(KindServer, "prepare", errors.New("boom"))), KindServer},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline", fmt.Errorf("do request: %w", context.DeadlineExceeded), KindTimeout},
		{"connection refused", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindUnreachable},
		{"connection reset", fmt.Errorf("read: %w", syscall.ECONNRESET), KindUnreachable},
		{"unexpected eof", io.ErrUnexpectedEOF, KindUnreachable},
		{"googleapi 503", &googleapi.Error{Code: 503}, KindServer},
		{"googleapi 429", &googleapi.Error{Code: 429}, KindRateLimited},
		{"googleapi precondition", &googleapi.Error{Code: 412}, KindDuplicate},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), KindUnreachable},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), KindRateLimited},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad"), KindValidation},
		{"plain local error", errors.New("bad input"), KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindRateLimited, KindServer, KindTimeout, KindUnreachable}
	terminal := []Kind{KindValidation, KindCancelled, KindDuplicate}

	for _, k := range retryable {
		assert.True(t, k.Retryable(), "%s should be retryable", k)
	}
	for _, k := range terminal {
		assert.False(t, k.Retryable(), "%s should be terminal", k)
	}
}

func TestFromStatus(t *testing.T) {
	err := FromStatus("submit", http.StatusTooManyRequests, []byte(`{"error":"quota"}`), nil)

	assert.Equal(t, KindRateLimited, err.Kind)
	assert.Equal(t, 429, StatusCode(err))
	assert.JSONEq(t, `{"error":"quota"}`, string(Payload(err)))
	assert.Contains(t, err.Error(), "status 429")

	notJSON := FromStatus("submit", http.StatusBadGateway, []byte("<html>"), nil)
	assert.Nil(t, notJSON.Payload)
}

func TestWrap(t *testing.T) {
	t.Run("nil", func(t *testing.T) {
		assert.NoError(t, Wrap("details", nil))
	})

	t.Run("keeps existing classification", func(t *testing.T) {
		orig := New(KindServer, "details", errors.New("boom"))
		assert.Same(t, orig, Wrap("other", orig))
	})

	t.Run("classifies raw error", func(t *testing.T) {
		err := Wrap("details", io.EOF)
		var fe *Error
		require.True(t, errors.As(err, &fe))
		assert.Equal(t, KindUnreachable, fe.Kind)
		assert.Equal(t, "details", fe.Op)
		assert.ErrorIs(t, err, io.EOF)
	})
}
