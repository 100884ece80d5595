package gcp

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

func TestReceiptObjectName(t *testing.T) {
	assert.Equal(t, "receipts/INV-7/corr-1.json", ReceiptObjectName("receipts", "INV-7", "run-1", "corr-1"))
	assert.Equal(t, "receipts/INV-7/run-1.json", ReceiptObjectName("receipts", "INV-7", "run-1", ""))
	assert.Equal(t, "INV-7/run-1.json", ReceiptObjectName("", "INV-7", "run-1", ""))
}

func TestIsPreconditionFailed(t *testing.T) {
	assert.True(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusPreconditionFailed}))
	assert.True(t, isPreconditionFailed(fmt.Errorf("close: %w", &googleapi.Error{Code: http.StatusPreconditionFailed})))
	assert.False(t, isPreconditionFailed(&googleapi.Error{Code: http.StatusForbidden}))
	assert.False(t, isPreconditionFailed(errors.New("boom")))
}
