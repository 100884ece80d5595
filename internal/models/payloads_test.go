package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeErrorAcceptsStringAndObject(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantCode    string
		wantMessage string
	}{
		{"string", `{"success":false,"error":"unit locked"}`, "", "unit locked"},
		{"object", `{"success":false,"error":{"code":"E42","message":"bad batch"}}`, "E42", "bad batch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			require.NoError(t, json.Unmarshal([]byte(tt.body), &env))
			require.NotNil(t, env.Error)
			assert.False(t, env.Success)
			assert.Equal(t, tt.wantCode, env.Error.Code)
			assert.Equal(t, tt.wantMessage, env.Error.Message)
		})
	}
}

func TestSubmitResponseID(t *testing.T) {
	assert.Equal(t, "c-1", SubmitResponse{CorrelationID: "c-1", SubmissionID: "s-1"}.ID())
	assert.Equal(t, "s-1", SubmitResponse{SubmissionID: "s-1"}.ID())
	assert.Empty(t, SubmitResponse{}.ID())
}

func TestDuplicateReportHasFindings(t *testing.T) {
	assert.False(t, DuplicateReport{}.HasFindings())
	assert.True(t, DuplicateReport{Warnings: []string{"same totals as INV-7"}}.HasFindings())
	assert.True(t, DuplicateReport{Duplicates: []DuplicateMatch{{UnitID: "u-1"}}}.HasFindings())
}
