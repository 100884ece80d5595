package main

import (
	"context"
	"errors"
	"testing"

	"github.com/Lllllllleong/fiscalsubmission/internal/fault"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/Lllllllleong/fiscalsubmission/internal/services"
	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runnerFunc func(ctx context.Context, unitIDs []string, reporter services.Reporter) (models.BulkResult, error)

func (f runnerFunc) Run(ctx context.Context, unitIDs []string, reporter services.Reporter) (models.BulkResult, error) {
	return f(ctx, unitIDs, reporter)
}

func newEvent(t *testing.T, data string) cloudevents.Event {
	t.Helper()
	e := cloudevents.NewEvent()
	e.SetID("evt-1")
	e.SetSource("//pubsub.googleapis.com/projects/p/topics/bulk")
	e.SetType("google.cloud.pubsub.topic.v1.messagePublished")
	require.NoError(t, e.SetData(cloudevents.ApplicationJSON, []byte(data)))
	return e
}

func TestDispatchPassesUnitIDs(t *testing.T) {
	var got []string
	runner := runnerFunc(func(_ context.Context, ids []string, reporter services.Reporter) (models.BulkResult, error) {
		got = ids
		reporter.OnStage(models.StageEvent{Stage: models.StageBulkAcknowledge, Progress: 100, Terminal: true})
		return models.BulkResult{Success: true, UnitIDs: ids}, nil
	})

	err := dispatch(context.Background(), runner, newEvent(t, `{"unitIds":["INV-1","INV-2"]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"INV-1", "INV-2"}, got)
}

func TestDispatchErrorPropagation(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"server errors are redelivered", fault.New(fault.KindServer, "bulk-submit", errors.New("502")), true},
		{"rate limits are redelivered", fault.New(fault.KindRateLimited, "bulk-submit", errors.New("429")), true},
		{"validation errors are dropped", fault.New(fault.KindValidation, "bulk-submit", errors.New("400")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := runnerFunc(func(context.Context, []string, services.Reporter) (models.BulkResult, error) {
				return models.BulkResult{}, tt.err
			})
			err := dispatch(context.Background(), runner, newEvent(t, `{"unitIds":["INV-1"]}`))
			if tt.wantErr {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDispatchDropsMalformedEvents(t *testing.T) {
	called := false
	runner := runnerFunc(func(context.Context, []string, services.Reporter) (models.BulkResult, error) {
		called = true
		return models.BulkResult{}, nil
	})

	err := dispatch(context.Background(), runner, newEvent(t, `not json`))
	assert.NoError(t, err)
	assert.False(t, called)
}
