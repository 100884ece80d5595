package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/fiscalsubmission/internal/models"
	"github.com/googleapis/gax-go/v2"
)

// ExecutionCreator is the part of the Workflows executions client the dispatcher uses.
type ExecutionCreator interface {
	CreateExecution(ctx context.Context, req *executionspb.CreateExecutionRequest, opts ...gax.CallOption) (*executionspb.Execution, error)
}

var _ ExecutionCreator = (*executions.Client)(nil)

// WorkflowDispatcher hands a batch of units to a Cloud Workflows execution instead of
// calling the bulk endpoint directly. The workflow owns pacing and per-unit follow-up.
type WorkflowDispatcher struct {
	client ExecutionCreator
	parent string
}

// NewWorkflowDispatcher returns a dispatcher for the given workflow.
func NewWorkflowDispatcher(client ExecutionCreator, projectID, location, workflowID string) *WorkflowDispatcher {
	return &WorkflowDispatcher{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}
}

// SubmitBatch starts one execution with argument {"unitIds": [...]}. The execution
// name is the job id of the acknowledgement.
func (d *WorkflowDispatcher) SubmitBatch(ctx context.Context, unitIDs []string) (models.BulkAck, error) {
	payload, err := json.Marshal(models.BulkSubmitRequest{UnitIDs: unitIDs})
	if err != nil {
		return models.BulkAck{}, fmt.Errorf("failed to marshal workflow payload: %w", err)
	}

	slog.Info("Triggering bulk submission workflow.", "workflow", d.parent, "units", len(unitIDs))
	exec, err := d.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: d.parent,
		Execution: &executionspb.Execution{
			Argument: string(payload),
		},
	})
	if err != nil {
		return models.BulkAck{}, fmt.Errorf("failed to trigger workflow execution: %w", err)
	}

	return models.BulkAck{
		JobID:    exec.GetName(),
		Accepted: unitIDs,
		Message:  fmt.Sprintf("workflow execution %s", exec.GetState()),
	}, nil
}
