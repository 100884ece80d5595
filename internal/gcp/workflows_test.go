package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/Lllllllleong/fiscalsubmission/internal/fault"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeExecutions struct {
	req  *executionspb.CreateExecutionRequest
	resp *executionspb.Execution
	err  error
}

func (f *fakeExecutions) CreateExecution(_ context.Context, req *executionspb.CreateExecutionRequest, _ ...gax.CallOption) (*executionspb.Execution, error) {
	f.req = req
	return f.resp, f.err
}

func TestWorkflowDispatcherSubmitBatch(t *testing.T) {
	fake := &fakeExecutions{resp: &executionspb.Execution{
		Name:  "projects/p/locations/l/workflows/w/executions/e-1",
		State: executionspb.Execution_ACTIVE,
	}}
	d := NewWorkflowDispatcher(fake, "p", "l", "w")

	ack, err := d.SubmitBatch(context.Background(), []string{"u-1", "u-2"})
	require.NoError(t, err)

	assert.Equal(t, "projects/p/locations/l/workflows/w", fake.req.GetParent())
	var arg map[string][]string
	require.NoError(t, json.Unmarshal([]byte(fake.req.GetExecution().GetArgument()), &arg))
	assert.Equal(t, []string{"u-1", "u-2"}, arg["unitIds"])

	assert.Equal(t, "projects/p/locations/l/workflows/w/executions/e-1", ack.JobID)
	assert.Equal(t, []string{"u-1", "u-2"}, ack.Accepted)
}

func TestWorkflowDispatcherErrorsKeepGRPCKind(t *testing.T) {
	fake := &fakeExecutions{err: status.Error(codes.Unavailable, "backend down")}
	d := NewWorkflowDispatcher(fake, "p", "l", "w")

	_, err := d.SubmitBatch(context.Background(), []string{"u-1"})
	require.Error(t, err)
	assert.Equal(t, fault.KindUnreachable, fault.KindOf(err))

	fake.err = status.Error(codes.ResourceExhausted, "quota")
	_, err = d.SubmitBatch(context.Background(), []string{"u-1"})
	assert.Equal(t, fault.KindRateLimited, fault.KindOf(err))

	fake.err = errors.New("bad argument")
	_, err = d.SubmitBatch(context.Background(), []string{"u-1"})
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}
