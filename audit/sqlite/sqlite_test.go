package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsule-run/capsule/schema"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capsule.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePlan() schema.Plan {
	return schema.Plan{Version: "1", Steps: []schema.PlanStep{
		{Tool: "fs.read", Args: map[string]any{"path": "a.txt"}},
	}}
}

func samplePolicy() schema.Policy {
	return schema.Policy{Boundary: "/work", GlobalTimeoutSeconds: 60, MaxCallsPerTool: 5}
}

func TestCreateAndGetRun(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, schema.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.TotalSteps)
	assert.Empty(t, run.ParentRunID)
}

func TestGetRunReturnsNilWhenMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	run, err := s.GetRun(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestCreateRunWithParentRecordsLineage(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	parentID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	childID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeReplay, parentID)
	require.NoError(t, err)

	child, err := s.GetRun(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, parentID, child.ParentRunID)
}

func TestGetOriginalRunIDWalksChain(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)
	mid, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeReplay, root)
	require.NoError(t, err)
	leaf, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeReplay, mid)
	require.NoError(t, err)

	original, err := s.GetOriginalRunID(ctx, leaf)
	require.NoError(t, err)
	assert.Equal(t, root, original)
}

func TestGetOriginalRunIDOfRootReturnsItself(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	root, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	original, err := s.GetOriginalRunID(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, root, original)
}

func TestGetOriginalRunIDErrorsOnMissingRun(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.GetOriginalRunID(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

func TestUpdateRunStatusSetsCompletedAtOnTerminalStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	completed, denied, failed := 1, 0, 0
	require.NoError(t, s.UpdateRunStatus(ctx, runID, schema.RunStatusCompleted, &completed, &denied, &failed))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	assert.Equal(t, 1, run.CompletedSteps)
	require.NotNil(t, run.CompletedAt)
}

func TestUpdateRunStatusLeavesCompletedAtNilWhileRunning(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	require.NoError(t, s.UpdateRunStatus(ctx, runID, schema.RunStatusRunning, nil, nil, nil))

	run, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Nil(t, run.CompletedAt)
}

func TestGetRunPlanAndPolicyRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	plan := samplePlan()
	pol := samplePolicy()
	runID, err := s.CreateRun(ctx, plan, pol, schema.RunModeRun, "")
	require.NoError(t, err)

	gotPlan, err := s.GetRunPlan(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, gotPlan)
	assert.Equal(t, plan.Steps[0].Tool, gotPlan.Steps[0].Tool)

	gotPolicy, err := s.GetRunPolicy(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, gotPolicy)
	assert.Equal(t, pol.Boundary, gotPolicy.Boundary)
}

func TestRecordCallAndRecordResultRoundtrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	args := map[string]any{"path": "a.txt"}
	callID, err := s.RecordCall(ctx, runID, 0, "fs.read", args)
	require.NoError(t, err)
	require.NotEmpty(t, callID)

	now := time.Now()
	decision := schema.Allow("allow_paths[*]")
	err = s.RecordResult(ctx, callID, runID, schema.ToolCallStatusSuccess, "file contents", "", decision, now, now.Add(time.Millisecond), args)
	require.NoError(t, err)

	result, err := s.GetResultForCall(ctx, callID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, schema.ToolCallStatusSuccess, result.Status)
	assert.Equal(t, "file contents", result.Output)
	assert.NotEmpty(t, result.InputHash)
	assert.NotEmpty(t, result.OutputHash)
}

func TestGetCallsForRunOrdersByStepIndex(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	_, err = s.RecordCall(ctx, runID, 1, "fs.write", map[string]any{})
	require.NoError(t, err)
	_, err = s.RecordCall(ctx, runID, 0, "fs.read", map[string]any{})
	require.NoError(t, err)

	calls, err := s.GetCallsForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, 0, calls[0].StepIndex)
	assert.Equal(t, 1, calls[1].StepIndex)
}

func TestGetRunSummaryJoinsCallsAndResults(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	runID, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	callID, err := s.RecordCall(ctx, runID, 0, "fs.read", map[string]any{"path": "a.txt"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.RecordResult(ctx, callID, runID, schema.ToolCallStatusDenied, nil, "denied", schema.Deny("no allow_paths"), now, now, nil))

	summary, err := s.GetRunSummary(ctx, runID)
	require.NoError(t, err)
	require.Len(t, summary.Steps, 1)
	assert.Equal(t, "denied", summary.Steps[0].Status)
	require.NotNil(t, summary.Steps[0].Allowed)
	assert.False(t, *summary.Steps[0].Allowed)
}

func TestListRunsOrdersNewestFirst(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := s.CreateRun(ctx, samplePlan(), samplePolicy(), schema.RunModeRun, "")
	require.NoError(t, err)

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second, runs[0].RunID)
	assert.Equal(t, first, runs[1].RunID)
}
