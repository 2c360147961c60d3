package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsule-run/capsule/audit/sqlite"
	"github.com/capsule-run/capsule/schema"
	"github.com/capsule-run/capsule/tool"
	"github.com/capsule-run/capsule/tool/builtin"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "capsule.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type panicTool struct{ tool.NoValidation }

func (panicTool) Name() string        { return "fs.read" }
func (panicTool) Description() string { return "always panics" }
func (panicTool) Execute(context.Context, map[string]any, *tool.Context) tool.Output {
	panic("boom")
}

func TestRunCompletesAllowedSteps(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("data"), 0o644))

	store := newTestStore(t)
	registry := tool.NewRegistry()
	registry.Register(builtin.FsRead{})

	plan := schema.Plan{Version: "1", Steps: []schema.PlanStep{
		{Tool: "fs.read", Args: map[string]any{"path": "a.txt"}},
	}}
	pol := schema.Policy{
		Boundary: dir, GlobalTimeoutSeconds: 60, MaxCallsPerTool: 5,
		Tools: schema.ToolPolicies{FsRead: schema.FsPolicy{AllowPaths: []string{dir + "/**"}}},
	}

	eng := New(store, registry, WithWorkingDir(dir))
	result, err := eng.Run(context.Background(), plan, pol, true)
	require.NoError(t, err)

	assert.True(t, result.Success())
	assert.Equal(t, 1, result.CompletedSteps)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
}

func TestRunStopsAtFirstDenialWhenFailFast(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store := newTestStore(t)
	registry := tool.NewRegistry()
	registry.Register(builtin.FsRead{})

	plan := schema.Plan{Version: "1", Steps: []schema.PlanStep{
		{Tool: "fs.read", Args: map[string]any{"path": "/etc/passwd"}},
		{Tool: "fs.read", Args: map[string]any{"path": "a.txt"}},
	}}
	pol := schema.Policy{
		Boundary: dir, GlobalTimeoutSeconds: 60, MaxCallsPerTool: 5,
		Tools: schema.ToolPolicies{FsRead: schema.FsPolicy{AllowPaths: []string{dir + "/**"}}},
	}

	eng := New(store, registry, WithWorkingDir(dir))
	result, err := eng.Run(context.Background(), plan, pol, true)
	require.NoError(t, err)

	assert.False(t, result.Success())
	assert.Equal(t, 1, len(result.Steps))
	assert.Equal(t, schema.ToolCallStatusDenied, result.Steps[0].Status)
	assert.Equal(t, schema.RunStatusFailed, result.Status)
}

func TestRunContinuesPastDenialWithoutFailFast(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("data"), 0o644))

	store := newTestStore(t)
	registry := tool.NewRegistry()
	registry.Register(builtin.FsRead{})

	plan := schema.Plan{Version: "1", Steps: []schema.PlanStep{
		{Tool: "fs.read", Args: map[string]any{"path": "/etc/passwd"}},
		{Tool: "fs.read", Args: map[string]any{"path": "a.txt"}},
	}}
	pol := schema.Policy{
		Boundary: dir, GlobalTimeoutSeconds: 60, MaxCallsPerTool: 5,
		Tools: schema.ToolPolicies{FsRead: schema.FsPolicy{AllowPaths: []string{dir + "/**"}}},
	}

	eng := New(store, registry, WithWorkingDir(dir))
	result, err := eng.Run(context.Background(), plan, pol, false)
	require.NoError(t, err)

	assert.Equal(t, 2, len(result.Steps))
	assert.Equal(t, 1, result.DeniedSteps)
	assert.Equal(t, 1, result.CompletedSteps)
}

func TestRunRecoversFromToolPanic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store := newTestStore(t)
	registry := tool.NewRegistry()
	registry.Register(panicTool{})

	plan := schema.Plan{Version: "1", Steps: []schema.PlanStep{{Tool: "fs.read", Args: map[string]any{"path": "a.txt"}}}}
	pol := schema.Policy{
		Boundary: dir, GlobalTimeoutSeconds: 60, MaxCallsPerTool: 5,
		Tools: schema.ToolPolicies{FsRead: schema.FsPolicy{AllowPaths: []string{dir + "/**"}}},
	}

	eng := New(store, registry, WithWorkingDir(dir))

	require.NotPanics(t, func() {
		result, err := eng.Run(context.Background(), plan, pol, true)
		require.NoError(t, err)
		assert.Equal(t, 1, result.FailedSteps)
		assert.Contains(t, result.Steps[0].Error, "tool execution failed")
	})
}

func TestRunDeniesUnknownTool(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	store := newTestStore(t)
	registry := tool.NewRegistry()

	plan := schema.Plan{Version: "1", Steps: []schema.PlanStep{{Tool: "does.not.exist", Args: map[string]any{}}}}
	pol := schema.Policy{
		Boundary: dir, GlobalTimeoutSeconds: 60, MaxCallsPerTool: 5,
		Tools: schema.ToolPolicies{},
	}

	eng := New(store, registry, WithWorkingDir(dir))
	result, err := eng.Run(context.Background(), plan, pol, true)
	require.NoError(t, err)

	assert.Equal(t, 1, result.DeniedSteps)
}

func TestGetRunSummaryAfterRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("data"), 0o644))

	store := newTestStore(t)
	registry := tool.NewRegistry()
	registry.Register(builtin.FsRead{})

	plan := schema.Plan{Version: "1", Steps: []schema.PlanStep{{Tool: "fs.read", Args: map[string]any{"path": "a.txt"}}}}
	pol := schema.Policy{
		Boundary: dir, GlobalTimeoutSeconds: 60, MaxCallsPerTool: 5,
		Tools: schema.ToolPolicies{FsRead: schema.FsPolicy{AllowPaths: []string{dir + "/**"}}},
	}

	eng := New(store, registry, WithWorkingDir(dir))
	result, err := eng.Run(context.Background(), plan, pol, true)
	require.NoError(t, err)

	summary, err := eng.GetRunSummary(context.Background(), result.RunID)
	require.NoError(t, err)
	require.Len(t, summary.Steps, 1)
	assert.Equal(t, "fs.read", summary.Steps[0].Tool)
}
