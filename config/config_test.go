package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsule-run/capsule/capsuleerr"
	"github.com/capsule-run/capsule/schema"
)

func writeYAML(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func isErr(err error, kind capsuleerr.Kind, code capsuleerr.Code) bool {
	return errors.Is(err, &capsuleerr.Error{Kind: kind, Code: code})
}

func TestLoadPolicyAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, "policy.yaml", "boundary: /work\n")
	pol, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, "/work", pol.Boundary)
	assert.Equal(t, defaultGlobalTimeoutSeconds, pol.GlobalTimeoutSeconds)
	assert.Equal(t, defaultMaxCallsPerTool, pol.MaxCallsPerTool)
	assert.Equal(t, defaultHttpTimeoutSeconds, pol.Tools.HttpGet.TimeoutSeconds)
	assert.Equal(t, int64(defaultHttpMaxResponseBytes), pol.Tools.HttpGet.MaxResponseBytes)
	assert.Equal(t, defaultShellTimeoutSeconds, pol.Tools.ShellRun.TimeoutSeconds)
	assert.Equal(t, int64(defaultShellMaxOutputBytes), pol.Tools.ShellRun.MaxOutputBytes)
	assert.Equal(t, int64(defaultFsMaxSizeBytes), pol.Tools.FsWrite.MaxSizeBytes)
}

func TestLoadPolicyPreservesExplicitValues(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, "policy.yaml", "boundary: /work\nglobal_timeout_seconds: 120\nmax_calls_per_tool: 5\n")
	pol, err := LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 120.0, pol.GlobalTimeoutSeconds)
	assert.Equal(t, 5, pol.MaxCallsPerTool)
}

func TestLoadPolicyFailsOnMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, isErr(err, capsuleerr.KindConfig, capsuleerr.CodeConfigRead))
}

func TestLoadPolicyFailsOnInvalidYAML(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, "policy.yaml", "boundary: [this is not valid\n")
	_, err := LoadPolicy(path)
	require.Error(t, err)
	assert.True(t, isErr(err, capsuleerr.KindConfig, capsuleerr.CodeConfigParse))
}

func TestValidatePolicyRequiresBoundary(t *testing.T) {
	t.Parallel()

	err := ValidatePolicy(&schema.Policy{GlobalTimeoutSeconds: 60})
	require.Error(t, err)
	assert.True(t, isErr(err, capsuleerr.KindConfig, capsuleerr.CodeConfigInvalid))
}

func TestValidatePolicyRejectsNonPositiveTimeout(t *testing.T) {
	t.Parallel()

	err := ValidatePolicy(&schema.Policy{Boundary: "/work", GlobalTimeoutSeconds: 0})
	assert.Error(t, err)
}

func TestValidatePolicyRejectsNegativeMaxCalls(t *testing.T) {
	t.Parallel()

	err := ValidatePolicy(&schema.Policy{Boundary: "/work", GlobalTimeoutSeconds: 60, MaxCallsPerTool: -1})
	assert.Error(t, err)
}

func TestLoadPlanSuccess(t *testing.T) {
	t.Parallel()

	path := writeYAML(t, "plan.yaml", "version: \"1\"\nsteps:\n  - tool: fs.read\n    args:\n      path: a.txt\n")
	plan, err := LoadPlan(path)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "fs.read", plan.Steps[0].Tool)
}

func TestLoadPlanFailsOnMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, isErr(err, capsuleerr.KindConfig, capsuleerr.CodeConfigRead))
}

func TestValidatePlanRejectsEmptySteps(t *testing.T) {
	t.Parallel()

	err := ValidatePlan(&schema.Plan{Version: "1"})
	require.Error(t, err)
	assert.True(t, isErr(err, capsuleerr.KindPlanValidation, capsuleerr.CodePlanEmpty))
}

func TestValidatePlanRejectsStepMissingTool(t *testing.T) {
	t.Parallel()

	err := ValidatePlan(&schema.Plan{Version: "1", Steps: []schema.PlanStep{{Args: map[string]any{}}}})
	require.Error(t, err)
	assert.True(t, isErr(err, capsuleerr.KindPlanValidation, capsuleerr.CodeStepInvalid))
}
