// Package audit defines the append-only record of runs, tool calls, and
// tool results. Calls and results are never modified after being written;
// a run row changes only through UpdateRunStatus (status, completion time
// and step counters).
package audit

import (
	"context"
	"time"

	"github.com/capsule-run/capsule/schema"
)

// Store is the persistence boundary for the audit trail. Implementations
// must make CreateRun/RecordCall/RecordResult durable before returning, so
// a crash immediately after a call returns never loses that record.
type Store interface {
	CreateRun(ctx context.Context, plan schema.Plan, policy schema.Policy, mode schema.RunMode, parentRunID string) (string, error)
	GetRun(ctx context.Context, runID string) (*schema.Run, error)
	ListRuns(ctx context.Context, limit int) ([]schema.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status schema.RunStatus, completedSteps, deniedSteps, failedSteps *int) error
	GetRunPlan(ctx context.Context, runID string) (*schema.Plan, error)
	GetRunPolicy(ctx context.Context, runID string) (*schema.Policy, error)
	GetOriginalRunID(ctx context.Context, runID string) (string, error)

	RecordCall(ctx context.Context, runID string, stepIndex int, toolName string, args map[string]any) (string, error)
	GetCallsForRun(ctx context.Context, runID string) ([]schema.Call, error)

	RecordResult(ctx context.Context, callID, runID string, status schema.ToolCallStatus, output any, errMsg string, decision schema.PolicyDecision, startedAt, endedAt time.Time, inputData any) error
	GetResultsForRun(ctx context.Context, runID string) ([]schema.Result, error)
	GetResultForCall(ctx context.Context, callID string) (*schema.Result, error)

	GetRunSummary(ctx context.Context, runID string) (*RunSummary, error)

	Close() error
}

// RunSummary combines a run's metadata with its per-step call/result pairs,
// mirroring the joined view a caller wants when inspecting a run after the
// fact without issuing several queries.
type RunSummary struct {
	Run   schema.Run
	Steps []StepSummary
}

// StepSummary is one plan step's call paired with its outcome, if any
// outcome has been recorded yet.
type StepSummary struct {
	StepIndex    int
	Tool         string
	Args         map[string]any
	Status       string
	Output       any
	Error        string
	Allowed      *bool
	PolicyReason string
}
