// Package replay reproduces a stored run without re-executing any tools:
// every step's call and result are re-emitted verbatim from the audit
// store into a new run with mode=replay.
package replay

import (
	"context"
	"fmt"

	"github.com/capsule-run/capsule/audit"
	"github.com/capsule-run/capsule/capsuleerr"
	"github.com/capsule-run/capsule/hashid"
	"github.com/capsule-run/capsule/schema"
)

// StepResult is one step's outcome as replayed from stored data.
type StepResult struct {
	StepIndex      int
	ToolName       string
	Args           map[string]any
	Status         schema.ToolCallStatus
	Output         any
	Error          string
	PolicyDecision schema.PolicyDecision
	OriginalCallID string
	InputHash      string
	OutputHash     string
}

// Result is the outcome of replaying a complete run.
type Result struct {
	ReplayRunID    string
	OriginalRunID  string
	Status         schema.RunStatus
	Steps          []StepResult
	TotalSteps     int
	CompletedSteps int
	DeniedSteps    int
	FailedSteps    int
	PlanVerified   bool
	Mismatches     []string
}

// Success reports whether the replay reproduced the original run cleanly.
func (r Result) Success() bool {
	return r.Status == schema.RunStatusCompleted && len(r.Mismatches) == 0
}

// Engine replays runs recorded in a Store.
type Engine struct {
	store audit.Store
}

// New builds an Engine backed by store.
func New(store audit.Store) *Engine {
	return &Engine{store: store}
}

// Replay reproduces runID as a new run with mode=replay. When plan is
// non-nil its hash is checked against the original run's stored plan
// hash; a mismatch is reported in Result.Mismatches but does not stop
// the replay. The new run row records plan and pol when they are
// supplied, and the original run's stored plan/policy otherwise.
func (e *Engine) Replay(ctx context.Context, runID string, plan *schema.Plan, pol *schema.Policy) (*Result, error) {
	originalRun, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	if originalRun == nil {
		return nil, capsuleerr.New(capsuleerr.KindReplay, capsuleerr.CodeRunNotFound, "run not found: "+runID)
	}

	originalPlan, err := e.store.GetRunPlan(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading plan: %w", err)
	}
	originalPolicy, err := e.store.GetRunPolicy(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading policy: %w", err)
	}
	if originalPlan == nil || originalPolicy == nil {
		return nil, capsuleerr.New(capsuleerr.KindReplay, capsuleerr.CodeRunNotFound,
			fmt.Sprintf("run %s exists but plan/policy data is missing", runID))
	}

	replayPlan := *originalPlan
	if plan != nil {
		replayPlan = *plan
	}
	replayPolicy := *originalPolicy
	if pol != nil {
		replayPolicy = *pol
	}

	var mismatches []string
	planVerified := true

	if plan != nil {
		planHash := hashid.Hash(plan)
		if planHash != originalRun.PlanHash {
			planVerified = false
			mismatches = append(mismatches, fmt.Sprintf(
				"plan hash mismatch: original=%s..., provided=%s...",
				shortHash(originalRun.PlanHash), shortHash(planHash)))
		}
	}

	replayRunID, err := e.store.CreateRun(ctx, replayPlan, replayPolicy, schema.RunModeReplay, runID)
	if err != nil {
		return nil, fmt.Errorf("creating replay run: %w", err)
	}

	originalCalls, err := e.store.GetCallsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading calls: %w", err)
	}
	originalResults, err := e.store.GetResultsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}
	resultsByCall := make(map[string]schema.Result, len(originalResults))
	for _, r := range originalResults {
		resultsByCall[r.CallID] = r
	}

	var steps []StepResult
	completed, denied, failed := 0, 0, 0

	for _, call := range originalCalls {
		result, ok := resultsByCall[call.CallID]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("step %d (%s): no result found", call.StepIndex, call.ToolName))
			continue
		}

		replayCallID, err := e.store.RecordCall(ctx, replayRunID, call.StepIndex, call.ToolName, call.Args)
		if err != nil {
			return nil, fmt.Errorf("recording replayed call: %w", err)
		}

		if err := e.store.RecordResult(ctx, replayCallID, replayRunID, result.Status, result.Output, result.Error, result.PolicyDecision, result.StartedAt, result.EndedAt, call.Args); err != nil {
			return nil, fmt.Errorf("recording replayed result: %w", err)
		}

		steps = append(steps, StepResult{
			StepIndex: call.StepIndex, ToolName: call.ToolName, Args: call.Args,
			Status: result.Status, Output: result.Output, Error: result.Error,
			PolicyDecision: result.PolicyDecision, OriginalCallID: call.CallID,
			InputHash: result.InputHash, OutputHash: result.OutputHash,
		})

		switch result.Status {
		case schema.ToolCallStatusSuccess:
			completed++
		case schema.ToolCallStatusDenied:
			denied++
		case schema.ToolCallStatusError:
			failed++
		}
	}

	finalStatus := schema.RunStatusCompleted
	if len(mismatches) > 0 || denied > 0 || failed > 0 {
		finalStatus = schema.RunStatusFailed
	}

	if err := e.store.UpdateRunStatus(ctx, replayRunID, finalStatus, &completed, &denied, &failed); err != nil {
		return nil, fmt.Errorf("updating replay run status: %w", err)
	}

	return &Result{
		ReplayRunID: replayRunID, OriginalRunID: runID, Status: finalStatus, Steps: steps,
		TotalSteps: len(steps), CompletedSteps: completed, DeniedSteps: denied, FailedSteps: failed,
		PlanVerified: planVerified, Mismatches: mismatches,
	}, nil
}

// VerifyReport is the outcome of VerifyRun.
type VerifyReport struct {
	Valid bool
	Errors []string
	Stats  map[string]any
}

// VerifyRun recomputes every stored call's input hash and every stored
// result's output hash, flagging any that no longer match what is on
// disk, along with structural checks on call/result counts and step
// ordering.
func (e *Engine) VerifyRun(ctx context.Context, runID string) (*VerifyReport, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	if run == nil {
		return &VerifyReport{Valid: false, Errors: []string{fmt.Sprintf("run %s not found", runID)}, Stats: map[string]any{}}, nil
	}

	calls, err := e.store.GetCallsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading calls: %w", err)
	}
	results, err := e.store.GetResultsForRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading results: %w", err)
	}

	var errs []string

	if len(calls) != len(results) {
		errs = append(errs, fmt.Sprintf("call/result count mismatch: %d calls, %d results", len(calls), len(results)))
	}

	for i, c := range calls {
		if c.StepIndex != i {
			errs = append(errs, fmt.Sprintf("non-sequential step indices at position %d: got %d", i, c.StepIndex))
			break
		}
	}

	resultsByCall := make(map[string]schema.Result, len(results))
	for _, r := range results {
		resultsByCall[r.CallID] = r
	}

	for _, call := range calls {
		result, ok := resultsByCall[call.CallID]
		if !ok {
			errs = append(errs, fmt.Sprintf("missing result for call %s", call.CallID))
			continue
		}

		recomputedInput := hashid.HashOrEmpty(call.Args)
		if recomputedInput != result.InputHash {
			errs = append(errs, fmt.Sprintf("step %d: input hash mismatch (stored=%s..., computed=%s...)",
				call.StepIndex, shortHash(result.InputHash), shortHash(recomputedInput)))
		}

		recomputedOutput := hashid.HashOrEmpty(result.Output)
		if recomputedOutput != result.OutputHash {
			errs = append(errs, fmt.Sprintf("step %d: output hash mismatch (stored=%s..., computed=%s...)",
				call.StepIndex, shortHash(result.OutputHash), shortHash(recomputedOutput)))
		}
	}

	return &VerifyReport{
		Valid: len(errs) == 0,
		Errors: errs,
		Stats: map[string]any{
			"run_id":        runID,
			"total_calls":   len(calls),
			"total_results": len(results),
			"status":        string(run.Status),
			"mode":          string(run.Mode),
		},
	}, nil
}

// GetOriginalRunID resolves the lineage root for replayRunID via the
// stored parent_run_id chain.
func (e *Engine) GetOriginalRunID(ctx context.Context, replayRunID string) (string, error) {
	return e.store.GetOriginalRunID(ctx, replayRunID)
}

func shortHash(h string) string {
	if len(h) <= 8 {
		return h
	}
	return h[:8]
}
