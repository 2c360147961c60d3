// Package engine runs a static Plan step by step under a Policy,
// recording every call and result to an audit.Store before moving on.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/capsule-run/capsule/audit"
	"github.com/capsule-run/capsule/policy"
	"github.com/capsule-run/capsule/schema"
	"github.com/capsule-run/capsule/tool"
)

// StepResult is the outcome of executing one plan step.
type StepResult struct {
	StepIndex      int
	ToolName       string
	Args           map[string]any
	Status         schema.ToolCallStatus
	Output         any
	Error          string
	PolicyDecision schema.PolicyDecision
	DurationMS     float64
}

// RunResult summarizes a complete plan execution.
type RunResult struct {
	RunID          string
	Status         schema.RunStatus
	Steps          []StepResult
	TotalSteps     int
	CompletedSteps int
	DeniedSteps    int
	FailedSteps    int
	DurationMS     float64
}

// Success reports whether the run finished with no denials or failures.
func (r RunResult) Success() bool {
	return r.Status == schema.RunStatusCompleted && r.FailedSteps == 0 && r.DeniedSteps == 0
}

// Engine executes static plans. Construct with New; the zero value is not
// usable since it has no store or registry.
type Engine struct {
	store      audit.Store
	registry   *tool.Registry
	workingDir string
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithWorkingDir sets the directory relative paths in tool args resolve
// against. Defaults to the current directory.
func WithWorkingDir(dir string) Option {
	return func(e *Engine) { e.workingDir = dir }
}

// New builds an Engine backed by store and registry.
func New(store audit.Store, registry *tool.Registry, opts ...Option) *Engine {
	e := &Engine{store: store, registry: registry, workingDir: "."}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes plan under policy, stopping early on the first denial or
// error when failFast is true.
func (e *Engine) Run(ctx context.Context, plan schema.Plan, pol schema.Policy, failFast bool) (*RunResult, error) {
	startTime := time.Now()
	globalTimeout := time.Duration(pol.GlobalTimeoutSeconds * float64(time.Second))

	policyEngine := policy.New(pol)

	runID, err := e.store.CreateRun(ctx, plan, pol, schema.RunModeRun, "")
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	var steps []StepResult
	completed, denied, failed := 0, 0, 0
	timedOut := false

stepLoop:
	for stepIndex, step := range plan.Steps {
		elapsed := time.Since(startTime)
		if globalTimeout > 0 && elapsed >= globalTimeout {
			timedOut = true
			steps = append(steps, StepResult{
				StepIndex: stepIndex,
				ToolName:  step.Tool,
				Args:      step.Args,
				Status:    schema.ToolCallStatusError,
				Error:     fmt.Sprintf("global timeout exceeded: %.1fs >= %.1fs", elapsed.Seconds(), pol.GlobalTimeoutSeconds),
				PolicyDecision: schema.PolicyDecision{
					Allowed:     false,
					Reason:      fmt.Sprintf("global timeout exceeded after %.1fs", elapsed.Seconds()),
					RuleMatched: "global_timeout_seconds",
				},
			})
			failed++
			break
		}

		result := e.executeStep(ctx, runID, stepIndex, step.Tool, step.Args, policyEngine)
		steps = append(steps, result)

		switch result.Status {
		case schema.ToolCallStatusSuccess:
			completed++
		case schema.ToolCallStatusDenied:
			denied++
			if failFast {
				break stepLoop
			}
		case schema.ToolCallStatusError:
			failed++
			if failFast {
				break stepLoop
			}
		}
	}

	finalStatus := schema.RunStatusCompleted
	if denied > 0 || failed > 0 || timedOut {
		finalStatus = schema.RunStatusFailed
	}

	if err := e.store.UpdateRunStatus(ctx, runID, finalStatus, &completed, &denied, &failed); err != nil {
		return nil, fmt.Errorf("updating run status: %w", err)
	}

	durationMS := float64(time.Since(startTime).Microseconds()) / 1000.0

	return &RunResult{
		RunID:          runID,
		Status:         finalStatus,
		Steps:          steps,
		TotalSteps:     len(plan.Steps),
		CompletedSteps: completed,
		DeniedSteps:    denied,
		FailedSteps:    failed,
		DurationMS:     durationMS,
	}, nil
}

// GetRunSummary returns a prior run's full history, or nil if run_id is
// unknown.
func (e *Engine) GetRunSummary(ctx context.Context, runID string) (*audit.RunSummary, error) {
	return e.store.GetRunSummary(ctx, runID)
}

// ListRuns returns recent runs, most recent first.
func (e *Engine) ListRuns(ctx context.Context, limit int) ([]schema.Run, error) {
	return e.store.ListRuns(ctx, limit)
}

func (e *Engine) executeStep(ctx context.Context, runID string, stepIndex int, toolName string, args map[string]any, policyEngine *policy.Engine) StepResult {
	startTime := time.Now()

	callID, err := e.store.RecordCall(ctx, runID, stepIndex, toolName, args)
	if err != nil {
		return StepResult{StepIndex: stepIndex, ToolName: toolName, Args: args, Status: schema.ToolCallStatusError, Error: fmt.Sprintf("recording call: %v", err)}
	}

	decision := policyEngine.Evaluate(toolName, args, e.workingDir)

	if !decision.Allowed {
		endTime := time.Now()
		_ = e.store.RecordResult(ctx, callID, runID, schema.ToolCallStatusDenied, nil, "", decision, startTime, endTime, args)
		return StepResult{
			StepIndex: stepIndex, ToolName: toolName, Args: args,
			Status: schema.ToolCallStatusDenied, PolicyDecision: decision,
			DurationMS: msSince(startTime, endTime),
		}
	}

	t, err := e.registry.Get(toolName)
	if err != nil {
		endTime := time.Now()
		errMsg := fmt.Sprintf("tool not found: %s", toolName)
		_ = e.store.RecordResult(ctx, callID, runID, schema.ToolCallStatusError, nil, errMsg, decision, startTime, endTime, args)
		return StepResult{
			StepIndex: stepIndex, ToolName: toolName, Args: args,
			Status: schema.ToolCallStatusError, Error: errMsg, PolicyDecision: decision,
			DurationMS: msSince(startTime, endTime),
		}
	}

	output := e.safeExecute(ctx, t, args, &tool.Context{RunID: runID, Policy: policyEnginePolicy(policyEngine), WorkingDir: e.workingDir})

	endTime := time.Now()
	durationMS := msSince(startTime, endTime)

	if output.Success {
		_ = e.store.RecordResult(ctx, callID, runID, schema.ToolCallStatusSuccess, output.Data, "", decision, startTime, endTime, args)
		return StepResult{
			StepIndex: stepIndex, ToolName: toolName, Args: args,
			Status: schema.ToolCallStatusSuccess, Output: output.Data, PolicyDecision: decision,
			DurationMS: durationMS,
		}
	}

	_ = e.store.RecordResult(ctx, callID, runID, schema.ToolCallStatusError, nil, output.Error, decision, startTime, endTime, args)
	return StepResult{
		StepIndex: stepIndex, ToolName: toolName, Args: args,
		Status: schema.ToolCallStatusError, Error: output.Error, PolicyDecision: decision,
		DurationMS: durationMS,
	}
}

// safeExecute recovers from a tool panicking mid-Execute, turning it into
// a failed Output the same way the reference engine catches any unexpected
// exception raised by a tool.
func (e *Engine) safeExecute(ctx context.Context, t tool.Tool, args map[string]any, tc *tool.Context) (out tool.Output) {
	defer func() {
		if r := recover(); r != nil {
			out = tool.Fail(fmt.Sprintf("tool execution failed: %v", r), nil)
		}
	}()
	return t.Execute(ctx, args, tc)
}

func msSince(start, end time.Time) float64 {
	return float64(end.Sub(start).Microseconds()) / 1000.0
}

func policyEnginePolicy(e *policy.Engine) *schema.Policy {
	p := e.Policy()
	return &p
}
