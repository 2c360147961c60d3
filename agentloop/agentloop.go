// Package agentloop runs the dynamic propose -> evaluate -> execute ->
// record cycle: a Proposer suggests the next tool call, the policy engine
// adjudicates it, and only an allowed call is executed; denied calls are
// recorded alongside executed ones.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/capsule-run/capsule/audit"
	"github.com/capsule-run/capsule/policy"
	"github.com/capsule-run/capsule/proposer"
	"github.com/capsule-run/capsule/schema"
	"github.com/capsule-run/capsule/tool"
)

// Status is the terminal state of an agent run.
type Status string

const (
	StatusCompleted          Status = "completed"
	StatusMaxIterations      Status = "max_iterations"
	StatusTimeout            Status = "timeout"
	StatusRepetitionDetected Status = "repetition_detected"
	StatusError              Status = "error"
)

// Config bounds how long and how far an agent loop will run before it is
// forced to stop, independent of whether the task is actually finished.
type Config struct {
	MaxIterations           int
	IterationTimeoutSeconds float64
	TotalTimeoutSeconds     float64
	RepetitionThreshold     int
	MaxHistoryItems         int
	MaxHistoryChars         int
}

// DefaultConfig matches the reference agent's defaults.
func DefaultConfig() Config {
	return Config{
		MaxIterations:           20,
		IterationTimeoutSeconds: 60,
		TotalTimeoutSeconds:     300,
		RepetitionThreshold:     3,
		MaxHistoryItems:         10,
		MaxHistoryChars:         8000,
	}
}

// IterationResult captures what happened during one propose/evaluate/
// execute/record cycle.
type IterationResult struct {
	Iteration      int
	Proposal       *proposer.Proposal
	Call           *schema.Call
	Result         *schema.Result
	Done           *proposer.Done
	PolicyDecision *schema.PolicyDecision
	DurationSec    float64
}

// Result is the outcome of a complete agent run.
type Result struct {
	RunID              string
	Task               string
	Status             Status
	Iterations         []IterationResult
	FinalOutput        any
	TotalDurationSec   float64
	ProposerName       string
	ErrorMessage       string
}

type historyEntry struct {
	call   schema.Call
	result schema.Result
}

// Loop wires a Proposer to a policy.Engine, tool.Registry, and audit.Store.
type Loop struct {
	proposer proposer.Proposer
	policy   *policy.Engine
	registry *tool.Registry
	store    audit.Store
	config   Config
}

// New builds a Loop. config defaults to DefaultConfig() if its zero value
// is passed.
func New(p proposer.Proposer, pol *policy.Engine, registry *tool.Registry, store audit.Store, config Config) *Loop {
	if config.MaxIterations == 0 {
		config = DefaultConfig()
	}
	return &Loop{proposer: p, policy: pol, registry: registry, store: store, config: config}
}

// Run drives the loop for task until completion, a limit is hit, or an
// unrecoverable error occurs.
func (l *Loop) Run(ctx context.Context, task string, workingDir string) (*Result, error) {
	if workingDir == "" {
		workingDir = "."
	}
	startTime := time.Now()

	dummyPlan := schema.Plan{
		Version:     "1.0",
		Name:        "Agent Dynamic Plan",
		Description: fmt.Sprintf("Dynamic plan for task: %s", task),
		Steps:       []schema.PlanStep{{Tool: "agent.dynamic", Args: map[string]any{"task": task}}},
	}

	runID, err := l.store.CreateRun(ctx, dummyPlan, l.policy.Policy(), schema.RunModeRun, "")
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	result := &Result{RunID: runID, Task: task, Status: StatusError, ProposerName: l.proposer.Name()}

	var history []historyEntry

	func() {
		defer func() {
			if r := recover(); r != nil {
				result.Status = StatusError
				result.ErrorMessage = fmt.Sprintf("%v", r)
			}
		}()

		for iteration := 0; iteration < l.config.MaxIterations; iteration++ {
			elapsed := time.Since(startTime).Seconds()
			if l.config.TotalTimeoutSeconds > 0 && elapsed >= l.config.TotalTimeoutSeconds {
				result.Status = StatusTimeout
				return
			}

			iterResult, repeated := l.runIteration(ctx, task, workingDir, runID, iteration, history)
			result.Iterations = append(result.Iterations, iterResult)

			if iterResult.Done != nil {
				result.Status = StatusCompleted
				result.FinalOutput = iterResult.Done.FinalOutput
				state := l.buildState(task, history, iteration)
				if final := l.proposer.Finalize(state, *iterResult.Done); final != nil {
					result.FinalOutput = final
				}
				return
			}

			if repeated {
				result.Status = StatusRepetitionDetected
				return
			}

			if iterResult.Call != nil && iterResult.Result != nil {
				history = append(history, historyEntry{call: *iterResult.Call, result: *iterResult.Result})
				history = truncateHistory(history, l.config.MaxHistoryItems, l.config.MaxHistoryChars)
			}
		}
		result.Status = StatusMaxIterations
	}()

	result.TotalDurationSec = time.Since(startTime).Seconds()

	completedSteps, deniedSteps, failedSteps := 0, 0, 0
	for _, it := range result.Iterations {
		if it.Result == nil {
			continue
		}
		switch it.Result.Status {
		case schema.ToolCallStatusSuccess:
			completedSteps++
		case schema.ToolCallStatusDenied:
			deniedSteps++
		case schema.ToolCallStatusError:
			failedSteps++
		}
	}

	runStatus := schema.RunStatusCompleted
	if result.Status == StatusError {
		runStatus = schema.RunStatusFailed
	}
	if err := l.store.UpdateRunStatus(ctx, runID, runStatus, &completedSteps, &deniedSteps, &failedSteps); err != nil {
		return nil, fmt.Errorf("updating run status: %w", err)
	}

	return result, nil
}

// runIteration performs one propose -> check-repetition -> evaluate ->
// execute -> record cycle. Repetition is checked against what executing
// the proposal would make the trailing run of identical calls, before the
// call is recorded or executed.
func (l *Loop) runIteration(ctx context.Context, task, workingDir, runID string, iteration int, history []historyEntry) (IterationResult, bool) {
	iterStart := time.Now()
	iterResult := IterationResult{Iteration: iteration}

	state := l.buildState(task, history, iteration)

	var lastOutcome *proposer.HistoryEntry
	if len(history) > 0 {
		last := history[len(history)-1]
		lastOutcome = &proposer.HistoryEntry{
			ToolName: last.call.ToolName,
			Args:     last.call.Args,
			Status:   string(last.result.Status),
			Output:   last.result.Output,
			Error:    last.result.Error,
		}
	}

	proposal, done, err := l.proposer.ProposeNext(state, lastOutcome)
	if err != nil {
		iterResult.DurationSec = time.Since(iterStart).Seconds()
		iterResult.Result = &schema.Result{Status: schema.ToolCallStatusError, Error: fmt.Sprintf("proposer error: %v", err)}
		return iterResult, false
	}
	if done != nil {
		iterResult.Done = done
		iterResult.DurationSec = time.Since(iterStart).Seconds()
		return iterResult, false
	}

	iterResult.Proposal = proposal

	if isRepeated(history, proposal, l.config.RepetitionThreshold) {
		iterResult.DurationSec = time.Since(iterStart).Seconds()
		return iterResult, true
	}

	callID, err := l.store.RecordCall(ctx, runID, iteration, proposal.ToolName, proposal.Args)
	if err != nil {
		iterResult.DurationSec = time.Since(iterStart).Seconds()
		iterResult.Result = &schema.Result{Status: schema.ToolCallStatusError, Error: fmt.Sprintf("recording call: %v", err)}
		return iterResult, false
	}
	call := schema.Call{CallID: callID, RunID: runID, StepIndex: iteration, ToolName: proposal.ToolName, Args: proposal.Args}
	iterResult.Call = &call

	decision := l.policy.Evaluate(proposal.ToolName, proposal.Args, workingDir)
	iterResult.PolicyDecision = &decision

	startedAt := time.Now()

	if !decision.Allowed {
		endedAt := time.Now()
		errMsg := fmt.Sprintf("denied by policy: %s", decision.Reason)
		result := schema.Result{
			CallID: callID, RunID: runID, Status: schema.ToolCallStatusDenied,
			Error: errMsg, PolicyDecision: decision, StartedAt: startedAt, EndedAt: endedAt,
		}
		iterResult.Result = &result
		_ = l.store.RecordResult(ctx, callID, runID, schema.ToolCallStatusDenied, nil, errMsg, decision, startedAt, endedAt, proposal.Args)
		iterResult.DurationSec = time.Since(iterStart).Seconds()
		return iterResult, false
	}

	output := l.executeTool(ctx, call, workingDir)
	endedAt := time.Now()

	status := schema.ToolCallStatusSuccess
	var outData any
	var errMsg string
	if output.Success {
		outData = output.Data
	} else {
		status = schema.ToolCallStatusError
		errMsg = output.Error
	}

	result := schema.Result{
		CallID: callID, RunID: runID, Status: status, Output: outData, Error: errMsg,
		PolicyDecision: decision, StartedAt: startedAt, EndedAt: endedAt,
	}
	iterResult.Result = &result
	_ = l.store.RecordResult(ctx, callID, runID, status, outData, errMsg, decision, startedAt, endedAt, proposal.Args)
	iterResult.DurationSec = time.Since(iterStart).Seconds()
	return iterResult, false
}

func (l *Loop) executeTool(ctx context.Context, call schema.Call, workingDir string) (out tool.Output) {
	defer func() {
		if r := recover(); r != nil {
			out = tool.Fail(fmt.Sprintf("tool execution error: %v", r), nil)
		}
	}()
	t, err := l.registry.Get(call.ToolName)
	if err != nil {
		return tool.Fail(fmt.Sprintf("tool not found: %s - %v", call.ToolName, err), nil)
	}
	pol := l.policy.Policy()
	return t.Execute(ctx, call.Args, &tool.Context{RunID: call.RunID, Policy: &pol, WorkingDir: workingDir})
}

func (l *Loop) buildState(task string, history []historyEntry, iteration int) proposer.State {
	entries := make([]proposer.HistoryEntry, 0, len(history))
	for _, h := range history {
		entries = append(entries, proposer.HistoryEntry{
			ToolName: h.call.ToolName, Args: h.call.Args,
			Status: string(h.result.Status), Output: h.result.Output, Error: h.result.Error,
		})
	}
	return proposer.State{
		Task:          task,
		ToolSchemas:   l.toolSchemas(),
		PolicySummary: l.policySummary(),
		History:       entries,
		Iteration:     iteration,
	}
}

func (l *Loop) toolSchemas() []proposer.ToolSchema {
	names := l.registry.List()
	schemas := make([]proposer.ToolSchema, 0, len(names))
	for _, name := range names {
		t, ok := l.registry.GetOptional(name)
		if !ok {
			continue
		}
		schemas = append(schemas, proposer.ToolSchema{
			Name: t.Name(), Description: t.Description(), Args: argsSchemaFor(t.Name()),
		})
	}
	return schemas
}

func argsSchemaFor(name string) map[string]proposer.ArgSchema {
	switch name {
	case "fs.read":
		return map[string]proposer.ArgSchema{"path": {Type: "string", Required: true}}
	case "fs.write":
		return map[string]proposer.ArgSchema{
			"path":    {Type: "string", Required: true},
			"content": {Type: "string", Required: true},
		}
	case "http.get":
		return map[string]proposer.ArgSchema{"url": {Type: "string", Required: true}}
	case "shell.run":
		return map[string]proposer.ArgSchema{"cmd": {Type: "array", Required: true}}
	default:
		return map[string]proposer.ArgSchema{}
	}
}

func (l *Loop) policySummary() string {
	p := l.policy.Policy()
	lines := make([]string, 0, 4)

	if len(p.Tools.FsRead.AllowPaths) > 0 {
		lines = append(lines, "Can read: "+joinStrings(p.Tools.FsRead.AllowPaths))
	} else {
		lines = append(lines, "Cannot read any files")
	}
	if len(p.Tools.FsWrite.AllowPaths) > 0 {
		lines = append(lines, "Can write: "+joinStrings(p.Tools.FsWrite.AllowPaths))
	} else {
		lines = append(lines, "Cannot write any files")
	}
	if len(p.Tools.HttpGet.AllowDomains) > 0 {
		lines = append(lines, "Can access domains: "+joinStrings(p.Tools.HttpGet.AllowDomains))
	} else {
		lines = append(lines, "Cannot access any URLs")
	}
	if len(p.Tools.ShellRun.AllowExecutables) > 0 {
		lines = append(lines, "Can run commands: "+joinStrings(p.Tools.ShellRun.AllowExecutables))
	} else {
		lines = append(lines, "Cannot run any shell commands")
	}
	return joinSemicolon(lines)
}

func joinStrings(items []string) string { return joinWith(items, ", ") }
func joinSemicolon(items []string) string { return joinWith(items, "; ") }

func joinWith(items []string, sep string) string {
	out := ""
	for i, s := range items {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}

// truncateHistory first drops the oldest entries beyond maxItems, then
// walks backward from the newest entry, keeping entries while their
// combined serialized size stays within maxChars; the first entry that
// would exceed it is dropped together with every older entry.
func truncateHistory(history []historyEntry, maxItems, maxChars int) []historyEntry {
	if maxItems > 0 && len(history) > maxItems {
		history = history[len(history)-maxItems:]
	}

	totalChars := 0
	truncated := make([]historyEntry, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		entry := history[i]
		entryChars := estimateEntryChars(entry)
		if maxChars > 0 && totalChars+entryChars > maxChars {
			break
		}
		truncated = append([]historyEntry{entry}, truncated...)
		totalChars += entryChars
	}
	return truncated
}

func estimateEntryChars(entry historyEntry) int {
	argsJSON, _ := json.Marshal(entry.call.Args)
	n := len(argsJSON)
	if entry.result.Output != nil {
		if b, err := json.Marshal(entry.result.Output); err == nil {
			n += len(b)
		}
	}
	n += len(entry.result.Error)
	return n
}

// isRepeated reports whether executing proposal would extend the trailing
// run of identical (tool, args) calls in history to at least threshold.
// This check runs before the proposal is recorded or executed, per the
// documented call/evaluate ordering for this loop.
func isRepeated(history []historyEntry, proposal *proposer.Proposal, threshold int) bool {
	if len(history) == 0 || threshold <= 0 {
		return false
	}
	consecutive := 1 // the proposal itself, if executed, counts as one occurrence
	for i := len(history) - 1; i >= 0; i-- {
		call := history[i].call
		if call.ToolName == proposal.ToolName && argsEqual(call.Args, proposal.Args) {
			consecutive++
		} else {
			break
		}
	}
	return consecutive >= threshold
}

func argsEqual(a, b map[string]any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
