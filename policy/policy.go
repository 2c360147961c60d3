// Package policy implements the security boundary: adjudication of
// (tool, args, working_dir) against an immutable Policy. Every contract is
// fail-closed — internal uncertainty always denies.
package policy

import (
	"sync"

	"github.com/capsule-run/capsule/schema"
)

const (
	ruleDenyByDefault   = "deny_by_default"
	ruleMaxCallsPerTool = "max_calls_per_tool"
)

// Engine adjudicates proposals against a Policy snapshot and tracks a
// per-tool call quota scoped to its own lifetime.
type Engine struct {
	policy schema.Policy

	mu     sync.Mutex
	counts map[string]int
}

// New constructs an Engine over an immutable Policy snapshot.
func New(p schema.Policy) *Engine {
	return &Engine{policy: p, counts: make(map[string]int)}
}

// Policy returns the snapshot this Engine was constructed with.
func (e *Engine) Policy() schema.Policy { return e.policy }

// ResetCounts zeros the per-tool quota counters, for reuse of one Engine
// instance across multiple runs.
func (e *Engine) ResetCounts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.counts = make(map[string]int)
}

// Evaluate adjudicates a single proposal. It never panics and never
// returns an ambiguous result: every path terminates in an explicit allow
// or deny.
func (e *Engine) Evaluate(toolName string, args map[string]any, workingDir string) schema.PolicyDecision {
	e.mu.Lock()
	current := e.counts[toolName]
	max := e.policy.MaxCallsPerTool
	e.mu.Unlock()

	if current >= max {
		return schema.DenyRule("max calls per tool exceeded", ruleMaxCallsPerTool)
	}

	var decision schema.PolicyDecision
	switch toolName {
	case "fs.read":
		decision = evaluateFsAccess(args, workingDir, e.policy.Tools.FsRead, false)
	case "fs.write":
		decision = evaluateFsAccess(args, workingDir, e.policy.Tools.FsWrite, true)
	case "http.get":
		decision = evaluateHTTPGet(args, e.policy.Tools.HttpGet)
	case "shell.run":
		decision = evaluateShellRun(args, e.policy.Tools.ShellRun)
	default:
		decision = schema.DenyRule("no adjudicator for unknown tool", ruleDenyByDefault)
	}

	if decision.Allowed {
		e.mu.Lock()
		e.counts[toolName]++
		e.mu.Unlock()
	}
	return decision
}
