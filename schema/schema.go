// Package schema defines the data model shared across the policy, audit,
// engine, agent loop, and replay subsystems: Plan, Policy, Run, Call,
// Result, and PolicyDecision.
package schema

import "time"

// RunMode distinguishes a live execution from a replay.
type RunMode string

const (
	RunModeRun    RunMode = "run"
	RunModeReplay RunMode = "replay"
)

// RunStatus is the persisted, coarse status of a Run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// ToolCallStatus is the outcome of a single recorded call.
type ToolCallStatus string

const (
	ToolCallStatusSuccess ToolCallStatus = "success"
	ToolCallStatusDenied  ToolCallStatus = "denied"
	ToolCallStatusError   ToolCallStatus = "error"
)

// PlanStep is one statically specified tool invocation.
type PlanStep struct {
	Tool string         `json:"tool" yaml:"tool"`
	Args map[string]any `json:"args" yaml:"args"`
}

// Plan is a finite ordered sequence of Steps, identified by the SHA-256 of
// its canonical JSON.
type Plan struct {
	Version     string     `json:"version" yaml:"version"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []PlanStep `json:"steps" yaml:"steps"`
}

// FsPolicy governs fs.read or fs.write adjudication.
type FsPolicy struct {
	AllowPaths   []string `json:"allow_paths" yaml:"allow_paths"`
	DenyPaths    []string `json:"deny_paths" yaml:"deny_paths"`
	MaxSizeBytes int64    `json:"max_size_bytes" yaml:"max_size_bytes"`
	AllowHidden  bool     `json:"allow_hidden" yaml:"allow_hidden"`
}

// HttpPolicy governs http.get adjudication.
type HttpPolicy struct {
	AllowDomains      []string `json:"allow_domains" yaml:"allow_domains"`
	DenyPrivateIPs    bool     `json:"deny_private_ips" yaml:"deny_private_ips"`
	MaxResponseBytes  int64    `json:"max_response_bytes" yaml:"max_response_bytes"`
	TimeoutSeconds    float64  `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// ShellPolicy governs shell.run adjudication.
type ShellPolicy struct {
	AllowExecutables []string `json:"allow_executables" yaml:"allow_executables"`
	DenyTokens       []string `json:"deny_tokens" yaml:"deny_tokens"`
	TimeoutSeconds   float64  `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxOutputBytes   int64    `json:"max_output_bytes" yaml:"max_output_bytes"`
}

// ToolPolicies groups the per-tool rule sets by tool name.
type ToolPolicies struct {
	FsRead   FsPolicy    `json:"fs.read" yaml:"fs.read"`
	FsWrite  FsPolicy    `json:"fs.write" yaml:"fs.write"`
	HttpGet  HttpPolicy  `json:"http.get" yaml:"http.get"`
	ShellRun ShellPolicy `json:"shell.run" yaml:"shell.run"`
}

// Policy is the immutable configuration the Policy Engine adjudicates
// against: a global timeout, a per-tool call quota, and the four
// tool-specific rule sets.
type Policy struct {
	Boundary           string       `json:"boundary" yaml:"boundary"`
	GlobalTimeoutSeconds float64    `json:"global_timeout_seconds" yaml:"global_timeout_seconds"`
	MaxCallsPerTool    int          `json:"max_calls_per_tool" yaml:"max_calls_per_tool"`
	Tools              ToolPolicies `json:"tools" yaml:"tools"`
}

// PolicyDecision is the result of adjudicating one proposal. It is always
// present on a Result, even on success.
type PolicyDecision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason"`
	RuleMatched string `json:"rule_matched,omitempty"`
}

// Allow builds an allowing PolicyDecision.
func Allow(rule string) PolicyDecision {
	return PolicyDecision{Allowed: true, Reason: rule, RuleMatched: rule}
}

// Deny builds a denying PolicyDecision.
func Deny(reason string) PolicyDecision {
	return PolicyDecision{Allowed: false, Reason: reason}
}

// DenyRule builds a denying PolicyDecision with an explicit rule name
// distinct from the human-readable reason.
func DenyRule(reason, rule string) PolicyDecision {
	return PolicyDecision{Allowed: false, Reason: reason, RuleMatched: rule}
}

// Run is the append-only audit unit: one execution of a plan or one
// agent-loop session.
type Run struct {
	RunID          string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	PlanHash       string
	PolicyHash     string
	Plan           Plan
	Policy         Policy
	Mode           RunMode
	Status         RunStatus
	TotalSteps     int
	CompletedSteps int
	DeniedSteps    int
	FailedSteps    int
	ParentRunID    string
}

// Call is one recorded proposal, accepted for recording before policy
// adjudication so denials remain auditable.
type Call struct {
	CallID    string
	RunID     string
	StepIndex int
	ToolName  string
	Args      map[string]any
	CreatedAt time.Time
}

// Result is the one-to-one outcome of a Call.
type Result struct {
	CallID         string
	RunID          string
	Status         ToolCallStatus
	Output         any
	Error          string
	PolicyDecision PolicyDecision
	StartedAt      time.Time
	EndedAt        time.Time
	InputHash      string
	OutputHash     string
}
