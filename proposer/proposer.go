// Package proposer defines the planner-side half of the agent loop's
// propose -> evaluate -> execute -> record cycle. A Proposer's output is
// untrusted: nothing it returns is acted on until the policy engine has
// adjudicated it.
package proposer

import "fmt"

// ValidReasons enumerates the reasons a Proposer may give for stopping.
var ValidReasons = map[string]bool{
	"task_complete":  true,
	"cannot_proceed": true,
	"max_iterations": true,
	"user_cancel":    true,
	"policy_blocked": true,
}

// Proposal is a single tool invocation a Proposer wants evaluated and,
// if allowed, executed.
type Proposal struct {
	ToolName string
	Args     map[string]any
}

// Done signals that a Proposer considers the task finished.
type Done struct {
	FinalOutput any
	Reason      string
}

// NewDone builds a Done, defaulting Reason to "task_complete" and
// rejecting a reason outside ValidReasons.
func NewDone(finalOutput any, reason string) (Done, error) {
	if reason == "" {
		reason = "task_complete"
	}
	if !ValidReasons[reason] {
		return Done{}, fmt.Errorf("invalid done reason: %q", reason)
	}
	return Done{FinalOutput: finalOutput, Reason: reason}, nil
}

// ToolSchema describes one registered tool for a Proposer, the same
// simplified shape the agent loop builds from the tool registry.
type ToolSchema struct {
	Name        string
	Description string
	Args        map[string]ArgSchema
}

// ArgSchema describes a single named argument.
type ArgSchema struct {
	Type     string
	Required bool
}

// HistoryEntry pairs a past call with its outcome, mirroring what a
// Proposer sees of prior iterations.
type HistoryEntry struct {
	ToolName string
	Args     map[string]any
	Status   string
	Output   any
	Error    string
}

// State is everything the loop hands a Proposer before asking for its
// next move.
type State struct {
	Task          string
	ToolSchemas   []ToolSchema
	PolicySummary string
	History       []HistoryEntry
	Iteration     int
	Metadata      map[string]any
}

// Proposer proposes the next tool call, or signals completion via Done.
// Implementations must not panic; a Proposer that cannot decide should
// return a Done with reason "cannot_proceed" or an error.
type Proposer interface {
	// ProposeNext returns exactly one of (*Proposal, nil, nil) or
	// (nil, *Done, nil). lastOutcome is the most recent history entry, or
	// nil while the history is empty (as on the first call).
	ProposeNext(state State, lastOutcome *HistoryEntry) (*Proposal, *Done, error)
	// Finalize lets a Proposer post-process its own Done before the loop
	// reports FinalOutput; returning nil keeps Done.FinalOutput unchanged.
	Finalize(state State, done Done) any
	Name() string
}

// Base supplies the common default for Finalize and Name so concrete
// Proposers only need to implement ProposeNext.
type Base struct {
	ProposerName string
}

func (b Base) Finalize(State, Done) any { return nil }
func (b Base) Name() string {
	if b.ProposerName == "" {
		return "base"
	}
	return b.ProposerName
}
