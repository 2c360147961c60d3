// Package scripted is a Proposer fed a fixed sequence of proposals ahead
// of time, for tests and demos that need deterministic agent-loop
// behavior without a real model in the loop.
package scripted

import "github.com/capsule-run/capsule/proposer"

// Step is either a tool proposal (ToolName non-empty) or a completion
// signal (Done non-nil).
type Step struct {
	ToolName string
	Args     map[string]any
	Done     *proposer.Done
}

// Proposer replays a fixed Steps slice in order, one per call.
type Proposer struct {
	proposer.Base
	Steps []Step
}

// New builds a Proposer over steps.
func New(steps []Step) *Proposer {
	return &Proposer{Base: proposer.Base{ProposerName: "scripted"}, Steps: steps}
}

func (p *Proposer) ProposeNext(state proposer.State, _ *proposer.HistoryEntry) (*proposer.Proposal, *proposer.Done, error) {
	if state.Iteration >= len(p.Steps) {
		done, err := proposer.NewDone(nil, "max_iterations")
		if err != nil {
			return nil, nil, err
		}
		return nil, &done, nil
	}
	step := p.Steps[state.Iteration]
	if step.Done != nil {
		return nil, step.Done, nil
	}
	return &proposer.Proposal{ToolName: step.ToolName, Args: step.Args}, nil, nil
}
