// Package static adapts a fixed schema.Plan into a Proposer, letting the
// dynamic agent loop drive a plan written up front step by step instead of
// deciding each step live.
package static

import (
	"github.com/capsule-run/capsule/proposer"
	"github.com/capsule-run/capsule/schema"
)

// Proposer replays plan's steps in order, one per ProposeNext call, then
// signals Done once exhausted.
type Proposer struct {
	proposer.Base
	steps []schema.PlanStep
}

// New builds a Proposer that replays plan.Steps in order.
func New(plan schema.Plan) *Proposer {
	return &Proposer{Base: proposer.Base{ProposerName: "static"}, steps: plan.Steps}
}

func (p *Proposer) ProposeNext(state proposer.State, _ *proposer.HistoryEntry) (*proposer.Proposal, *proposer.Done, error) {
	if state.Iteration >= len(p.steps) {
		done, err := proposer.NewDone(nil, "task_complete")
		if err != nil {
			return nil, nil, err
		}
		return nil, &done, nil
	}
	step := p.steps[state.Iteration]
	return &proposer.Proposal{ToolName: step.Tool, Args: step.Args}, nil, nil
}
