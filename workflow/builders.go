package workflow

import (
	"fmt"

	"conductor/core"
)

// Stage describes one step of a builder-constructed workflow.
type Stage struct {
	ID     string
	Mode   string
	Params map[string]any
}

// Single builds a workflow of exactly one node.
func Single(id, mode string, params map[string]any) core.WorkflowSpec {
	return core.WorkflowSpec{
		Nodes: []core.NodeSpec{{ID: id, Mode: mode, Params: params}},
	}
}

// Pipeline builds a linear workflow: each stage runs after the previous one
// succeeds.
func Pipeline(stages ...Stage) core.WorkflowSpec {
	spec := core.WorkflowSpec{Nodes: make([]core.NodeSpec, 0, len(stages))}
	for i, st := range stages {
		ns := core.NodeSpec{ID: st.ID, Mode: st.Mode, Params: st.Params}
		if i > 0 {
			ns.After = []core.EdgeSpec{{From: stages[i-1].ID}}
		}
		spec.Nodes = append(spec.Nodes, ns)
	}
	return spec
}

// FanOut builds a diamond: the source node fans out to the branch stages in
// parallel, and the join node activates once all branches succeed.
func FanOut(source Stage, join Stage, branches ...Stage) core.WorkflowSpec {
	spec := core.WorkflowSpec{Nodes: make([]core.NodeSpec, 0, len(branches)+2)}
	spec.Nodes = append(spec.Nodes, core.NodeSpec{ID: source.ID, Mode: source.Mode, Params: source.Params})
	joinEdges := make([]core.EdgeSpec, 0, len(branches))
	for _, br := range branches {
		spec.Nodes = append(spec.Nodes, core.NodeSpec{
			ID:     br.ID,
			Mode:   br.Mode,
			Params: br.Params,
			After:  []core.EdgeSpec{{From: source.ID}},
		})
		joinEdges = append(joinEdges, core.EdgeSpec{From: br.ID})
	}
	spec.Nodes = append(spec.Nodes, core.NodeSpec{
		ID:         join.ID,
		Mode:       join.Mode,
		Params:     join.Params,
		Activation: core.ActivateAll,
		After:      joinEdges,
	})
	return spec
}

// Cycle builds a bounded two-node loop: the work stage runs, the check stage
// evaluates it, and a predicate-conditioned back edge re-activates the work
// stage until the predicate stops matching or maxIterations is reached.
// The exit predicate names a registered predicate that is true while the
// loop must continue; successPredicate (optional) exits the whole cycle
// early when an iteration's observation satisfies it.
func Cycle(work, check Stage, continuePredicate, successPredicate string, maxIterations int) (core.WorkflowSpec, error) {
	if maxIterations <= 0 {
		return core.WorkflowSpec{}, fmt.Errorf("cycle %s: max iterations must be positive", work.ID)
	}
	spec := core.WorkflowSpec{
		Nodes: []core.NodeSpec{
			{
				ID:     work.ID,
				Mode:   work.Mode,
				Params: work.Params,
				After: []core.EdgeSpec{{
					From:      check.ID,
					Condition: core.EdgeCondition{Kind: core.EdgeOnPredicate, Predicate: continuePredicate},
				}},
				Activation: core.ActivateAny,
			},
			{
				ID:     check.ID,
				Mode:   check.Mode,
				Params: check.Params,
				After:  []core.EdgeSpec{{From: work.ID}},
			},
		},
		Cycles: []core.CycleBound{{
			Nodes:            []string{work.ID, check.ID},
			MaxIterations:    maxIterations,
			SuccessPredicate: successPredicate,
		}},
	}
	return spec, nil
}
