package termination

import (
	"strings"
	"time"

	"conductor/core"
)

// VerdictKind classifies the evaluator's answer after a step.
type VerdictKind string

const (
	// VerdictContinue means no stop condition is satisfied.
	VerdictContinue VerdictKind = "continue"
	// VerdictReplan means a stall was detected; the run should cycle back to
	// planning with an insufficient-progress reason.
	VerdictReplan VerdictKind = "replan"
	// VerdictComplete means a goal-detecting primitive fired.
	VerdictComplete VerdictKind = "complete"
	// VerdictFail means a budget-style primitive fired.
	VerdictFail VerdictKind = "fail"
)

// Verdict is the evaluator's answer, carrying the triggering primitive's
// identity for the audit trail.
type Verdict struct {
	Kind      VerdictKind
	Primitive string
	Reason    string
}

// Terminal reports whether the verdict ends the run.
func (v Verdict) Terminal() bool { return v.Kind == VerdictComplete || v.Kind == VerdictFail }

// Input carries one step's worth of accumulated run state.
type Input struct {
	Counters core.CounterSnapshot
	// Elapsed is measured between the step timestamp and the run's start so
	// replay evaluates the same values as the original run.
	Elapsed time.Duration
	// Step is the entry just recorded.
	Step core.Step
	// NodeAdvanced reports whether this step moved a node to a terminal
	// status, the progress signal for stall detection.
	NodeAdvanced bool
}

type progressSample struct {
	advanced bool
	cost     float64
}

// Evaluator interprets one run's termination spec. It is stateful: stall
// detection keeps a sliding window of progress samples, so each run (and
// each replay of it) needs a fresh Evaluator. Not safe for concurrent use;
// the engine calls it inside the run-level exclusive section.
type Evaluator struct {
	spec   *core.TerminationSpec
	preds  core.PredicateSource
	window []progressSample
}

// NewEvaluator builds an evaluator over a spec. A nil spec always yields
// VerdictContinue. preds resolves named predicates and may be nil when the
// spec uses none.
func NewEvaluator(spec *core.TerminationSpec, preds core.PredicateSource) *Evaluator {
	return &Evaluator{spec: spec, preds: preds}
}

// Observe records one step and evaluates the tree against the accumulated
// state.
func (e *Evaluator) Observe(in Input) Verdict {
	e.recordProgress(in)
	if e.spec == nil {
		return Verdict{Kind: VerdictContinue}
	}
	satisfied, trigger := e.eval(e.spec, in)
	if !satisfied {
		return Verdict{Kind: VerdictContinue}
	}
	if trigger == nil {
		// Satisfied purely through negation; no single primitive to blame.
		return Verdict{Kind: VerdictFail, Primitive: "composite", Reason: "termination spec satisfied"}
	}
	switch trigger.Kind {
	case core.TermStallDetected:
		return Verdict{Kind: VerdictReplan, Primitive: trigger.ID(), Reason: "insufficient progress"}
	case core.TermTextMention, core.TermFunctionCallResult, core.TermCustom:
		return Verdict{Kind: VerdictComplete, Primitive: trigger.ID(), Reason: "goal condition satisfied"}
	default:
		return Verdict{Kind: VerdictFail, Primitive: trigger.ID(), Reason: "limit reached"}
	}
}

func (e *Evaluator) recordProgress(in Input) {
	e.window = append(e.window, progressSample{advanced: in.NodeAdvanced, cost: in.Counters.Cost})
	// Cap retained samples at the largest stall window in the tree.
	if max := maxStallWindow(e.spec); max > 0 && len(e.window) > max {
		e.window = e.window[len(e.window)-max:]
	} else if max == 0 && len(e.window) > 1 {
		e.window = e.window[len(e.window)-1:]
	}
}

func maxStallWindow(spec *core.TerminationSpec) int {
	if spec == nil {
		return 0
	}
	max := 0
	switch spec.Op {
	case core.TermLeaf:
		if spec.Leaf != nil && spec.Leaf.Kind == core.TermStallDetected {
			max = spec.Leaf.Window
		}
	case core.TermNot:
		max = maxStallWindow(spec.Child)
	default:
		for _, c := range spec.Children {
			if w := maxStallWindow(c); w > max {
				max = w
			}
		}
	}
	return max
}

func (e *Evaluator) eval(spec *core.TerminationSpec, in Input) (bool, *core.TerminationPrimitive) {
	switch spec.Op {
	case core.TermAnd:
		var first *core.TerminationPrimitive
		for _, c := range spec.Children {
			ok, trig := e.eval(c, in)
			if !ok {
				return false, nil
			}
			if first == nil {
				first = trig
			}
		}
		return len(spec.Children) > 0, first
	case core.TermOr:
		for _, c := range spec.Children {
			if ok, trig := e.eval(c, in); ok {
				return true, trig
			}
		}
		return false, nil
	case core.TermNot:
		if spec.Child == nil {
			return false, nil
		}
		ok, _ := e.eval(spec.Child, in)
		return !ok, nil
	case core.TermLeaf:
		if spec.Leaf == nil {
			return false, nil
		}
		if e.leafSatisfied(*spec.Leaf, in) {
			return true, spec.Leaf
		}
		return false, nil
	default:
		return false, nil
	}
}

func (e *Evaluator) leafSatisfied(p core.TerminationPrimitive, in Input) bool {
	switch p.Kind {
	case core.TermMaxSteps:
		return p.Steps > 0 && in.Counters.Steps >= p.Steps
	case core.TermMaxCost:
		return p.Cost > 0 && in.Counters.Cost >= p.Cost
	case core.TermTimeout:
		return p.Duration > 0 && in.Elapsed >= p.Duration
	case core.TermTextMention:
		return p.Pattern != "" && strings.Contains(in.Step.Observation.Payload, p.Pattern)
	case core.TermStallDetected:
		return e.stalled(p.Window)
	case core.TermFunctionCallResult, core.TermCustom:
		if e.preds == nil {
			return false
		}
		fn, ok := e.preds.Predicate(p.Predicate)
		if !ok {
			return false
		}
		return fn(in.Step.Observation)
	default:
		return false
	}
}

func (e *Evaluator) stalled(window int) bool {
	if window <= 0 || len(e.window) < window {
		return false
	}
	recent := e.window[len(e.window)-window:]
	for _, s := range recent {
		if s.advanced {
			return false
		}
	}
	return recent[0].cost == recent[len(recent)-1].cost
}
