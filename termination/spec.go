package termination

import (
	"time"

	"conductor/core"
)

// And combines children; satisfied when all of them are.
func And(children ...*core.TerminationSpec) *core.TerminationSpec {
	return &core.TerminationSpec{Op: core.TermAnd, Children: children}
}

// Or combines children; satisfied when any of them is.
func Or(children ...*core.TerminationSpec) *core.TerminationSpec {
	return &core.TerminationSpec{Op: core.TermOr, Children: children}
}

// Not inverts its child.
func Not(child *core.TerminationSpec) *core.TerminationSpec {
	return &core.TerminationSpec{Op: core.TermNot, Child: child}
}

func leaf(p core.TerminationPrimitive) *core.TerminationSpec {
	return &core.TerminationSpec{Op: core.TermLeaf, Leaf: &p}
}

// MaxSteps fires once the run has recorded n execution steps.
func MaxSteps(n int) *core.TerminationSpec {
	return leaf(core.TerminationPrimitive{Kind: core.TermMaxSteps, Steps: n})
}

// MaxCost fires once accumulated cost reaches c.
func MaxCost(c float64) *core.TerminationSpec {
	return leaf(core.TerminationPrimitive{Kind: core.TermMaxCost, Cost: c})
}

// Timeout fires once the run's wall clock exceeds d, measured against
// recorded step timestamps so replay evaluates identically.
func Timeout(d time.Duration) *core.TerminationSpec {
	return leaf(core.TerminationPrimitive{Kind: core.TermTimeout, Duration: d})
}

// TextMention fires when the last observation payload contains pattern.
func TextMention(pattern string) *core.TerminationSpec {
	return leaf(core.TerminationPrimitive{Kind: core.TermTextMention, Pattern: pattern})
}

// StallDetected fires when no node advanced across a sliding window of n
// consecutive steps at unchanged cumulative cost. It routes the run back to
// planning rather than terminating it.
func StallDetected(window int) *core.TerminationSpec {
	return leaf(core.TerminationPrimitive{Kind: core.TermStallDetected, Window: window})
}

// FunctionCallResult fires when the named registered predicate matches the
// last observation.
func FunctionCallResult(predicate string) *core.TerminationSpec {
	return leaf(core.TerminationPrimitive{Kind: core.TermFunctionCallResult, Predicate: predicate})
}

// Custom fires when the named custom predicate matches the last observation.
func Custom(predicate string) *core.TerminationSpec {
	return leaf(core.TerminationPrimitive{Kind: core.TermCustom, Predicate: predicate})
}
