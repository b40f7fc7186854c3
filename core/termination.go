package core

import "time"

// TerminationOp tags a node of the termination predicate tree.
type TerminationOp string

const (
	// TermAnd is satisfied when all children are satisfied.
	TermAnd TerminationOp = "and"
	// TermOr is satisfied when any child is satisfied.
	TermOr TerminationOp = "or"
	// TermNot inverts its single child.
	TermNot TerminationOp = "not"
	// TermLeaf wraps a primitive condition.
	TermLeaf TerminationOp = "leaf"
)

// TerminationPrimitiveKind names the primitive stop conditions.
type TerminationPrimitiveKind string

const (
	// TermMaxSteps fires when the run's step counter reaches N.
	TermMaxSteps TerminationPrimitiveKind = "max_steps"
	// TermMaxCost fires when accumulated cost reaches the limit.
	TermMaxCost TerminationPrimitiveKind = "max_cost"
	// TermTimeout fires when the run's wall clock exceeds the duration.
	TermTimeout TerminationPrimitiveKind = "timeout"
	// TermTextMention fires when the last observation payload contains the pattern.
	TermTextMention TerminationPrimitiveKind = "text_mention"
	// TermStallDetected fires when no node advanced across a sliding window
	// of steps at unchanged cumulative cost. It requests re-planning, not
	// termination.
	TermStallDetected TerminationPrimitiveKind = "stall_detected"
	// TermFunctionCallResult fires when the named predicate matches the last
	// observation's structured values.
	TermFunctionCallResult TerminationPrimitiveKind = "function_call_result"
	// TermCustom fires when the named custom predicate matches.
	TermCustom TerminationPrimitiveKind = "custom"
)

// TerminationPrimitive is one leaf condition. Only the fields relevant to
// its Kind are consulted. Predicates are referenced by registry name so the
// whole tree stays serializable and replay-stable.
type TerminationPrimitive struct {
	Kind      TerminationPrimitiveKind `json:"kind" yaml:"kind"`
	Steps     int                      `json:"steps,omitempty" yaml:"steps,omitempty"`
	Cost      float64                  `json:"cost,omitempty" yaml:"cost,omitempty"`
	Duration  time.Duration            `json:"duration,omitempty" yaml:"duration,omitempty"`
	Pattern   string                   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Window    int                      `json:"window,omitempty" yaml:"window,omitempty"`
	Predicate string                   `json:"predicate,omitempty" yaml:"predicate,omitempty"`
}

// ID renders a stable identity for audit records ("max_steps(40)" etc.).
func (p TerminationPrimitive) ID() string {
	switch p.Kind {
	case TermMaxSteps:
		return "max_steps"
	case TermMaxCost:
		return "max_cost"
	case TermTimeout:
		return "timeout"
	case TermTextMention:
		return "text_mention"
	case TermStallDetected:
		return "stall_detected"
	case TermFunctionCallResult:
		return "function_call_result"
	case TermCustom:
		return "custom:" + p.Predicate
	default:
		return string(p.Kind)
	}
}

// TerminationSpec is an explicit tagged tree of {And, Or, Not, Leaf}
// combinators over primitive conditions, evaluated after every step by a
// small recursive interpreter. Exactly one of Children, Child or Leaf is set
// depending on Op.
type TerminationSpec struct {
	Op       TerminationOp         `json:"op" yaml:"op"`
	Children []*TerminationSpec    `json:"children,omitempty" yaml:"children,omitempty"`
	Child    *TerminationSpec      `json:"child,omitempty" yaml:"child,omitempty"`
	Leaf     *TerminationPrimitive `json:"leaf,omitempty" yaml:"leaf,omitempty"`
}
