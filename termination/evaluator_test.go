package termination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
)

type predMap map[string]core.PredicateFunc

func (p predMap) Predicate(name string) (core.PredicateFunc, bool) {
	fn, ok := p[name]
	return fn, ok
}

func step(payload string) core.Step {
	return core.Step{Kind: core.StepExecution, Observation: core.Observation{
		Status:  core.ObservationSucceeded,
		Payload: payload,
	}}
}

func TestEvaluator_NilSpecAlwaysContinues(t *testing.T) {
	e := NewEvaluator(nil, nil)
	v := e.Observe(Input{Counters: core.CounterSnapshot{Steps: 1000}, Step: step("")})
	assert.Equal(t, VerdictContinue, v.Kind)
}

func TestEvaluator_MaxStepsFails(t *testing.T) {
	e := NewEvaluator(MaxSteps(3), nil)

	v := e.Observe(Input{Counters: core.CounterSnapshot{Steps: 2}, Step: step(""), NodeAdvanced: true})
	assert.Equal(t, VerdictContinue, v.Kind)

	v = e.Observe(Input{Counters: core.CounterSnapshot{Steps: 3}, Step: step(""), NodeAdvanced: true})
	assert.Equal(t, VerdictFail, v.Kind)
	assert.Equal(t, "max_steps", v.Primitive)
}

func TestEvaluator_MaxCostFails(t *testing.T) {
	e := NewEvaluator(MaxCost(0.5), nil)
	v := e.Observe(Input{Counters: core.CounterSnapshot{Cost: 0.55}, Step: step(""), NodeAdvanced: true})
	assert.Equal(t, VerdictFail, v.Kind)
	assert.Equal(t, "max_cost", v.Primitive)
}

func TestEvaluator_TimeoutUsesRecordedElapsed(t *testing.T) {
	e := NewEvaluator(Timeout(time.Minute), nil)

	v := e.Observe(Input{Elapsed: 59 * time.Second, Step: step(""), NodeAdvanced: true})
	assert.Equal(t, VerdictContinue, v.Kind)

	v = e.Observe(Input{Elapsed: 61 * time.Second, Step: step(""), NodeAdvanced: true})
	assert.Equal(t, VerdictFail, v.Kind)
	assert.Equal(t, "timeout", v.Primitive)
}

func TestEvaluator_TextMentionCompletes(t *testing.T) {
	e := NewEvaluator(TextMention("ALL TESTS PASS"), nil)

	v := e.Observe(Input{Step: step("still working"), NodeAdvanced: true})
	assert.Equal(t, VerdictContinue, v.Kind)

	v = e.Observe(Input{Step: step("done: ALL TESTS PASS"), NodeAdvanced: true})
	assert.Equal(t, VerdictComplete, v.Kind)
	assert.Equal(t, "text_mention", v.Primitive)
}

func TestEvaluator_FunctionCallResultCompletes(t *testing.T) {
	preds := predMap{"goal": func(obs core.Observation) bool {
		ok, _ := obs.Values["covered"].(bool)
		return ok
	}}
	e := NewEvaluator(FunctionCallResult("goal"), preds)

	in := Input{Step: core.Step{Observation: core.Observation{
		Status: core.ObservationSucceeded,
		Values: map[string]any{"covered": true},
	}}, NodeAdvanced: true}
	v := e.Observe(in)
	assert.Equal(t, VerdictComplete, v.Kind)
}

func TestEvaluator_StallDetectedRequestsReplan(t *testing.T) {
	e := NewEvaluator(StallDetected(3), nil)

	// Three consecutive no-progress steps at flat cost trip the window.
	flat := Input{Counters: core.CounterSnapshot{Cost: 1.0}, Step: step(""), NodeAdvanced: false}
	assert.Equal(t, VerdictContinue, e.Observe(flat).Kind)
	assert.Equal(t, VerdictContinue, e.Observe(flat).Kind)

	v := e.Observe(flat)
	assert.Equal(t, VerdictReplan, v.Kind)
	assert.Equal(t, "stall_detected", v.Primitive)
}

func TestEvaluator_StallWindowResetByProgress(t *testing.T) {
	e := NewEvaluator(StallDetected(3), nil)

	flat := Input{Counters: core.CounterSnapshot{Cost: 1.0}, Step: step(""), NodeAdvanced: false}
	e.Observe(flat)
	e.Observe(flat)
	// A step that advances a node breaks the streak.
	e.Observe(Input{Counters: core.CounterSnapshot{Cost: 1.0}, Step: step(""), NodeAdvanced: true})

	v := e.Observe(flat)
	assert.Equal(t, VerdictContinue, v.Kind)
}

func TestEvaluator_StallRequiresFlatCost(t *testing.T) {
	e := NewEvaluator(StallDetected(2), nil)

	e.Observe(Input{Counters: core.CounterSnapshot{Cost: 1.0}, Step: step(""), NodeAdvanced: false})
	// Cost moved: retries that spend tokens are not a stall.
	v := e.Observe(Input{Counters: core.CounterSnapshot{Cost: 1.2}, Step: step(""), NodeAdvanced: false})
	assert.Equal(t, VerdictContinue, v.Kind)
}

func TestEvaluator_OrShortCircuitsOnFirstSatisfied(t *testing.T) {
	e := NewEvaluator(Or(MaxSteps(100), TextMention("DONE")), nil)
	v := e.Observe(Input{Step: step("DONE"), NodeAdvanced: true})
	assert.Equal(t, VerdictComplete, v.Kind)
	assert.Equal(t, "text_mention", v.Primitive)
}

func TestEvaluator_AndNeedsAllChildren(t *testing.T) {
	e := NewEvaluator(And(MaxSteps(2), TextMention("DONE")), nil)

	v := e.Observe(Input{Counters: core.CounterSnapshot{Steps: 2}, Step: step("working"), NodeAdvanced: true})
	assert.Equal(t, VerdictContinue, v.Kind)

	v = e.Observe(Input{Counters: core.CounterSnapshot{Steps: 3}, Step: step("DONE"), NodeAdvanced: true})
	require.NotEqual(t, VerdictContinue, v.Kind)
	// The first child in declaration order names the verdict.
	assert.Equal(t, "max_steps", v.Primitive)
}

func TestEvaluator_NotInverts(t *testing.T) {
	e := NewEvaluator(Not(MaxSteps(5)), nil)
	// Satisfied purely through negation: fail with no single primitive.
	v := e.Observe(Input{Counters: core.CounterSnapshot{Steps: 1}, Step: step(""), NodeAdvanced: true})
	assert.Equal(t, VerdictFail, v.Kind)
	assert.Equal(t, "composite", v.Primitive)
}
