package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/core"
)

func TestBuildPrompt_Deterministic(t *testing.T) {
	item := core.WorkItem{
		RunID:        "run-1",
		NodeID:       "code",
		Attempt:      2,
		Mode:         "coder",
		Instructions: "fix the bug",
		Params:       map[string]any{"b": 2, "a": 1, "c": "x"},
		Inputs: map[string]core.Observation{
			"plan": {Status: core.ObservationSucceeded, Payload: "the plan", Values: map[string]any{"files": 3.0}},
		},
	}

	sys1, usr1 := BuildPrompt(item)
	for i := 0; i < 10; i++ {
		sys, usr := BuildPrompt(item)
		assert.Equal(t, sys1, sys)
		assert.Equal(t, usr1, usr)
	}

	assert.Contains(t, sys1, `"coder" mode`)
	assert.Contains(t, sys1, "fix the bug")
	assert.Contains(t, usr1, "Execute node code (attempt 2).")
	assert.Contains(t, usr1, "- a: 1")
	assert.Less(t, indexOf(t, usr1, "- a: 1"), indexOf(t, usr1, "- b: 2"))
	assert.Contains(t, usr1, "## plan (succeeded)")
	assert.Contains(t, usr1, "the plan")
	assert.Contains(t, usr1, `"files":3`)
}

func TestBuildPrompt_RendersInstructionTemplates(t *testing.T) {
	item := core.WorkItem{
		NodeID:       "code",
		Mode:         "coder",
		Instructions: "refactor {{.target | upper}}",
		Params:       map[string]any{"target": "parser"},
	}
	sys, _ := BuildPrompt(item)
	assert.Contains(t, sys, "refactor PARSER")
	assert.NotContains(t, sys, "{{")
}

func TestBuildPrompt_KeepsRawInstructionsOnBadTemplate(t *testing.T) {
	item := core.WorkItem{
		NodeID:       "code",
		Mode:         "coder",
		Instructions: "literal {{.broken",
	}
	sys, _ := BuildPrompt(item)
	assert.Contains(t, sys, "literal {{.broken")
}

func TestBuildPrompt_FeedbackSection(t *testing.T) {
	item := core.WorkItem{NodeID: "code", Mode: "coder", Feedback: "missing output key quality"}
	_, usr := BuildPrompt(item)
	assert.Contains(t, usr, "previous attempt was rejected")
	assert.Contains(t, usr, "missing output key quality")

	_, clean := BuildPrompt(core.WorkItem{NodeID: "code", Mode: "coder"})
	assert.NotContains(t, clean, "rejected")
}

func TestParseObservation_TrailingJSON(t *testing.T) {
	obs := ParseObservation("All done.\n{\"quality\": 0.9, \"tests_passed\": true}", 0.05)
	assert.Equal(t, core.ObservationSucceeded, obs.Status)
	assert.InDelta(t, 0.05, obs.Cost, 1e-9)
	assert.Contains(t, obs.Payload, "All done.")
	require.NotNil(t, obs.Values)
	assert.InDelta(t, 0.9, obs.Values["quality"].(float64), 1e-9)
	assert.Equal(t, true, obs.Values["tests_passed"])
}

func TestParseObservation_FencedJSON(t *testing.T) {
	text := "Result below.\n```json\n{\"covered\": true}\n```"
	obs := ParseObservation(text, 0)
	require.NotNil(t, obs.Values)
	assert.Equal(t, true, obs.Values["covered"])
	assert.Equal(t, text, obs.Payload)
}

func TestParseObservation_NoStructuredOutput(t *testing.T) {
	assert.Nil(t, ParseObservation("plain prose, no objects", 0).Values)
	assert.Nil(t, ParseObservation("empty object {}", 0).Values)
	assert.Nil(t, ParseObservation("broken {not json}", 0).Values)
}

func TestScriptWorker(t *testing.T) {
	ctx := context.Background()
	w := NewScriptWorker().
		Succeed("plan", "planned", 0.01).
		Fail("verify", "tests failed", 0.02).
		FailOnce("code", "coded", 0.03)

	obs, err := w.Dispatch(ctx, core.WorkItem{NodeID: "plan", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, core.ObservationSucceeded, obs.Status)
	assert.Equal(t, "planned", obs.Payload)

	obs, err = w.Dispatch(ctx, core.WorkItem{NodeID: "verify", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, core.ObservationFailed, obs.Status)
	assert.Equal(t, "tests failed", obs.Error)

	obs, err = w.Dispatch(ctx, core.WorkItem{NodeID: "code", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, core.ObservationFailed, obs.Status)
	obs, err = w.Dispatch(ctx, core.WorkItem{NodeID: "code", Attempt: 2})
	require.NoError(t, err)
	assert.Equal(t, core.ObservationSucceeded, obs.Status)

	// Unscripted nodes succeed with an empty observation.
	obs, err = w.Dispatch(ctx, core.WorkItem{NodeID: "mystery", Attempt: 1})
	require.NoError(t, err)
	assert.Equal(t, core.ObservationSucceeded, obs.Status)

	assert.Equal(t, 2, w.Calls("code"))
	assert.Equal(t, 1, w.Calls("plan"))
	assert.Equal(t, 0, w.Calls("never"))
}

func TestScriptWorker_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScriptWorker().Dispatch(ctx, core.WorkItem{NodeID: "plan", Attempt: 1})
	assert.ErrorIs(t, err, context.Canceled)
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "expected %q in prompt", needle)
	return idx
}
