// Package worker provides execution-environment adapters implementing
// core.Worker. The anthropic and openai subpackages wrap the official SDK
// clients; this package holds the shared prompt assembly and response
// parsing plus a scriptable in-process worker for tests and examples.
package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"conductor/core"
	"conductor/internal/util"
)

// BuildPrompt renders a work item into a system instruction and a user
// message. Predecessor observations and params are rendered in sorted key
// order so the same item always produces the same prompt.
func BuildPrompt(item core.WorkItem) (system, user string) {
	var sys strings.Builder
	fmt.Fprintf(&sys, "You are an autonomous software agent acting in %q mode.\n", item.Mode)
	if item.Instructions != "" {
		instructions, err := util.RenderTemplate(item.Instructions, item.Params)
		if err != nil {
			instructions = item.Instructions
		}
		fmt.Fprintf(&sys, "Task instructions:\n%s\n", instructions)
	}
	sys.WriteString("Respond with your result. If structured outputs were requested, end with a JSON object containing them.")

	var usr strings.Builder
	fmt.Fprintf(&usr, "Execute node %s (attempt %d).\n", item.NodeID, item.Attempt)

	if len(item.Params) > 0 {
		usr.WriteString("\nParameters:\n")
		for _, k := range sortedKeys(item.Params) {
			raw, _ := json.Marshal(item.Params[k])
			fmt.Fprintf(&usr, "- %s: %s\n", k, raw)
		}
	}
	if len(item.Inputs) > 0 {
		usr.WriteString("\nResults from prior nodes:\n")
		keys := make([]string, 0, len(item.Inputs))
		for k := range item.Inputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obs := item.Inputs[k]
			fmt.Fprintf(&usr, "## %s (%s)\n%s\n", k, obs.Status, obs.Payload)
			if len(obs.Values) > 0 {
				raw, _ := json.Marshal(obs.Values)
				fmt.Fprintf(&usr, "Structured outputs: %s\n", raw)
			}
		}
	}
	if item.Feedback != "" {
		fmt.Fprintf(&usr, "\nYour previous attempt was rejected:\n%s\nCorrect the problem and try again.\n", item.Feedback)
	}
	return sys.String(), usr.String()
}

// ParseObservation converts a model's textual reply into an observation. A
// trailing JSON object becomes the structured values; the full text stays in
// the payload.
func ParseObservation(text string, cost float64) core.Observation {
	obs := core.Observation{
		Status:  core.ObservationSucceeded,
		Payload: text,
		Cost:    cost,
	}
	if values, ok := trailingJSONObject(text); ok {
		obs.Values = values
	}
	return obs
}

// trailingJSONObject extracts a JSON object ending the text, tolerating a
// closing markdown fence after it.
func trailingJSONObject(text string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)
	end := strings.LastIndex(trimmed, "}")
	if end < 0 {
		return nil, false
	}
	// Walk back to the matching opening brace.
	depth := 0
	for i := end; i >= 0; i-- {
		switch trimmed[i] {
		case '}':
			depth++
		case '{':
			depth--
		}
		if depth == 0 {
			var values map[string]any
			if err := json.Unmarshal([]byte(trimmed[i:end+1]), &values); err != nil {
				return nil, false
			}
			return values, len(values) > 0
		}
	}
	return nil, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
