package engine

import (
	"strings"

	"conductor/core"
)

// actionForNode derives the proposed action the policy gate judges before a
// node is dispatched. Nodes declare their external footprint through
// conventional params: "action_class" names the class outright, "path" and
// "command" imply file writes and shell commands, "estimated_cost" and
// "file_changes" feed the budget checks. A node declaring nothing is treated
// as pure planning.
func actionForNode(runID string, node *core.Node) core.ProposedAction {
	action := core.ProposedAction{
		RunID:  runID,
		NodeID: node.ID,
		Class:  core.ActionPlan,
	}
	if node.Params == nil {
		return action
	}
	if path := paramString(node.Params, "path"); path != "" {
		action.Path = path
		action.Class = core.ActionFileWrite
	}
	if cmd := paramString(node.Params, "command"); cmd != "" {
		action.Command = cmd
		action.Class = core.ActionShellCommand
	}
	if branch := paramString(node.Params, "branch"); branch != "" {
		action.Branch = branch
	}
	if class := paramString(node.Params, "action_class"); class != "" {
		if parsed, err := core.ParseActionClass(class); err == nil {
			action.Class = parsed
		}
	}
	action.EstimatedCost = paramFloat(node.Params, "estimated_cost")
	action.FileChanges = paramInt(node.Params, "file_changes")
	return action
}

// deliveryBranch extracts the target branch from a repository reference of
// the form "url#branch". An unsuffixed reference leaves branch selection to
// the environment.
func deliveryBranch(repository string) string {
	if i := strings.LastIndex(repository, "#"); i >= 0 {
		return repository[i+1:]
	}
	return ""
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

// paramFloat tolerates the numeric types YAML and JSON decoding produce.
func paramFloat(params map[string]any, key string) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func paramInt(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
