package core

import (
	"fmt"
	"time"
)

// ActionClass partitions externally-visible actions for autonomy gating.
type ActionClass string

const (
	// ActionFileWrite covers file creation, modification and deletion.
	ActionFileWrite ActionClass = "file_write"
	// ActionShellCommand covers command execution in the environment.
	ActionShellCommand ActionClass = "shell_command"
	// ActionDelivery covers publishing the run's result (commit, PR, deploy).
	ActionDelivery ActionClass = "delivery"
	// ActionPlan covers producing or revising an execution plan.
	ActionPlan ActionClass = "plan"
)

// ParseActionClass converts a string to its ActionClass.
func ParseActionClass(s string) (ActionClass, error) {
	switch ActionClass(s) {
	case ActionFileWrite, ActionShellCommand, ActionDelivery, ActionPlan:
		return ActionClass(s), nil
	default:
		return ActionPlan, fmt.Errorf("unknown action class %q", s)
	}
}

// ProposedAction describes one externally-visible action a node wants to
// perform. The gate sees exactly this, plus a counter snapshot, before the
// action is dispatched.
type ProposedAction struct {
	RunID         string      `json:"run_id"`
	NodeID        string      `json:"node_id"`
	Class         ActionClass `json:"class"`
	Path          string      `json:"path,omitempty"`
	Command       string      `json:"command,omitempty"`
	Branch        string      `json:"branch,omitempty"`
	EstimatedCost float64     `json:"estimated_cost,omitempty"`
	FileChanges   int         `json:"file_changes,omitempty"`
}

// PolicyVerdict is the gate's three-way answer.
type PolicyVerdict string

const (
	// VerdictAllow permits the action.
	VerdictAllow PolicyVerdict = "allow"
	// VerdictDeny forbids the action; the reason names the matched rule.
	VerdictDeny PolicyVerdict = "deny"
	// VerdictRequireApproval suspends the owning node pending sign-off.
	VerdictRequireApproval PolicyVerdict = "require_approval"
)

// PolicyFacts snapshots the inputs the gate used, retained for audit.
type PolicyFacts struct {
	BudgetRemaining  float64 `json:"budget_remaining"`
	StepsRemaining   int     `json:"steps_remaining"`
	ChangesRemaining int     `json:"changes_remaining"`
	MatchedRule      string  `json:"matched_rule,omitempty"`
	MatchedPattern   string  `json:"matched_pattern,omitempty"`
	AutonomyLevel    string  `json:"autonomy_level"`
}

// PolicyDecision is the irrevocable verdict for one proposed action together
// with the facts used to reach it.
type PolicyDecision struct {
	Verdict PolicyVerdict `json:"verdict"`
	Reason  string        `json:"reason,omitempty"`
	Facts   PolicyFacts   `json:"facts"`
}

// Allowed reports whether the action may proceed without further input.
func (d PolicyDecision) Allowed() bool { return d.Verdict == VerdictAllow }

// SafetyConfig is the validated safety envelope a Task is submitted with.
// Zero values disable the corresponding limit except where noted.
type SafetyConfig struct {
	// BudgetHardLimit is the run-wide cost ceiling in currency units. A
	// proposed step that would cross it is denied before dispatch.
	BudgetHardLimit float64 `json:"budget_hard_limit,omitempty" yaml:"budget_hard_limit,omitempty"`
	// MaxCostPerStep caps the estimated cost of any single step.
	MaxCostPerStep float64 `json:"max_cost_per_step,omitempty" yaml:"max_cost_per_step,omitempty"`
	// MaxSteps caps the number of recorded execution steps.
	MaxSteps int `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	// MaxFileChanges caps the cumulative number of changed files.
	MaxFileChanges int `json:"max_file_changes,omitempty" yaml:"max_file_changes,omitempty"`
	// BlockedPaths are path globs no action may touch.
	BlockedPaths []string `json:"blocked_paths,omitempty" yaml:"blocked_paths,omitempty"`
	// BlockedCommands are command patterns that are always denied.
	BlockedCommands []string `json:"blocked_commands,omitempty" yaml:"blocked_commands,omitempty"`
	// RequireTestsPass gates the transition into Delivering on test results.
	RequireTestsPass bool `json:"require_tests_pass,omitempty" yaml:"require_tests_pass,omitempty"`
	// RequireLintPass gates the transition into Delivering on lint results.
	RequireLintPass bool `json:"require_lint_pass,omitempty" yaml:"require_lint_pass,omitempty"`
	// RollbackOnFailure asks the environment to revert changes of failed runs.
	RollbackOnFailure bool `json:"rollback_on_failure,omitempty" yaml:"rollback_on_failure,omitempty"`
	// BranchIsolation forbids delivering to protected branches.
	BranchIsolation bool `json:"branch_isolation,omitempty" yaml:"branch_isolation,omitempty"`
	// ProtectedBranches lists branches delivery may not target when
	// BranchIsolation is set. Defaults to main and master.
	ProtectedBranches []string `json:"protected_branches,omitempty" yaml:"protected_branches,omitempty"`
	// ApprovalTimeout bounds how long a RequireApproval verdict may wait for
	// its callback before becoming a deny. Zero means DefaultApprovalTimeout.
	ApprovalTimeout time.Duration `json:"approval_timeout,omitempty" yaml:"approval_timeout,omitempty"`
}

// DefaultApprovalTimeout is applied when SafetyConfig.ApprovalTimeout is zero,
// so a missing approver can never hang a run indefinitely.
const DefaultApprovalTimeout = 30 * time.Minute

// EffectiveApprovalTimeout returns the configured timeout or the default.
func (c SafetyConfig) EffectiveApprovalTimeout() time.Duration {
	if c.ApprovalTimeout > 0 {
		return c.ApprovalTimeout
	}
	return DefaultApprovalTimeout
}

// EffectiveProtectedBranches returns the configured protected branches or the
// conventional defaults.
func (c SafetyConfig) EffectiveProtectedBranches() []string {
	if len(c.ProtectedBranches) > 0 {
		return c.ProtectedBranches
	}
	return []string{"main", "master"}
}
