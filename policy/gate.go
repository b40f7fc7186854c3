package policy

import (
	"fmt"

	"github.com/tidwall/match"

	"conductor/core"
)

// Rule identifiers recorded in decisions so audits can name what matched.
const (
	RuleBlockedPath        = "blocked_path"
	RuleBlockedCommand     = "blocked_command"
	RuleDestructiveCommand = "destructive_command"
	RuleBudgetHardLimit    = "budget_hard_limit"
	RuleMaxCostPerStep     = "max_cost_per_step"
	RuleMaxSteps           = "max_steps"
	RuleMaxFileChanges     = "max_file_changes"
	RuleProtectedBranch    = "protected_branch"
	RuleAutonomy           = "autonomy_level"
)

// destructivePatterns are always denied regardless of configuration. They
// cover commands whose blast radius no autonomy level should reach.
var destructivePatterns = []string{
	"rm -rf /*",
	"rm -rf /",
	"git push --force*",
	"git push -f*",
	"*mkfs*",
	"*dd if=*of=/dev/*",
	"*:(){ :|:& };:*",
}

// Evaluate is the policy gate: a stateless, side-effect-free verdict for one
// proposed action. Checks short-circuit in a fixed order so the first
// matching rule names the decision.
func Evaluate(action core.ProposedAction, level core.AutonomyLevel, counters core.CounterSnapshot, cfg core.SafetyConfig) core.PolicyDecision {
	facts := core.PolicyFacts{
		BudgetRemaining:  remainingBudget(cfg, counters),
		StepsRemaining:   remainingSteps(cfg, counters),
		ChangesRemaining: remainingChanges(cfg, counters),
		AutonomyLevel:    level.String(),
	}

	if action.Path != "" {
		for _, pattern := range cfg.BlockedPaths {
			if match.Match(action.Path, pattern) {
				return deny(RuleBlockedPath, fmt.Sprintf("path %q matches blocked pattern %q", action.Path, pattern), pattern, facts)
			}
		}
	}

	if action.Command != "" {
		for _, pattern := range cfg.BlockedCommands {
			if match.Match(action.Command, pattern) {
				return deny(RuleBlockedCommand, fmt.Sprintf("command matches blocked pattern %q", pattern), pattern, facts)
			}
		}
		for _, pattern := range destructivePatterns {
			if match.Match(action.Command, pattern) {
				return deny(RuleDestructiveCommand, fmt.Sprintf("command matches destructive pattern %q", pattern), pattern, facts)
			}
		}
	}

	if cfg.BranchIsolation && action.Class == core.ActionDelivery && action.Branch != "" {
		for _, branch := range cfg.EffectiveProtectedBranches() {
			if action.Branch == branch {
				return deny(RuleProtectedBranch, fmt.Sprintf("delivery to protected branch %q forbidden", branch), branch, facts)
			}
		}
	}

	if cfg.MaxCostPerStep > 0 && action.EstimatedCost > cfg.MaxCostPerStep {
		return deny(RuleMaxCostPerStep, fmt.Sprintf("step cost %.4f exceeds per-step limit %.4f", action.EstimatedCost, cfg.MaxCostPerStep), "", facts)
	}
	if cfg.BudgetHardLimit > 0 && counters.Cost+action.EstimatedCost > cfg.BudgetHardLimit {
		return deny(RuleBudgetHardLimit, fmt.Sprintf("cost %.4f would exceed hard limit %.4f", counters.Cost+action.EstimatedCost, cfg.BudgetHardLimit), "", facts)
	}
	if cfg.MaxSteps > 0 && counters.Steps+1 > cfg.MaxSteps {
		return deny(RuleMaxSteps, fmt.Sprintf("step %d would exceed max steps %d", counters.Steps+1, cfg.MaxSteps), "", facts)
	}
	if cfg.MaxFileChanges > 0 && counters.FileChanges+action.FileChanges > cfg.MaxFileChanges {
		return deny(RuleMaxFileChanges, fmt.Sprintf("%d file changes would exceed limit %d", counters.FileChanges+action.FileChanges, cfg.MaxFileChanges), "", facts)
	}

	if requiresApproval(level, action.Class) {
		facts.MatchedRule = RuleAutonomy
		return core.PolicyDecision{
			Verdict: core.VerdictRequireApproval,
			Reason:  fmt.Sprintf("autonomy level %s requires sign-off for %s", level, action.Class),
			Facts:   facts,
		}
	}

	return core.PolicyDecision{Verdict: core.VerdictAllow, Facts: facts}
}

// requiresApproval encodes the autonomy matrix: which action classes still
// need sign-off at each level. FullAuto and Headless never escalate here;
// they differ in who answers approval requests raised by workers (the gate
// itself versus a human), which the engine resolves.
func requiresApproval(level core.AutonomyLevel, class core.ActionClass) bool {
	switch level {
	case core.AutonomySupervised:
		return true
	case core.AutonomySemiAuto:
		return class == core.ActionShellCommand || class == core.ActionDelivery
	case core.AutonomyAutoEdit:
		return class == core.ActionDelivery
	case core.AutonomyFullAuto, core.AutonomyHeadless:
		return false
	default:
		return true
	}
}

func deny(rule, reason, pattern string, facts core.PolicyFacts) core.PolicyDecision {
	facts.MatchedRule = rule
	facts.MatchedPattern = pattern
	return core.PolicyDecision{Verdict: core.VerdictDeny, Reason: reason, Facts: facts}
}

func remainingBudget(cfg core.SafetyConfig, c core.CounterSnapshot) float64 {
	if cfg.BudgetHardLimit <= 0 {
		return -1
	}
	if rem := cfg.BudgetHardLimit - c.Cost; rem > 0 {
		return rem
	}
	return 0
}

func remainingSteps(cfg core.SafetyConfig, c core.CounterSnapshot) int {
	if cfg.MaxSteps <= 0 {
		return -1
	}
	if rem := cfg.MaxSteps - c.Steps; rem > 0 {
		return rem
	}
	return 0
}

func remainingChanges(cfg core.SafetyConfig, c core.CounterSnapshot) int {
	if cfg.MaxFileChanges <= 0 {
		return -1
	}
	if rem := cfg.MaxFileChanges - c.FileChanges; rem > 0 {
		return rem
	}
	return 0
}
