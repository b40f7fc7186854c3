package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"conductor/core"
)

func evaluate(action core.ProposedAction, level core.AutonomyLevel, counters core.CounterSnapshot, cfg core.SafetyConfig) core.PolicyDecision {
	return Evaluate(action, level, counters, cfg)
}

func TestEvaluate_BlockedPathDeniesAtEveryLevel(t *testing.T) {
	cfg := core.SafetyConfig{BlockedPaths: []string{".git/**", "secrets/*"}}
	action := core.ProposedAction{Class: core.ActionFileWrite, Path: "secrets/api.key"}

	levels := []core.AutonomyLevel{
		core.AutonomySupervised,
		core.AutonomySemiAuto,
		core.AutonomyAutoEdit,
		core.AutonomyFullAuto,
		core.AutonomyHeadless,
	}
	for _, level := range levels {
		d := evaluate(action, level, core.CounterSnapshot{}, cfg)
		assert.Equal(t, core.VerdictDeny, d.Verdict, "level %s", level)
		assert.Equal(t, RuleBlockedPath, d.Facts.MatchedRule)
	}
}

func TestEvaluate_PathOutsideBlockedGlobsAllowedAtSemiAuto(t *testing.T) {
	cfg := core.SafetyConfig{BlockedPaths: []string{".git/**", "vendor/**"}}
	action := core.ProposedAction{Class: core.ActionFileWrite, Path: "internal/server/handler.go"}

	d := evaluate(action, core.AutonomySemiAuto, core.CounterSnapshot{}, cfg)
	assert.Equal(t, core.VerdictAllow, d.Verdict)
}

func TestEvaluate_DestructiveCommandAlwaysDenied(t *testing.T) {
	// No blocked_commands configured at all.
	d := evaluate(core.ProposedAction{Class: core.ActionShellCommand, Command: "git push --force origin main"},
		core.AutonomyHeadless, core.CounterSnapshot{}, core.SafetyConfig{})
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleDestructiveCommand, d.Facts.MatchedRule)
}

func TestEvaluate_BlockedCommandPattern(t *testing.T) {
	cfg := core.SafetyConfig{BlockedCommands: []string{"curl *"}}
	d := evaluate(core.ProposedAction{Class: core.ActionShellCommand, Command: "curl https://evil.example"},
		core.AutonomyHeadless, core.CounterSnapshot{}, cfg)
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleBlockedCommand, d.Facts.MatchedRule)
}

func TestEvaluate_AutonomyMatrix(t *testing.T) {
	tests := []struct {
		level   core.AutonomyLevel
		class   core.ActionClass
		verdict core.PolicyVerdict
	}{
		{core.AutonomySupervised, core.ActionPlan, core.VerdictRequireApproval},
		{core.AutonomySupervised, core.ActionFileWrite, core.VerdictRequireApproval},
		{core.AutonomySupervised, core.ActionShellCommand, core.VerdictRequireApproval},
		{core.AutonomySupervised, core.ActionDelivery, core.VerdictRequireApproval},

		{core.AutonomySemiAuto, core.ActionPlan, core.VerdictAllow},
		{core.AutonomySemiAuto, core.ActionFileWrite, core.VerdictAllow},
		{core.AutonomySemiAuto, core.ActionShellCommand, core.VerdictRequireApproval},
		{core.AutonomySemiAuto, core.ActionDelivery, core.VerdictRequireApproval},

		{core.AutonomyAutoEdit, core.ActionShellCommand, core.VerdictAllow},
		{core.AutonomyAutoEdit, core.ActionDelivery, core.VerdictRequireApproval},

		{core.AutonomyFullAuto, core.ActionDelivery, core.VerdictAllow},
		{core.AutonomyHeadless, core.ActionDelivery, core.VerdictAllow},
	}
	for _, tt := range tests {
		d := evaluate(core.ProposedAction{Class: tt.class}, tt.level, core.CounterSnapshot{}, core.SafetyConfig{})
		assert.Equal(t, tt.verdict, d.Verdict, "%s/%s", tt.level, tt.class)
	}
}

func TestEvaluate_BudgetHardLimit(t *testing.T) {
	cfg := core.SafetyConfig{BudgetHardLimit: 1.0}

	d := evaluate(core.ProposedAction{Class: core.ActionFileWrite, EstimatedCost: 0.30},
		core.AutonomyHeadless, core.CounterSnapshot{Cost: 0.60}, cfg)
	assert.Equal(t, core.VerdictAllow, d.Verdict)

	d = evaluate(core.ProposedAction{Class: core.ActionFileWrite, EstimatedCost: 0.50},
		core.AutonomyHeadless, core.CounterSnapshot{Cost: 0.60}, cfg)
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleBudgetHardLimit, d.Facts.MatchedRule)
}

func TestEvaluate_MaxCostPerStep(t *testing.T) {
	cfg := core.SafetyConfig{MaxCostPerStep: 0.10}
	d := evaluate(core.ProposedAction{Class: core.ActionPlan, EstimatedCost: 0.25},
		core.AutonomyHeadless, core.CounterSnapshot{}, cfg)
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleMaxCostPerStep, d.Facts.MatchedRule)
}

func TestEvaluate_MaxStepsCountsNextStep(t *testing.T) {
	cfg := core.SafetyConfig{MaxSteps: 5}

	d := evaluate(core.ProposedAction{Class: core.ActionPlan}, core.AutonomyHeadless, core.CounterSnapshot{Steps: 4}, cfg)
	assert.Equal(t, core.VerdictAllow, d.Verdict)

	d = evaluate(core.ProposedAction{Class: core.ActionPlan}, core.AutonomyHeadless, core.CounterSnapshot{Steps: 5}, cfg)
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleMaxSteps, d.Facts.MatchedRule)
}

func TestEvaluate_MaxFileChanges(t *testing.T) {
	cfg := core.SafetyConfig{MaxFileChanges: 10}
	d := evaluate(core.ProposedAction{Class: core.ActionFileWrite, FileChanges: 3},
		core.AutonomyHeadless, core.CounterSnapshot{FileChanges: 8}, cfg)
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleMaxFileChanges, d.Facts.MatchedRule)
}

func TestEvaluate_ProtectedBranchDelivery(t *testing.T) {
	cfg := core.SafetyConfig{BranchIsolation: true}

	d := evaluate(core.ProposedAction{Class: core.ActionDelivery, Branch: "main"},
		core.AutonomyHeadless, core.CounterSnapshot{}, cfg)
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleProtectedBranch, d.Facts.MatchedRule)

	d = evaluate(core.ProposedAction{Class: core.ActionDelivery, Branch: "feature/x"},
		core.AutonomyHeadless, core.CounterSnapshot{}, cfg)
	assert.Equal(t, core.VerdictAllow, d.Verdict)
}

func TestEvaluate_FactsCarryRemainingBudgets(t *testing.T) {
	cfg := core.SafetyConfig{BudgetHardLimit: 2.0, MaxSteps: 10, MaxFileChanges: 4}
	d := evaluate(core.ProposedAction{Class: core.ActionPlan},
		core.AutonomyHeadless, core.CounterSnapshot{Cost: 0.5, Steps: 3, FileChanges: 1}, cfg)

	assert.Equal(t, core.VerdictAllow, d.Verdict)
	assert.InDelta(t, 1.5, d.Facts.BudgetRemaining, 1e-9)
	assert.Equal(t, 7, d.Facts.StepsRemaining)
	assert.Equal(t, 3, d.Facts.ChangesRemaining)
}

func TestEvaluate_DenyShortCircuitsBeforeAutonomy(t *testing.T) {
	// A blocked path under Supervised must report the deny rule, not the
	// approval requirement.
	cfg := core.SafetyConfig{BlockedPaths: []string{"secrets/**"}}
	d := evaluate(core.ProposedAction{Class: core.ActionFileWrite, Path: "secrets/token"},
		core.AutonomySupervised, core.CounterSnapshot{}, cfg)
	assert.Equal(t, core.VerdictDeny, d.Verdict)
	assert.Equal(t, RuleBlockedPath, d.Facts.MatchedRule)
}
