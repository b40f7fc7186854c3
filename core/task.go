package core

import (
	"fmt"
	"time"
)

// AutonomyLevel is the ordered degree to which a human approver is replaced
// by automated policy. Higher levels auto-answer approval requests for more
// action classes; Supervised requires a human for everything externally
// visible.
type AutonomyLevel int

const (
	// AutonomySupervised requires human sign-off for every externally-visible action.
	AutonomySupervised AutonomyLevel = iota
	// AutonomySemiAuto auto-approves plans and file writes; shell commands and
	// delivery need sign-off.
	AutonomySemiAuto
	// AutonomyAutoEdit additionally auto-approves shell commands; only delivery
	// needs sign-off.
	AutonomyAutoEdit
	// AutonomyFullAuto never escalates at dispatch; approval requests raised by
	// workers are answered by the policy gate itself.
	AutonomyFullAuto
	// AutonomyHeadless runs with no human in the loop at all.
	AutonomyHeadless
)

// String returns the canonical lowercase name of the level.
func (a AutonomyLevel) String() string {
	switch a {
	case AutonomySupervised:
		return "supervised"
	case AutonomySemiAuto:
		return "semi-auto"
	case AutonomyAutoEdit:
		return "auto-edit"
	case AutonomyFullAuto:
		return "full-auto"
	case AutonomyHeadless:
		return "headless"
	default:
		return "unknown"
	}
}

// ParseAutonomyLevel converts a canonical name back to the ordered level.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch s {
	case "supervised":
		return AutonomySupervised, nil
	case "semi-auto":
		return AutonomySemiAuto, nil
	case "auto-edit":
		return AutonomyAutoEdit, nil
	case "full-auto":
		return AutonomyFullAuto, nil
	case "headless":
		return AutonomyHeadless, nil
	default:
		return AutonomySupervised, fmt.Errorf("unknown autonomy level %q", s)
	}
}

// MarshalYAML serializes the level as its canonical name.
func (a AutonomyLevel) MarshalYAML() (interface{}, error) { return a.String(), nil }

// UnmarshalYAML parses the canonical name form.
func (a *AutonomyLevel) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	lvl, err := ParseAutonomyLevel(s)
	if err != nil {
		return err
	}
	*a = lvl
	return nil
}

// Task is the immutable client intent: what to do, against which repository,
// under which workflow shape and safety envelope. A Task is never mutated
// after submission and owns zero or more Runs.
type Task struct {
	ID           string        `json:"id" yaml:"id"`
	Repository   string        `json:"repository" yaml:"repository"`
	Instructions string        `json:"instructions" yaml:"instructions"`
	Workflow     WorkflowSpec  `json:"workflow" yaml:"workflow"`
	Autonomy     AutonomyLevel `json:"autonomy" yaml:"autonomy"`
	Safety       SafetyConfig  `json:"safety" yaml:"safety"`
	// Termination optionally adds run-level stop conditions on top of the
	// defaults the engine derives from Safety.
	Termination *TerminationSpec `json:"termination,omitempty" yaml:"termination,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at" yaml:"-"`
}
