// Package policy implements the autonomy-aware safety gate consulted before
// every externally-visible action.
//
// The gate is a pure function: (proposed action, autonomy level, counter
// snapshot, safety config) -> decision. It holds no state of its own; all
// history it needs arrives as the counter snapshot, which keeps it trivially
// testable and side-effect free. Checks run in a fixed order and
// short-circuit on the first match: blocked paths, blocked or destructive
// commands, hard budget/step/file-change limits, then the autonomy matrix
// deciding between allow and require-approval.
package policy
