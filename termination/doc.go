// Package termination implements the composable stop-condition evaluator.
//
// Stop conditions form an explicit tagged tree of And/Or/Not combinators over
// primitive conditions (max steps, max cost, timeout, text mention, stall
// detection, predicate results). The tree itself is plain serializable data
// (core.TerminationSpec); this package provides the constructors and the
// small recursive interpreter that evaluates the tree after every recorded
// step.
//
// A satisfied stall primitive yields a re-plan verdict, distinct from
// failure. Any other satisfied primitive yields an immediate terminal
// verdict carrying the triggering primitive's identity for audit.
package termination
