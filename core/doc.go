// Package core provides the foundational domain types and interfaces used by
// Conductor. It defines the core abstractions for:
//
//   - Tasks (immutable client intent: workflow spec, instructions, safety)
//   - Runs (one lifecycle-managed execution attempt of a Task)
//   - Nodes and Edges (units of work and their graph relationships)
//   - Steps and Observations (recorded execution attempts and their results)
//   - Events (immutable, per-run ordered broadcast records)
//   - Policy inputs and decisions (proposed actions, autonomy, safety config)
//   - The Worker contract consumed by the dispatch layer
//
// The package intentionally keeps implementation concerns (persistence,
// scheduling, policy evaluation, concrete workers) out of scope, exposing
// small types and interfaces so the surrounding packages can be composed and
// replaced independently.
package core
