// Package graph expands a workflow specification into a node graph and
// drives execution order, parallelism and cycles.
//
// The builder validates the specification (unknown references, duplicate
// ids, unregistered predicates) and refuses any cyclic sub-graph that does
// not carry a termination bound. Back-edges are classified at build time:
// they never participate in activation, only in cycle re-entry, so the first
// iteration of a cycle can start.
//
// Readiness is deterministic: simultaneously ready nodes are ordered by
// topological level first, then declaration order, never by time of
// readiness, so a replayed run dispatches in the identical order. The graph
// performs no locking of its own; the engine serializes all access through
// the run-level exclusive section.
package graph
