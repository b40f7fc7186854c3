// Package workflow provides the declarative workflow specification surface:
// an explicit registry of agent modes and named predicates, spec builders
// for the common shapes (single node, pipeline, fan-out/fan-in, bounded
// cycle) and YAML decoding for file-submitted tasks.
//
// The registry is an explicit table built at process start from a static
// list of constructors keyed by name; there is no reflection-based
// auto-discovery. It doubles as the worker router: a work item is dispatched
// to the worker registered for its mode.
package workflow
