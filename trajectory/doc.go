// Package trajectory implements the durable, ordered step log that is the
// single source of truth for what happened during a run.
//
// The Recorder assigns per-run sequence numbers (strictly increasing, no
// gaps) and appends entries to a Log with write-ahead discipline: the engine
// never advances past a step before its entry is durable. Replay is driven
// by a Source that serves the recorded observations back through the worker
// contract, so the engine re-executes decisions without re-invoking the
// execution environment.
package trajectory
