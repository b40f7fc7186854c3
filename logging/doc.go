// Package logging provides a minimal logging interface and adapters for Conductor.
//
// The Logger interface defines the standard logging methods (Debug, Info, Warn, Error)
// that the engine and its components use for observability. This package includes:
//
//   - Logger: the minimal interface every component depends on
//   - SlogAdapter: bridges any *slog.Logger into a Logger
//   - NoOpLogger: discards everything, the default when no logger is supplied
//   - RunLogger: a contextual logger carrying run/node/component attributes
//     with domain helpers for lifecycle transitions, policy decisions and
//     dispatch outcomes
package logging
