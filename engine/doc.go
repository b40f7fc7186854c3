// Package engine hosts the run state machine and the orchestration loop
// that ties the other components together: graph scheduling, policy gating,
// dispatching, trajectory recording, termination evaluation and event
// emission.
//
// Each submitted task becomes one Run driven by a dedicated goroutine. All
// mutations of a run's state, graph and counters happen inside that run's
// exclusive section; workers execute concurrently but their results are
// applied sequentially. The same loop, pointed at a trajectory.Source
// instead of a live worker, replays a completed run and verifies it
// reproduces the recorded trajectory and terminal state.
package engine
