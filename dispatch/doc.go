// Package dispatch hands ready nodes to a worker pool through an
// at-least-once queue and correlates the returning observations.
//
// Results are correlated by (run id, node id, attempt); duplicate or delayed
// deliveries for an already-settled key are dropped, so redelivery is
// harmless. Transport failures are retried with bounded exponential backoff
// and escalate to an infrastructure error once the attempt ceiling is
// reached. The pool is bounded by a weighted semaphore; a slow environment
// applies backpressure to dispatching, never to result consumption.
package dispatch
