// Package event implements the typed publish/subscribe bus that fans run
// lifecycle and step events out to consumers.
//
// Guarantees:
//   - Events for one run are delivered in non-decreasing sequence-number
//     order; ordering across runs is unspecified.
//   - Delivery is at-least-once per subscriber.
//   - A slow or failing subscriber never blocks the publishing path: each
//     subscription owns a bounded buffer and overflow is dropped with a
//     counter the consumer can observe. Dropped ranges are recoverable via
//     ReplayFrom.
package event
