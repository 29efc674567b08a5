// Package util provides the low level building blocks of the outbound transport sender.
//
// The package contains:
//   - mpsc: A lock-free Multi-Producer Single-Consumer (MPSC) queue with a poll-based consumer,
//     used to hand requests, responses and messages from producer goroutines to the sender actor
//   - timerwheel: A deadline-indexed timer set with O(1) access by timer id, used for request
//     timeouts and delayed retries
//
// None of the consumer-side operations are thread-safe. They are meant to be owned by a single
// goroutine (the actor), while producers only ever call MPSC.Push.
package util
