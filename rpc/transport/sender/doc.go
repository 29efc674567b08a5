// Package sender implements the outbound transport sender.
//
// The Sender multiplexes request/response exchanges and one-way messages over a set of
// channels. It is an actor: one goroutine owns the in-flight request table, the channel
// registry, the recycled batch free list, the request timer wheel and the request id counter.
// Producers never touch that state, they push into lock-free MPSC queues:
//
//	SubmitRequest  -> requests  -> resolve remote -> pack into batch (assign wire id) -> write
//	SubmitMessage  -> messages  -> pack into batch -> write
//	SubmitResponse -> responses -> match by wire id -> retry predicate -> complete future
//
// Every iteration the sender goroutine drains a bounded number of requests, all responses and
// messages, releases due retries and writes at most one batch per channel, so a slow channel
// cannot starve the others. Request timeouts are swept at a fixed rate, idle channels receive
// keep-alive frames.
//
// Failure handling:
//   - A request whose remote cannot be resolved or whose channel is not open is retried after a
//     fixed backoff until its deadline passes (ErrRequestTimeout).
//   - If a channel closes, the requests in its unwritten batches are submitted again and may be
//     sent to another remote.
//   - A response rejected by the retry predicate is cached and the request is sent again. With
//     SenderConfig.StaleResponseFallback a request that fails later completes with that cached
//     response instead.
//   - Messages are never reported as failed, they are dropped once their deadline passed.
//
// Buffers of requests and messages come from two pools (see lib/pool) and are reclaimed exactly
// once, whatever way the item leaves the sender.
package sender
