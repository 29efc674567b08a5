// Package rpc provides the client-side transport of dMux. It moves requests and
// one-way messages from many producer goroutines to a small set of peer
// connections and correlates the responses.
//
// The package is organized into several subpackages:
//
//   - common: Configuration structures shared by the sender, the TCP connector
//     and the echo peer, and the logging setup.
//
//   - transport: Remote addressing, remote suppliers and the channel interface.
//
//   - transport/header: The binary frame layout (requests, messages, keep-alives)
//     and a streaming frame decoder.
//
//   - transport/sender: The single-goroutine sender that batches writes, tracks
//     in-flight requests, retries and times them out.
//
//   - transport/tcp: TCP channels for the sender and a minimal echo peer.
package rpc
