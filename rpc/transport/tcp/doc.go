// Package tcp connects the sender to peers over TCP sockets.
//
// Key Components:
//
//   - Connector: dials every configured endpoint, registers one channel per endpoint with the
//     sender, reads response frames and hands them to the sender, and reconnects with a fixed
//     backoff when a connection breaks. Each endpoint keeps its stream id across reconnects.
//
//   - channel: the transport.Channel of one connection. Writes use a short write deadline; a
//     write that hits it counts as partial write, so one slow peer never blocks the sender.
//
//   - EchoServer: a minimal peer that answers every request with the result of a handler under
//     the same request id. It is used by the echo command and by the end-to-end tests.
//
// Socket options (TCP_NODELAY, buffer sizes, keep-alive, linger) are applied to both sides from
// common.SocketConf and common.TCPConf.
package tcp
