// Package transport defines the collaborators of the outbound transport sender.
//
// It contains:
//   - RemoteAddress: identity of a peer connection (stream id + network address)
//   - RemoteSupplier: per-request resolution of the next remote, with Fixed and RoundRobin
//     helpers as reference policies
//   - Channel: the minimal write interface of an open connection
//
// The subpackages implement the framing (header), the sender actor (sender) and a TCP
// channel connector (tcp).
package transport
