// Package header implements the wire framing of the transport.
//
// Every unit on the wire is a frame: a fixed 12 byte frame header (length, version, flags, type,
// stream id) followed by a body and zero padding up to the next 8 byte boundary. Message frames
// start their body with a 2 byte protocol id; request/response frames additionally carry the
// 8 byte request id that correlates a response to its request. Control frames (keep-alives)
// carry a 4 byte control type.
//
// The writers never validate payloads, they only place headers ahead of them. Producers size
// their buffers exactly with RequestFramedLength and MessageFramedLength before allocating.
// The sender patches stream and request ids into already framed buffers with SetStreamID and
// SetRequestID at the moment a frame is packed into a batch.
//
// The Decoder is the counterpart used by the TCP response reader and the echo peer.
package header
