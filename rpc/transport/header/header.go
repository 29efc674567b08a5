package header

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout (all fields big endian, frames padded to Alignment bytes):
//
//	 0      4   5   6      8         12        14                22
//	 +------+---+---+------+---------+---------+------------------+---------+
//	 |length|ver|flg| type |streamId |protocol |requestId (req/res)| payload |
//	 +------+---+---+------+---------+---------+------------------+---------+
//
// length counts every byte after the 12 byte frame header without padding.
// Control frames carry a 4 byte control type instead of the transport header.
const (
	Alignment = 8
	Version   = uint8(1)

	FrameHeaderLength     = 12
	TransportHeaderLength = 2
	RequestHeaderLength   = 8
	ControlBodyLength     = 4

	lengthOffset    = 0
	versionOffset   = 4
	flagsOffset     = 5
	typeOffset      = 6
	streamIDOffset  = 8
	protocolOffset  = 12
	requestIDOffset = 14

	// MessagePayloadOffset is where the payload of a one-way message frame starts
	MessagePayloadOffset = FrameHeaderLength + TransportHeaderLength
	// RequestPayloadOffset is where the payload of a request/response frame starts
	RequestPayloadOffset = MessagePayloadOffset + RequestHeaderLength
)

// Frame types
const (
	TypeMessage = uint16(0)
	TypePadding = uint16(1)
	TypeControl = uint16(2)
)

// Transport protocols
const (
	ProtocolFullDuplex      = uint16(0)
	ProtocolRequestResponse = uint16(1)
)

// Control message types
const (
	ControlKeepAlive = uint32(0)
)

// ErrShortBuffer is returned if a buffer cannot hold the frame it should contain
var ErrShortBuffer = errors.New("buffer too short for frame")

// --------------------------------------------------------------------------
// Length helpers
// --------------------------------------------------------------------------

// Align rounds n up to the frame alignment
func Align(n int) int {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// RequestFramedLength returns the total number of bytes of a request/response frame
// carrying a payload of the given length
func RequestFramedLength(payloadLength int) int {
	return Align(RequestPayloadOffset + payloadLength)
}

// MessageFramedLength returns the total number of bytes of a one-way message frame
// carrying a payload of the given length
func MessageFramedLength(payloadLength int) int {
	return Align(MessagePayloadOffset + payloadLength)
}

// KeepAliveFramedLength returns the total number of bytes of a keep-alive control frame
func KeepAliveFramedLength() int {
	return Align(FrameHeaderLength + ControlBodyLength)
}

// --------------------------------------------------------------------------
// Writers
// --------------------------------------------------------------------------

// WriteRequestHeader writes the headers of a request/response frame into buf, directly ahead
// of a payload of payloadLength bytes that the caller placed at RequestPayloadOffset.
// The padding after the payload is zeroed. Returns the framed length.
func WriteRequestHeader(buf []byte, payloadLength int, streamID int32, requestID uint64) (int, error) {
	framed := RequestFramedLength(payloadLength)
	if len(buf) < framed {
		return 0, fmt.Errorf("request frame needs %d bytes, have %d: %w", framed, len(buf), ErrShortBuffer)
	}

	writeFrameHeader(buf, RequestPayloadOffset-FrameHeaderLength+payloadLength, TypeMessage, streamID)
	binary.BigEndian.PutUint16(buf[protocolOffset:], ProtocolRequestResponse)
	binary.BigEndian.PutUint64(buf[requestIDOffset:], requestID)
	clear(buf[RequestPayloadOffset+payloadLength : framed])

	return framed, nil
}

// WriteMessageHeader writes the headers of a one-way message frame into buf, directly ahead of
// a payload of payloadLength bytes that the caller placed at MessagePayloadOffset.
// The padding after the payload is zeroed. Returns the framed length.
func WriteMessageHeader(buf []byte, payloadLength int, streamID int32) (int, error) {
	framed := MessageFramedLength(payloadLength)
	if len(buf) < framed {
		return 0, fmt.Errorf("message frame needs %d bytes, have %d: %w", framed, len(buf), ErrShortBuffer)
	}

	writeFrameHeader(buf, MessagePayloadOffset-FrameHeaderLength+payloadLength, TypeMessage, streamID)
	binary.BigEndian.PutUint16(buf[protocolOffset:], ProtocolFullDuplex)
	clear(buf[MessagePayloadOffset+payloadLength : framed])

	return framed, nil
}

// WriteRequest copies payload into buf and frames it as request/response frame
func WriteRequest(buf []byte, streamID int32, requestID uint64, payload []byte) (int, error) {
	if len(buf) < RequestFramedLength(len(payload)) {
		return 0, fmt.Errorf("request frame needs %d bytes, have %d: %w", RequestFramedLength(len(payload)), len(buf), ErrShortBuffer)
	}
	copy(buf[RequestPayloadOffset:], payload)
	return WriteRequestHeader(buf, len(payload), streamID, requestID)
}

// WriteMessage copies payload into buf and frames it as one-way message frame
func WriteMessage(buf []byte, streamID int32, payload []byte) (int, error) {
	if len(buf) < MessageFramedLength(len(payload)) {
		return 0, fmt.Errorf("message frame needs %d bytes, have %d: %w", MessageFramedLength(len(payload)), len(buf), ErrShortBuffer)
	}
	copy(buf[MessagePayloadOffset:], payload)
	return WriteMessageHeader(buf, len(payload), streamID)
}

// WriteKeepAlive writes a keep-alive control frame into buf and returns its length
func WriteKeepAlive(buf []byte) (int, error) {
	framed := KeepAliveFramedLength()
	if len(buf) < framed {
		return 0, fmt.Errorf("keep-alive frame needs %d bytes, have %d: %w", framed, len(buf), ErrShortBuffer)
	}

	writeFrameHeader(buf, ControlBodyLength, TypeControl, 0)
	binary.BigEndian.PutUint32(buf[FrameHeaderLength:], ControlKeepAlive)
	clear(buf[FrameHeaderLength+ControlBodyLength : framed])

	return framed, nil
}

// SetStreamID patches the stream id of an already framed buffer
func SetStreamID(frame []byte, streamID int32) {
	binary.BigEndian.PutUint32(frame[streamIDOffset:], uint32(streamID))
}

// SetRequestID patches the request id of an already framed request/response buffer
func SetRequestID(frame []byte, requestID uint64) {
	binary.BigEndian.PutUint64(frame[requestIDOffset:], requestID)
}

// writeFrameHeader writes the common 12 byte frame header
func writeFrameHeader(buf []byte, length int, frameType uint16, streamID int32) {
	binary.BigEndian.PutUint32(buf[lengthOffset:], uint32(length))
	buf[versionOffset] = Version
	buf[flagsOffset] = 0
	binary.BigEndian.PutUint16(buf[typeOffset:], frameType)
	binary.BigEndian.PutUint32(buf[streamIDOffset:], uint32(streamID))
}
