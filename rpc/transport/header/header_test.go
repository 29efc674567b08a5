package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	require.Equal(t, 0, Align(0))
	require.Equal(t, 8, Align(1))
	require.Equal(t, 8, Align(8))
	require.Equal(t, 16, Align(9))
}

func TestFramedLength(t *testing.T) {
	// 22 byte header + 3 byte payload -> 25 -> 32
	require.Equal(t, 32, RequestFramedLength(3))
	// 14 byte header + 2 byte payload -> 16
	require.Equal(t, 16, MessageFramedLength(2))
	require.Equal(t, 24, RequestFramedLength(0))
	require.Equal(t, 16, KeepAliveFramedLength())

	for n := 0; n < 64; n++ {
		require.Zero(t, RequestFramedLength(n)%Alignment)
		require.Zero(t, MessageFramedLength(n)%Alignment)
		require.GreaterOrEqual(t, RequestFramedLength(n), RequestPayloadOffset+n)
		require.GreaterOrEqual(t, MessageFramedLength(n), MessagePayloadOffset+n)
	}
}

func TestWriteRequest_Layout(t *testing.T) {
	payload := []byte("abc")
	buf := bytes.Repeat([]byte{0xff}, RequestFramedLength(len(payload)))

	n, err := WriteRequest(buf, 7, 42, payload)
	require.NoError(t, err)
	require.Equal(t, 32, n)

	require.Equal(t, uint32(RequestPayloadOffset-FrameHeaderLength+3), binary.BigEndian.Uint32(buf[0:]))
	require.Equal(t, Version, buf[4])
	require.Equal(t, uint8(0), buf[5])
	require.Equal(t, TypeMessage, binary.BigEndian.Uint16(buf[6:]))
	require.Equal(t, uint32(7), binary.BigEndian.Uint32(buf[8:]))
	require.Equal(t, ProtocolRequestResponse, binary.BigEndian.Uint16(buf[12:]))
	require.Equal(t, uint64(42), binary.BigEndian.Uint64(buf[14:]))
	require.Equal(t, payload, buf[22:25])

	// padding is zeroed
	require.Equal(t, make([]byte, 7), buf[25:32])
}

func TestWriteMessage_Layout(t *testing.T) {
	payload := []byte("hello")
	buf := make([]byte, MessageFramedLength(len(payload)))

	n, err := WriteMessage(buf, 3, payload)
	require.NoError(t, err)
	require.Equal(t, 24, n)

	require.Equal(t, uint32(TransportHeaderLength+5), binary.BigEndian.Uint32(buf[0:]))
	require.Equal(t, ProtocolFullDuplex, binary.BigEndian.Uint16(buf[12:]))
	require.Equal(t, payload, buf[MessagePayloadOffset:MessagePayloadOffset+5])
}

func TestWrite_ShortBuffer(t *testing.T) {
	_, err := WriteRequest(make([]byte, 10), 1, 1, []byte("x"))
	require.True(t, errors.Is(err, ErrShortBuffer))

	_, err = WriteMessage(make([]byte, 15), 1, []byte("xx"))
	require.True(t, errors.Is(err, ErrShortBuffer))

	_, err = WriteKeepAlive(make([]byte, 8))
	require.True(t, errors.Is(err, ErrShortBuffer))
}

func TestPatchIDs(t *testing.T) {
	buf := make([]byte, RequestFramedLength(4))
	_, err := WriteRequest(buf, 0, 0, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	SetStreamID(buf, 99)
	SetRequestID(buf, 1<<40)

	f, n, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, len(buf), n)
	require.Equal(t, int32(99), f.StreamID)
	require.Equal(t, uint64(1<<40), f.RequestID)
	require.Equal(t, []byte{1, 2, 3, 4}, f.Payload)
}

func TestParseAll_MixedFrames(t *testing.T) {
	var stream []byte

	req := make([]byte, RequestFramedLength(3))
	_, err := WriteRequest(req, 1, 10, []byte("req"))
	require.NoError(t, err)
	stream = append(stream, req...)

	msg := make([]byte, MessageFramedLength(9))
	_, err = WriteMessage(msg, 2, []byte("one-way!!"))
	require.NoError(t, err)
	stream = append(stream, msg...)

	ka := make([]byte, KeepAliveFramedLength())
	_, err = WriteKeepAlive(ka)
	require.NoError(t, err)
	stream = append(stream, ka...)

	frames, err := ParseAll(stream)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	require.True(t, frames[0].IsRequestResponse())
	require.Equal(t, uint64(10), frames[0].RequestID)
	require.Equal(t, []byte("req"), frames[0].Payload)

	require.False(t, frames[1].IsRequestResponse())
	require.Equal(t, int32(2), frames[1].StreamID)
	require.Equal(t, []byte("one-way!!"), frames[1].Payload)

	require.True(t, frames[2].IsKeepAlive())
}

func TestParse_Truncated(t *testing.T) {
	buf := make([]byte, RequestFramedLength(16))
	_, err := WriteRequest(buf, 1, 1, make([]byte, 16))
	require.NoError(t, err)

	_, _, err = Parse(buf[:len(buf)-1])
	require.True(t, errors.Is(err, ErrShortBuffer))

	_, _, err = Parse(buf[:4])
	require.True(t, errors.Is(err, ErrShortBuffer))
}

func TestDecoder(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 5; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, i*3)
		buf := make([]byte, RequestFramedLength(len(payload)))
		_, err := WriteRequest(buf, int32(i), uint64(i+1), payload)
		require.NoError(t, err)
		stream.Write(buf)

		ka := make([]byte, KeepAliveFramedLength())
		_, err = WriteKeepAlive(ka)
		require.NoError(t, err)
		stream.Write(ka)
	}

	dec := NewDecoder(&stream, 1024)
	for i := 0; i < 5; i++ {
		f, err := dec.Next()
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), f.RequestID)
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, i*3), f.Payload)

		f, err = dec.Next()
		require.NoError(t, err)
		require.True(t, f.IsKeepAlive())
	}

	_, err := dec.Next()
	require.ErrorIs(t, err, io.EOF)
}

func TestDecoder_FrameTooLarge(t *testing.T) {
	buf := make([]byte, RequestFramedLength(100))
	_, err := WriteRequest(buf, 1, 1, make([]byte, 100))
	require.NoError(t, err)

	dec := NewDecoder(bytes.NewReader(buf), 64)
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestDecoder_UnknownType(t *testing.T) {
	buf := make([]byte, 16)
	writeFrameHeader(buf, 4, 7, 0)

	dec := NewDecoder(bytes.NewReader(buf), 64)
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrMalformedFrame)
}
