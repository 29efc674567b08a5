package header

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned if a frame announces more bytes than the decoder accepts
var ErrFrameTooLarge = errors.New("frame too large")

// ErrMalformedFrame is returned for frames whose length does not fit their type
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a decoded frame. Payload aliases the decoder buffer and is only valid until the
// next call to Next.
type Frame struct {
	Type        uint16
	Flags       uint8
	StreamID    int32
	Protocol    uint16
	RequestID   uint64
	ControlType uint32
	Payload     []byte
}

// IsRequestResponse reports whether the frame uses request/response framing
func (f *Frame) IsRequestResponse() bool {
	return f.Type == TypeMessage && f.Protocol == ProtocolRequestResponse
}

// IsKeepAlive reports whether the frame is a keep-alive control frame
func (f *Frame) IsKeepAlive() bool {
	return f.Type == TypeControl && f.ControlType == ControlKeepAlive
}

// Parse decodes the first frame of b. It returns the frame and the number of bytes it
// occupies including padding.
func Parse(b []byte) (Frame, int, error) {
	if len(b) < FrameHeaderLength {
		return Frame{}, 0, fmt.Errorf("need %d header bytes, have %d: %w", FrameHeaderLength, len(b), ErrShortBuffer)
	}

	length := int(binary.BigEndian.Uint32(b[lengthOffset:]))
	framed := Align(FrameHeaderLength + length)
	if len(b) < framed {
		return Frame{}, 0, fmt.Errorf("frame needs %d bytes, have %d: %w", framed, len(b), ErrShortBuffer)
	}

	f, err := decodeBody(b[:FrameHeaderLength], b[FrameHeaderLength:FrameHeaderLength+length])
	return f, framed, err
}

// ParseAll decodes all frames of b, padding frames are skipped
func ParseAll(b []byte) ([]Frame, error) {
	var frames []Frame
	for len(b) > 0 {
		f, n, err := Parse(b)
		if err != nil {
			return frames, err
		}
		if f.Type != TypePadding {
			frames = append(frames, f)
		}
		b = b[n:]
	}
	return frames, nil
}

// Decoder reads frames from a stream
type Decoder struct {
	r            io.Reader
	maxFrameSize int
	head         [FrameHeaderLength]byte
	buf          []byte
}

// NewDecoder creates a decoder that rejects frames larger than maxFrameSize bytes
func NewDecoder(r io.Reader, maxFrameSize int) *Decoder {
	return &Decoder{
		r:            r,
		maxFrameSize: maxFrameSize,
	}
}

// Next reads the next non-padding frame
func (d *Decoder) Next() (Frame, error) {
	for {
		// Read header
		if _, err := io.ReadFull(d.r, d.head[:]); err != nil {
			return Frame{}, err
		}

		length := int(binary.BigEndian.Uint32(d.head[lengthOffset:]))
		framed := Align(FrameHeaderLength + length)
		if framed > d.maxFrameSize {
			return Frame{}, fmt.Errorf("frame of %d bytes exceeds %d: %w", framed, d.maxFrameSize, ErrFrameTooLarge)
		}

		// Check if buffer is large enough for body and padding
		bodyWithPadding := framed - FrameHeaderLength
		if cap(d.buf) < bodyWithPadding {
			d.buf = make([]byte, bodyWithPadding)
		}
		body := d.buf[:bodyWithPadding]

		if _, err := io.ReadFull(d.r, body); err != nil {
			return Frame{}, err
		}

		f, err := decodeBody(d.head[:], body[:length])
		if err != nil {
			return Frame{}, err
		}
		if f.Type == TypePadding {
			continue
		}
		return f, nil
	}
}

// decodeBody decodes the frame header and the unpadded body
func decodeBody(head []byte, body []byte) (Frame, error) {
	f := Frame{
		Flags:    head[flagsOffset],
		Type:     binary.BigEndian.Uint16(head[typeOffset:]),
		StreamID: int32(binary.BigEndian.Uint32(head[streamIDOffset:])),
	}

	switch f.Type {
	case TypePadding:
		return f, nil

	case TypeControl:
		if len(body) < ControlBodyLength {
			return f, fmt.Errorf("control frame with %d body bytes: %w", len(body), ErrMalformedFrame)
		}
		f.ControlType = binary.BigEndian.Uint32(body)
		return f, nil

	case TypeMessage:
		if len(body) < TransportHeaderLength {
			return f, fmt.Errorf("message frame with %d body bytes: %w", len(body), ErrMalformedFrame)
		}
		f.Protocol = binary.BigEndian.Uint16(body)
		body = body[TransportHeaderLength:]

		if f.Protocol == ProtocolRequestResponse {
			if len(body) < RequestHeaderLength {
				return f, fmt.Errorf("request frame with %d body bytes: %w", len(body), ErrMalformedFrame)
			}
			f.RequestID = binary.BigEndian.Uint64(body)
			body = body[RequestHeaderLength:]
		}
		f.Payload = body
		return f, nil

	default:
		return f, fmt.Errorf("unknown frame type %d: %w", f.Type, ErrMalformedFrame)
	}
}
