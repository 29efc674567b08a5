package sender

import (
	"errors"
)

var (
	// ErrNoRemoteAddress means the remote supplier of a request could not resolve a remote.
	// It is retried internally and only surfaces as an eventual timeout.
	ErrNoRemoteAddress = errors.New("no remote address found")

	// ErrChannelNotOpen means there is no open channel for the resolved remote.
	// It is retried internally and only surfaces as an eventual timeout.
	ErrChannelNotOpen = errors.New("channel not open")

	// ErrRequestTimeout fails a request whose deadline elapsed without a matching response
	ErrRequestTimeout = errors.New("request timed out")

	// ErrOversizedPayload is returned at construction if the framed payload exceeds the max frame size
	ErrOversizedPayload = errors.New("payload too large")

	// ErrSenderClosed fails every request that is still outstanding when the sender is closed
	ErrSenderClosed = errors.New("sender closed")
)
