package sender

import (
	"fmt"
	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"sync"
	"time"
)

// maxRemoteHistory bounds the remote history of a request
const maxRemoteHistory = 16

// RetryPredicate decides, given the payload of a response, whether the request must be sent
// again. An error fails the request.
type RetryPredicate func(payload []byte) (retry bool, err error)

// IncomingResponse is a response frame read from a channel. The sender takes ownership of the
// payload, readers must not reuse its memory after submitting it.
type IncomingResponse struct {
	RequestID uint64
	StreamID  int32
	Payload   []byte
}

// Response is the value a request future resolves to
type Response struct {
	RequestID uint64
	Remote    transport.RemoteAddress
	Payload   []byte
}

// RequestOption configures an OutgoingRequest
type RequestOption func(*OutgoingRequest)

// WithTimeout sets the time the request may take from submission to completion
func WithTimeout(timeout time.Duration) RequestOption {
	return func(r *OutgoingRequest) {
		r.timeout = timeout
	}
}

// WithRetryPredicate sets the predicate that is evaluated for every response
func WithRetryPredicate(predicate RetryPredicate) RequestOption {
	return func(r *OutgoingRequest) {
		r.predicate = predicate
	}
}

// OutgoingRequest is a tracked request/response exchange.
//
// Everything except the future and the remote history is owned by the sender goroutine once
// the request was submitted.
type OutgoingRequest struct {
	buffer        []byte // framed request, allocated from the request pool
	pool          pool.Pool
	payloadLength int

	timeout       time.Duration
	deadline      time.Time
	predicate     RetryPredicate
	supplier      transport.RemoteSupplier
	staleFallback bool

	future *Future[*Response]

	historyMu sync.Mutex
	remotes   []transport.RemoteAddress // most recent first

	timerID       uint64
	lastRequestID uint64
	timedOut      bool
	lastResponse  *Response
}

// Future returns the future of the request
func (r *OutgoingRequest) Future() *Future[*Response] {
	return r.future
}

// Timeout returns the timeout of the request
func (r *OutgoingRequest) Timeout() time.Duration {
	return r.timeout
}

// PayloadLength returns the unframed payload length
func (r *OutgoingRequest) PayloadLength() int {
	return r.payloadLength
}

// RemoteHistory returns the remotes the request was sent to, most recent first
func (r *OutgoingRequest) RemoteHistory() []transport.RemoteAddress {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()

	history := make([]transport.RemoteAddress, len(r.remotes))
	copy(history, r.remotes)
	return history
}

// markRemoteAddress pushes remote onto the history unless it already is the most recent entry
func (r *OutgoingRequest) markRemoteAddress(remote transport.RemoteAddress) {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()

	if len(r.remotes) > 0 && r.remotes[0].StreamID == remote.StreamID {
		return
	}

	if len(r.remotes) < maxRemoteHistory {
		r.remotes = append(r.remotes, transport.RemoteAddress{})
	}
	copy(r.remotes[1:], r.remotes)
	r.remotes[0] = remote
}

// currentRemote returns the remote the request was sent to last
func (r *OutgoingRequest) currentRemote() transport.RemoteAddress {
	r.historyMu.Lock()
	defer r.historyMu.Unlock()

	if len(r.remotes) == 0 {
		return transport.RemoteAddress{}
	}
	return r.remotes[0]
}

// tryComplete evaluates resp against the retry predicate. It returns true if the request is
// done (or already was) and false if it must be retried, in which case resp is cached as the
// last response.
func (r *OutgoingRequest) tryComplete(resp *Response) (bool, error) {
	if r.future.IsDone() {
		return true, nil
	}

	if r.predicate != nil {
		retry, err := r.predicate(resp.Payload)
		if err != nil {
			return false, fmt.Errorf("retry predicate failed: %w", err)
		}
		if retry {
			r.lastResponse = resp
			return false, nil
		}
	}

	r.future.complete(resp)
	return true, nil
}

// fail fails the future with err and reports whether it did. With stale response fallback
// enabled, a request that saw a response before completes with that response instead.
func (r *OutgoingRequest) fail(err error) bool {
	if r.staleFallback && r.lastResponse != nil {
		Logger.Debugf("Completing request with stale response instead of failing: %v", err)
		r.future.complete(r.lastResponse)
		return false
	}
	return r.future.fail(err)
}

// isDone reports whether the request reached a terminal state
func (r *OutgoingRequest) isDone() bool {
	return r.timedOut || r.future.IsDone()
}

// releaseBuffer returns the request buffer to its pool, calling it more than once is a no-op
func (r *OutgoingRequest) releaseBuffer() {
	if r.buffer == nil {
		return
	}
	r.pool.Reclaim(r.buffer)
	r.buffer = nil
}

// OutgoingMessage is a one-way send without response
type OutgoingMessage struct {
	streamID int32
	buffer   []byte // framed message, allocated from the message pool
	pool     pool.Pool
	deadline time.Time
}

// StreamID returns the stream id of the target remote
func (m *OutgoingMessage) StreamID() int32 {
	return m.streamID
}

// Deadline returns the time after which the message is dropped if it could not be sent
func (m *OutgoingMessage) Deadline() time.Time {
	return m.deadline
}

// releaseBuffer returns the message buffer to its pool, calling it more than once is a no-op
func (m *OutgoingMessage) releaseBuffer() {
	if m.buffer == nil {
		return
	}
	m.pool.Reclaim(m.buffer)
	m.buffer = nil
}
