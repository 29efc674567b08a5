package sender

import (
	"fmt"
	"github.com/ValentinKolb/dMux/lib/pool"
	"github.com/ValentinKolb/dMux/lib/util"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/header"
	"github.com/lni/dragonboat/v4/logger"
	"sync"
	"time"
)

var Logger = logger.GetLogger("transport/sender")

// retryItem is an entry of the delayed retry wheel, exactly one field is set
type retryItem struct {
	request *OutgoingRequest
	message *OutgoingMessage
}

// Sender multiplexes requests and one-way messages over a set of channels.
//
// All state below the marker is owned by the sender goroutine. Other goroutines only push
// into the MPSC queues, structural changes (channel connected / closed) are marshalled onto
// the sender goroutine as calls.
type Sender struct {
	config      common.SenderConfig
	requestPool pool.Pool
	messagePool pool.Pool
	metrics     *senderMetrics

	requests  *util.MPSC[*OutgoingRequest]
	responses *util.MPSC[*IncomingResponse]
	messages  *util.MPSC[*OutgoingMessage]
	calls     *util.MPSC[func(now time.Time)]

	// closeMu orders producers against Close, no item can be pushed after the final drain
	closeMu sync.RWMutex
	closed  bool
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	// -- owned by the sender goroutine --

	channels      map[int32]*channelWriteQueue
	inFlight      map[uint64]*OutgoingRequest
	timeouts      *util.TimerWheel[*OutgoingRequest]
	delayed       *util.TimerWheel[retryItem]
	batches       *batchPool
	nextRequestID uint64
}

// NewSender creates a sender. If a pool is nil, a bounded pool sized by the configuration is
// used. The sender does not process anything before Start is called.
func NewSender(config common.SenderConfig, requestPool, messagePool pool.Pool) (*Sender, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sender config: %w", err)
	}

	if requestPool == nil {
		requestPool = pool.NewBoundedPool("requests", config.RequestPoolSize)
	}
	if messagePool == nil {
		messagePool = pool.NewBoundedPool("messages", config.MessagePoolSize)
	}

	return &Sender{
		config:      config,
		requestPool: requestPool,
		messagePool: messagePool,
		metrics:     newSenderMetrics(),

		requests:  util.NewMPSC[*OutgoingRequest](),
		responses: util.NewMPSC[*IncomingResponse](),
		messages:  util.NewMPSC[*OutgoingMessage](),
		calls:     util.NewMPSC[func(now time.Time)](),

		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),

		channels: make(map[int32]*channelWriteQueue),
		inFlight: make(map[uint64]*OutgoingRequest),
		timeouts: util.NewTimerWheel[*OutgoingRequest](),
		delayed:  util.NewTimerWheel[retryItem](),
		batches:  newBatchPool(config.DefaultBatchSize, config.RecycledBatchesPerChannel),
	}, nil
}

// Config returns the configuration of the sender
func (s *Sender) Config() common.SenderConfig {
	return s.config
}

// Start starts the sender goroutine
func (s *Sender) Start() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	if s.closed {
		return ErrSenderClosed
	}
	if s.started {
		return fmt.Errorf("sender already started")
	}
	s.started = true

	go s.run()

	Logger.Infof("Sender started (batch size %d bytes, sweep interval %s)", s.config.DefaultBatchSize, s.config.TimerSweepInterval)
	return nil
}

// Close stops the sender. Every outstanding request fails with ErrSenderClosed and every
// pooled buffer still held by the sender is reclaimed. Close is idempotent.
func (s *Sender) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.closeMu.Unlock()

	if started {
		close(s.stopCh)
		<-s.doneCh
	} else {
		s.shutdown(time.Now())
	}

	Logger.Infof("Sender closed")
	return nil
}

// --------------------------------------------------------------------------
// Construction
// --------------------------------------------------------------------------

// NewRequest allocates the request buffer from the request pool and frames payload into it.
// Fails with ErrOversizedPayload if the framed request exceeds the max frame size, or with the
// error of the pool if it is exhausted.
func (s *Sender) NewRequest(supplier transport.RemoteSupplier, payload []byte, opts ...RequestOption) (*OutgoingRequest, error) {
	if supplier == nil {
		return nil, fmt.Errorf("remote supplier must not be nil")
	}

	framed := header.RequestFramedLength(len(payload))
	if framed > s.config.MaxFrameSize {
		return nil, fmt.Errorf("request of %d bytes exceeds max frame size of %d bytes: %w", framed, s.config.MaxFrameSize, ErrOversizedPayload)
	}

	buf, err := s.requestPool.Allocate(framed)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate request buffer: %w", err)
	}
	if _, err := header.WriteRequest(buf, 0, 0, payload); err != nil {
		s.requestPool.Reclaim(buf)
		return nil, err
	}

	r := &OutgoingRequest{
		buffer:        buf,
		pool:          s.requestPool,
		payloadLength: len(payload),
		timeout:       s.config.DefaultRequestTimeout,
		supplier:      supplier,
		staleFallback: s.config.StaleResponseFallback,
		future:        newFuture[*Response](),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.timeout <= 0 {
		r.timeout = s.config.DefaultRequestTimeout
	}

	return r, nil
}

// NewMessage allocates the message buffer from the message pool and frames payload into it.
// The message is dropped if it could not be sent before deadline.
func (s *Sender) NewMessage(streamID int32, payload []byte, deadline time.Time) (*OutgoingMessage, error) {
	framed := header.MessageFramedLength(len(payload))
	if framed > s.config.MaxFrameSize {
		return nil, fmt.Errorf("message of %d bytes exceeds max frame size of %d bytes: %w", framed, s.config.MaxFrameSize, ErrOversizedPayload)
	}

	buf, err := s.messagePool.Allocate(framed)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate message buffer: %w", err)
	}
	if _, err := header.WriteMessage(buf, streamID, payload); err != nil {
		s.messagePool.Reclaim(buf)
		return nil, err
	}

	return &OutgoingMessage{
		streamID: streamID,
		buffer:   buf,
		pool:     s.messagePool,
		deadline: deadline,
	}, nil
}

// SendRequest creates and submits a request
func (s *Sender) SendRequest(supplier transport.RemoteSupplier, payload []byte, opts ...RequestOption) (*Future[*Response], error) {
	r, err := s.NewRequest(supplier, payload, opts...)
	if err != nil {
		return nil, err
	}
	return s.SubmitRequest(r), nil
}

// SendMessage creates and submits a one-way message
func (s *Sender) SendMessage(streamID int32, payload []byte, deadline time.Time) error {
	m, err := s.NewMessage(streamID, payload, deadline)
	if err != nil {
		return err
	}
	s.SubmitMessage(m)
	return nil
}

// --------------------------------------------------------------------------
// Submission (any goroutine)
// --------------------------------------------------------------------------

// SubmitRequest enqueues a request and returns its future. The timeout of the request starts
// now. A request must only be submitted once.
func (s *Sender) SubmitRequest(r *OutgoingRequest) *Future[*Response] {
	r.deadline = time.Now().Add(r.timeout)

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		r.releaseBuffer()
		r.future.fail(ErrSenderClosed)
		return r.future
	}

	s.requests.Push(r)
	s.metrics.requestsSubmitted.Inc()
	return r.future
}

// SubmitMessage enqueues a one-way message. Errors are never reported, a message that cannot
// be sent before its deadline is dropped.
func (s *Sender) SubmitMessage(m *OutgoingMessage) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		m.releaseBuffer()
		return
	}

	s.messages.Push(m)
	s.metrics.messagesSubmitted.Inc()
}

// SubmitResponse enqueues a response read from a channel for matching
func (s *Sender) SubmitResponse(resp *IncomingResponse) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		return
	}
	s.responses.Push(resp)
}

// OnChannelConnected registers an open channel. An existing channel with the same stream id is
// replaced as if it was closed.
func (s *Sender) OnChannelConnected(ch transport.Channel) *Future[struct{}] {
	return s.call(func(now time.Time) {
		s.channelConnected(ch, now)
	})
}

// OnChannelClosed unregisters a channel. Requests packed for it but not written yet are
// submitted again.
func (s *Sender) OnChannelClosed(ch transport.Channel) *Future[struct{}] {
	return s.call(func(now time.Time) {
		s.channelClosed(ch, now)
	})
}

// call runs fn on the sender goroutine
func (s *Sender) call(fn func(now time.Time)) *Future[struct{}] {
	f := newFuture[struct{}]()

	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if s.closed {
		f.fail(ErrSenderClosed)
		return f
	}

	s.calls.Push(func(now time.Time) {
		fn(now)
		f.complete(struct{}{})
	})
	return f
}

// --------------------------------------------------------------------------
// Sender goroutine
// --------------------------------------------------------------------------

func (s *Sender) run() {
	defer close(s.doneCh)

	sweep := time.NewTicker(s.config.TimerSweepInterval)
	defer sweep.Stop()

	var keepAlive <-chan time.Time
	if s.config.KeepAliveInterval > 0 {
		t := time.NewTicker(s.config.KeepAliveInterval)
		defer t.Stop()
		keepAlive = t.C
	}

	for {
		// timers first, so a busy sender still expires requests
		select {
		case <-s.stopCh:
			s.shutdown(time.Now())
			return
		case now := <-sweep.C:
			s.sweepTimers(now)
		case now := <-keepAlive:
			s.sendKeepAlives(now)
		default:
		}

		if s.doWork(time.Now()) > 0 {
			continue
		}

		select {
		case <-s.stopCh:
			s.shutdown(time.Now())
			return
		case now := <-sweep.C:
			s.sweepTimers(now)
		case now := <-keepAlive:
			s.sendKeepAlives(now)
		case <-s.calls.Notify():
		case <-s.requests.Notify():
		case <-s.responses.Notify():
		case <-s.messages.Notify():
		}
	}
}

// doWork runs one iteration of the sender and returns the amount of work done
func (s *Sender) doWork(now time.Time) int {
	work := s.calls.Drain(0, func(fn func(time.Time)) {
		fn(now)
	})

	work += s.requests.Drain(s.config.RequestsPerTick, func(r *OutgoingRequest) {
		s.processRequest(r, now)
	})

	work += s.responses.Drain(0, func(resp *IncomingResponse) {
		s.handleResponse(resp, now)
	})

	work += s.messages.Drain(0, func(m *OutgoingMessage) {
		s.processMessage(m, now)
	})

	work += s.delayed.Poll(now, func(_ uint64, item retryItem) {
		if item.request != nil {
			s.processRequest(item.request, now)
		} else {
			s.processMessage(item.message, now)
		}
	}, 0)

	work += s.writeChannels(now)

	s.metrics.inFlight.Store(int64(len(s.inFlight)))
	s.metrics.freeBatches.Store(int64(len(s.batches.free)))
	return work
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// processRequest resolves the remote of a request and packs it for its channel
func (s *Sender) processRequest(r *OutgoingRequest, now time.Time) {
	if r.isDone() {
		// completed or timed out while queued for a resend
		r.releaseBuffer()
		return
	}

	if r.timerID == 0 {
		r.timerID = s.timeouts.Schedule(r.deadline, r)
	}

	remote, ok := r.supplier()
	if !ok {
		Logger.Debugf("Retrying request in %s: %v", s.config.RetryBackoff, ErrNoRemoteAddress)
		s.retryLater(retryItem{request: r}, now)
		return
	}

	q, ok := s.channels[remote.StreamID]
	if !ok {
		Logger.Debugf("Retrying request to %s in %s: %v", remote, s.config.RetryBackoff, ErrChannelNotOpen)
		s.retryLater(retryItem{request: r}, now)
		return
	}

	r.markRemoteAddress(remote)
	s.packRequest(q, r)
}

// packRequest copies the request into the filling batch of q. The wire request id is assigned
// here, so ids follow the send order.
func (s *Sender) packRequest(q *channelWriteQueue, r *OutgoingRequest) {
	b, dst := q.reserve(s.batches, len(r.buffer))
	copy(dst, r.buffer)

	// a resend replaces the previous id
	s.forget(r)

	s.nextRequestID++
	id := s.nextRequestID
	header.SetStreamID(dst, q.channel.StreamID())
	header.SetRequestID(dst, id)

	r.lastRequestID = id
	s.inFlight[id] = r
	b.carry(r, id)
}

// handleResponse matches a response to its in-flight request
func (s *Sender) handleResponse(resp *IncomingResponse, now time.Time) {
	r, ok := s.inFlight[resp.RequestID]
	if !ok {
		// late response of a timed out or resent request
		Logger.Debugf("Dropping response for unknown request id %d from stream %d", resp.RequestID, resp.StreamID)
		s.metrics.responsesUnknown.Inc()
		return
	}
	s.forget(r)

	done, err := r.tryComplete(&Response{
		RequestID: resp.RequestID,
		Remote:    r.currentRemote(),
		Payload:   resp.Payload,
	})

	switch {
	case err != nil:
		if r.fail(err) {
			s.metrics.requestsFailed.Inc()
		} else {
			s.metrics.requestsCompleted.Inc()
		}
		s.finish(r)
	case !done:
		s.metrics.requestsRetried.Inc()
		s.retryLater(retryItem{request: r}, now)
	default:
		s.finish(r)
		s.metrics.requestsCompleted.Inc()
		s.metrics.requestDuration.UpdateDuration(r.deadline.Add(-r.timeout))
	}
}

// sweepTimers fails every request whose deadline is due
func (s *Sender) sweepTimers(now time.Time) {
	s.timeouts.Poll(now, func(_ uint64, r *OutgoingRequest) {
		r.timerID = 0
		r.timedOut = true
		r.releaseBuffer()
		s.forget(r)
		if r.fail(fmt.Errorf("%w after %s", ErrRequestTimeout, r.timeout)) {
			s.metrics.requestsTimedOut.Inc()
		} else {
			s.metrics.requestsCompleted.Inc()
		}
	}, 0)
}

// finish releases everything a completed request holds
func (s *Sender) finish(r *OutgoingRequest) {
	r.releaseBuffer()
	if r.timerID != 0 {
		s.timeouts.Cancel(r.timerID)
		r.timerID = 0
	}
}

// forget removes the in-flight entry of a request, if there is one
func (s *Sender) forget(r *OutgoingRequest) {
	if r.lastRequestID == 0 {
		return
	}
	delete(s.inFlight, r.lastRequestID)
	r.lastRequestID = 0
}

// retryLater schedules a request or message for another attempt after the retry backoff
func (s *Sender) retryLater(item retryItem, now time.Time) {
	s.delayed.Schedule(now.Add(s.config.RetryBackoff), item)
}

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// processMessage packs a message for its channel, retries it if the channel is not open yet or
// drops it once its deadline passed
func (s *Sender) processMessage(m *OutgoingMessage, now time.Time) {
	q, ok := s.channels[m.streamID]
	if !ok {
		if !now.Before(m.deadline) {
			Logger.Debugf("Dropping message to stream %d, deadline passed: %v", m.streamID, ErrChannelNotOpen)
			m.releaseBuffer()
			s.metrics.messagesDropped.Inc()
			return
		}
		s.retryLater(retryItem{message: m}, now)
		return
	}

	_, dst := q.reserve(s.batches, len(m.buffer))
	copy(dst, m.buffer)
	header.SetStreamID(dst, m.streamID)

	// the batch holds a copy, the message is done
	m.releaseBuffer()
	s.metrics.messagesSent.Inc()
}

// --------------------------------------------------------------------------
// Channels
// --------------------------------------------------------------------------

// writeChannels performs one write per channel and returns the number of channels that made
// progress
func (s *Sender) writeChannels(now time.Time) int {
	progress := 0
	for _, q := range s.channels {
		n, flushed, err := q.write(s.batches, len(s.channels), now)
		if n > 0 {
			progress++
			s.metrics.bytesWritten.Add(n)
		}
		if flushed {
			s.metrics.batchesWritten.Inc()
		}
		if err != nil {
			Logger.Warningf("Failed to write to stream %d, closing channel: %v", q.channel.StreamID(), err)
			s.removeChannel(q)
		}
	}
	return progress
}

// sendKeepAlives packs a keep-alive frame for every channel that was idle for a full interval
func (s *Sender) sendKeepAlives(now time.Time) {
	for _, q := range s.channels {
		if !q.isIdle() || now.Sub(q.lastWrite) < s.config.KeepAliveInterval {
			continue
		}
		_, dst := q.reserve(s.batches, header.KeepAliveFramedLength())
		if _, err := header.WriteKeepAlive(dst); err != nil {
			Logger.Errorf("Failed to write keep-alive frame: %v", err)
			continue
		}
		s.metrics.keepAlivesSent.Inc()
	}
}

func (s *Sender) channelConnected(ch transport.Channel, now time.Time) {
	id := ch.StreamID()
	if q, ok := s.channels[id]; ok {
		if q.channel == ch {
			return
		}
		s.removeChannel(q)
	}

	s.channels[id] = newChannelWriteQueue(ch, now)
	s.metrics.channelsOpened.Inc()
	s.metrics.openChannels.Store(int64(len(s.channels)))
	Logger.Debugf("Channel for stream %d connected", id)
}

func (s *Sender) channelClosed(ch transport.Channel, now time.Time) {
	q, ok := s.channels[ch.StreamID()]
	if !ok || q.channel != ch {
		// already replaced or removed after a failed write
		return
	}
	s.removeChannel(q)
}

// removeChannel drops the write queue of a channel and submits the requests of its unwritten
// batches again, so they can go to another remote. A batch copy that was superseded by a retry
// is skipped, the retry is the only resend.
func (s *Sender) removeChannel(q *channelWriteQueue) {
	id := q.channel.StreamID()
	delete(s.channels, id)

	carried := q.drain(s.batches, len(s.channels))
	s.batches.trim(len(s.channels))

	resent := 0
	for _, c := range carried {
		if !c.isLive() {
			continue
		}
		s.forget(c.request)
		s.resubmit(c.request)
		resent++
	}

	s.metrics.requestsResent.Add(resent)
	s.metrics.channelsClosed.Inc()
	s.metrics.openChannels.Store(int64(len(s.channels)))
	Logger.Debugf("Channel for stream %d closed, resubmitted %d requests", id, resent)
}

// resubmit puts a request back on the submission queue
func (s *Sender) resubmit(r *OutgoingRequest) {
	if !s.requests.Push(r) {
		s.abort(r)
	}
}

// --------------------------------------------------------------------------
// Shutdown
// --------------------------------------------------------------------------

// shutdown releases everything the sender holds. Producers are already locked out.
func (s *Sender) shutdown(now time.Time) {
	s.calls.Drain(0, func(fn func(time.Time)) {
		fn(now)
	})

	for _, q := range s.channels {
		s.removeChannel(q)
	}

	s.requests.Drain(0, s.abort)
	s.messages.Drain(0, func(m *OutgoingMessage) {
		m.releaseBuffer()
	})
	s.responses.Drain(0, func(*IncomingResponse) {})

	var outstanding []*OutgoingRequest
	s.delayed.Range(func(_ uint64, item retryItem) bool {
		if item.message != nil {
			item.message.releaseBuffer()
		} else {
			outstanding = append(outstanding, item.request)
		}
		return true
	})
	s.delayed = util.NewTimerWheel[retryItem]()

	s.timeouts.Range(func(_ uint64, r *OutgoingRequest) bool {
		outstanding = append(outstanding, r)
		return true
	})
	for _, r := range outstanding {
		s.abort(r)
	}

	s.requests.Close()
	s.responses.Close()
	s.messages.Close()
	s.calls.Close()

	s.metrics.inFlight.Store(0)
	s.metrics.freeBatches.Store(0)
	s.batches.free = nil
}

// abort fails a request with ErrSenderClosed and releases it
func (s *Sender) abort(r *OutgoingRequest) {
	s.forget(r)
	s.finish(r)
	r.fail(ErrSenderClosed)
}
