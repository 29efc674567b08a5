package sender

import (
	"github.com/ValentinKolb/dMux/rpc/transport"
	"time"
)

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// batch is a write-combining buffer. Frames are appended until the buffer is full, then the
// batch is flushed to a channel, possibly over several partial writes, and recycled.
type batch struct {
	buf         []byte
	writeOffset int  // end of the packed frames
	readOffset  int  // end of the bytes already written to the channel
	writing     bool // set by prepareWrite, no frames are accepted afterwards

	// requests carried by this batch, resubmitted if the channel closes before the flush
	requests []carriedRequest
}

// carriedRequest is a request packed into a batch under a wire id. The batch copy is the live
// send of the request only while its last request id still matches.
type carriedRequest struct {
	request   *OutgoingRequest
	requestID uint64
}

// isLive reports whether the batch copy is still the current send of the request
func (c carriedRequest) isLive() bool {
	return !c.request.isDone() && c.request.lastRequestID == c.requestID
}

func newBatch(size int) *batch {
	return &batch{buf: make([]byte, size)}
}

// capacity returns the size of the batch buffer
func (b *batch) capacity() int {
	return len(b.buf)
}

// isEmpty reports whether no frame was packed
func (b *batch) isEmpty() bool {
	return b.writeOffset == 0
}

// add reserves n bytes and returns them. Returns false if the batch is writing or the frame
// does not fit into the remaining capacity, the batch is unchanged in that case.
func (b *batch) add(n int) ([]byte, bool) {
	if b.writing || b.writeOffset+n > len(b.buf) {
		return nil, false
	}
	dst := b.buf[b.writeOffset : b.writeOffset+n]
	b.writeOffset += n
	return dst, true
}

// carry records a request packed into this batch under requestID
func (b *batch) carry(r *OutgoingRequest, requestID uint64) {
	b.requests = append(b.requests, carriedRequest{request: r, requestID: requestID})
}

// prepareWrite seals the batch and rewinds the read cursor
func (b *batch) prepareWrite() {
	b.writing = true
	b.readOffset = 0
}

// writeTo writes as many pending bytes as the channel accepts
func (b *batch) writeTo(ch transport.Channel) (int, error) {
	n, err := ch.Write(b.buf[b.readOffset:b.writeOffset])
	b.readOffset += n
	return n, err
}

// hasRemaining reports whether packed bytes were not written yet
func (b *batch) hasRemaining() bool {
	return b.readOffset < b.writeOffset
}

// recycle zeroes the content and forgets the carried requests
func (b *batch) recycle() {
	clear(b.buf[:b.writeOffset])
	clear(b.requests)
	b.requests = b.requests[:0]
	b.writeOffset = 0
	b.readOffset = 0
	b.writing = false
}

// --------------------------------------------------------------------------
// Batch free list
// --------------------------------------------------------------------------

// batchPool is the LIFO free list of recycled batches. It only keeps batches of the default
// size and at most perChannel batches for every open channel.
type batchPool struct {
	defaultSize int
	perChannel  int
	free        []*batch

	allocated uint64 // number of batches created
}

func newBatchPool(defaultSize, perChannel int) *batchPool {
	return &batchPool{
		defaultSize: defaultSize,
		perChannel:  perChannel,
	}
}

// get returns a batch that fits at least size bytes
func (p *batchPool) get(size int) *batch {
	if size <= p.defaultSize && len(p.free) > 0 {
		b := p.free[len(p.free)-1]
		p.free[len(p.free)-1] = nil
		p.free = p.free[:len(p.free)-1]
		return b
	}

	p.allocated++
	return newBatch(max(p.defaultSize, size))
}

// put recycles b and keeps it if the free list is below its bound
func (p *batchPool) put(b *batch, channels int) {
	b.recycle()
	if b.capacity() != p.defaultSize || len(p.free) >= p.limit(channels) {
		return
	}
	p.free = append(p.free, b)
}

// limit returns the free list bound for the given number of open channels
func (p *batchPool) limit(channels int) int {
	return p.perChannel * max(1, channels)
}

// trim drops free batches above the bound, used after a channel closed
func (p *batchPool) trim(channels int) {
	limit := p.limit(channels)
	if len(p.free) <= limit {
		return
	}
	clear(p.free[limit:])
	p.free = p.free[:limit]
}

// --------------------------------------------------------------------------
// Channel write queue
// --------------------------------------------------------------------------

// channelWriteQueue holds the batches of one channel: the batch currently being filled, the
// FIFO of sealed batches and the batch currently being written
type channelWriteQueue struct {
	channel   transport.Channel
	filling   *batch
	pending   []*batch
	current   *batch
	lastWrite time.Time
}

func newChannelWriteQueue(ch transport.Channel, now time.Time) *channelWriteQueue {
	return &channelWriteQueue{
		channel:   ch,
		lastWrite: now,
	}
}

// reserve returns n bytes in the filling batch. If they do not fit, the filling batch is
// sealed and a new one is taken from the pool.
func (q *channelWriteQueue) reserve(p *batchPool, n int) (*batch, []byte) {
	if q.filling != nil {
		if dst, ok := q.filling.add(n); ok {
			return q.filling, dst
		}
		q.pending = append(q.pending, q.filling)
		q.filling = nil
	}

	q.filling = p.get(n)
	dst, _ := q.filling.add(n)
	return q.filling, dst
}

// isIdle reports whether the queue holds no unwritten bytes
func (q *channelWriteQueue) isIdle() bool {
	return q.current == nil && len(q.pending) == 0 && (q.filling == nil || q.filling.isEmpty())
}

// next makes the oldest sealed batch (or the filling batch) the current write
func (q *channelWriteQueue) next() bool {
	switch {
	case len(q.pending) > 0:
		q.current = q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
	case q.filling != nil && !q.filling.isEmpty():
		q.current = q.filling
		q.filling = nil
	default:
		return false
	}
	q.current.prepareWrite()
	return true
}

// write performs at most one batch worth of I/O. Returns the number of written bytes and
// whether the current batch was fully written, in which case it goes back to the pool.
func (q *channelWriteQueue) write(p *batchPool, channels int, now time.Time) (int, bool, error) {
	if q.current == nil && !q.next() {
		return 0, false, nil
	}

	n, err := q.current.writeTo(q.channel)
	if n > 0 {
		q.lastWrite = now
	}
	if err != nil {
		return n, false, err
	}

	if q.current.hasRemaining() {
		return n, false, nil
	}

	p.put(q.current, channels)
	q.current = nil
	return n, true, nil
}

// drain recycles every batch of the queue and returns the requests they carried
func (q *channelWriteQueue) drain(p *batchPool, channels int) []carriedRequest {
	var carried []carriedRequest

	collect := func(b *batch) {
		if b == nil {
			return
		}
		carried = append(carried, b.requests...)
		p.put(b, channels)
	}

	collect(q.current)
	for _, b := range q.pending {
		collect(b)
	}
	collect(q.filling)

	q.current = nil
	q.pending = nil
	q.filling = nil
	return carried
}
