package sender

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/stretchr/testify/require"
)

func TestBatch_AddUntilFull(t *testing.T) {
	const capacity = 64
	sizes := []int{8, 16, 24, 8, 32, 8}

	b := newBatch(capacity)
	cumulative := 0
	rejected := -1
	for i, size := range sizes {
		_, ok := b.add(size)
		if cumulative+size > capacity {
			require.False(t, ok, "item %d must not fit", i)
			rejected = i
			break
		}
		require.True(t, ok, "item %d must fit", i)
		cumulative += size
	}

	require.Equal(t, 4, rejected)
	require.Equal(t, cumulative, b.writeOffset, "a rejected item leaves the batch unchanged")
}

func TestChannelWriteQueue_RejectedItemGoesToNewBatch(t *testing.T) {
	p := newBatchPool(64, 2)
	q := newChannelWriteQueue(newFakeChannel(1), time.Now())

	first, _ := q.reserve(p, 48)
	second, dst := q.reserve(p, 32)

	require.NotSame(t, first, second)
	require.Len(t, dst, 32)
	require.Equal(t, []*batch{first}, q.pending)
	require.Same(t, second, q.filling)
	require.Equal(t, 32, second.writeOffset)
}

func TestBatch_NoItemsAfterPrepareWrite(t *testing.T) {
	b := newBatch(64)
	_, ok := b.add(16)
	require.True(t, ok)

	b.prepareWrite()
	_, ok = b.add(16)
	require.False(t, ok)

	b.recycle()
	_, ok = b.add(16)
	require.True(t, ok)
}

func TestBatch_RecycleZeroesContent(t *testing.T) {
	b := newBatch(32)
	dst, _ := b.add(8)
	copy(dst, "abcdefgh")
	b.carry(&OutgoingRequest{}, 1)

	b.recycle()

	require.Equal(t, make([]byte, 32), b.buf)
	require.Empty(t, b.requests)
	require.True(t, b.isEmpty())
	require.False(t, b.writing)
}

func TestBatchPool_Bounded(t *testing.T) {
	p := newBatchPool(64, 2)

	batches := make([]*batch, 5)
	for i := range batches {
		batches[i] = p.get(16)
	}
	require.Equal(t, uint64(5), p.allocated)

	// one open channel, at most two free batches
	for _, b := range batches {
		p.put(b, 1)
	}
	require.Len(t, p.free, 2)

	// batches above the default size are never kept
	p.put(newBatch(128), 3)
	require.Len(t, p.free, 2)

	// recycled batches are reused LIFO
	require.Same(t, batches[1], p.get(16))
	require.Equal(t, uint64(5), p.allocated)

	// large items get a batch of their own size
	large := p.get(100)
	require.Equal(t, 100, large.capacity())
	require.Equal(t, uint64(6), p.allocated)
}

func TestBatchPool_Trim(t *testing.T) {
	p := newBatchPool(64, 1)
	for i := 0; i < 3; i++ {
		p.put(newBatch(64), 3)
	}
	require.Len(t, p.free, 3)

	p.trim(1)
	require.Len(t, p.free, 1)
}

func TestChannelWriteQueue_Drain(t *testing.T) {
	p := newBatchPool(32, 4)
	ch := newFakeChannel(1)
	ch.setStalled(true)
	q := newChannelWriteQueue(ch, time.Now())

	requests := []*OutgoingRequest{{}, {}, {}}
	for i, r := range requests {
		b, _ := q.reserve(p, 24)
		b.carry(r, uint64(i+1))
	}

	// the first batch becomes the current write, nothing is written
	n, flushed, err := q.write(p, 1, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
	require.False(t, flushed)
	require.NotNil(t, q.current)

	carried := q.drain(p, 1)
	require.Len(t, carried, len(requests))
	for i, c := range carried {
		require.Same(t, requests[i], c.request)
		require.Equal(t, uint64(i+1), c.requestID)
	}
	require.True(t, q.isIdle())
}

func TestOutgoingRequest_RemoteHistory(t *testing.T) {
	r := &OutgoingRequest{}

	r.markRemoteAddress(remote(1))
	r.markRemoteAddress(remote(1))
	r.markRemoteAddress(remote(2))
	r.markRemoteAddress(remote(1))

	require.Equal(t, []transport.RemoteAddress{remote(1), remote(2), remote(1)}, r.RemoteHistory())

	for i := 0; i < 2*maxRemoteHistory; i++ {
		r.markRemoteAddress(remote(int32(i)))
	}
	history := r.RemoteHistory()
	require.Len(t, history, maxRemoteHistory)
	require.Equal(t, remote(int32(2*maxRemoteHistory-1)), history[0])
}

func TestOutgoingRequest_TryCompleteIsIdempotent(t *testing.T) {
	r := &OutgoingRequest{future: newFuture[*Response]()}

	done, err := r.tryComplete(&Response{Payload: []byte("a")})
	require.NoError(t, err)
	require.True(t, done)

	done, err = r.tryComplete(&Response{Payload: []byte("b")})
	require.NoError(t, err)
	require.True(t, done)

	resp, err := r.future.Wait()
	require.NoError(t, err)
	require.Equal(t, []byte("a"), resp.Payload)
}

func TestFuture(t *testing.T) {
	f := newFuture[int]()
	require.False(t, f.IsDone())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)

	require.True(t, f.complete(42))
	require.False(t, f.complete(43))
	require.False(t, f.fail(errors.New("too late")))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, 42, v)
}
