// Package pool provides the memory pools that back outgoing requests and messages.
//
// A Pool hands out byte buffers and takes them back. The sender allocates the framed bytes of
// every request and message from a pool before enqueuing it and reclaims the buffer exactly once
// when the item leaves the sender (sent, completed, timed out or dropped). Limiting the pool
// capacity therefore bounds the memory held by queued and in-flight traffic, which is the only
// backpressure the sender applies.
//
// BoundedPool is the default implementation: it accounts every allocated byte against a fixed
// budget and fails fast with ErrExhausted once the budget is used up. Buffers are recycled in
// power-of-two size classes through sync.Pool to reduce GC pressure.
package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("pool")

// ErrExhausted is returned by Allocate if the pool has no capacity left
var ErrExhausted = errors.New("memory pool exhausted")

const (
	minClassShift = 6  // 64 bytes
	maxClassShift = 20 // 1 MiB, larger buffers are not recycled
	numClasses    = maxClassShift - minClassShift + 1
)

// Pool is the allocate/reclaim contract used by the sender
type Pool interface {
	// Allocate returns a buffer of len size. The buffer must be passed to Reclaim exactly once.
	Allocate(size int) ([]byte, error)
	// Reclaim returns a buffer obtained from Allocate to the pool
	Reclaim(buf []byte)
}

// Stats is a snapshot of the pool accounting
type Stats struct {
	Capacity    int64
	InUse       int64
	Allocations uint64
	Reclaims    uint64
	Rejected    uint64
}

// BoundedPool is a Pool with a fixed byte budget
type BoundedPool struct {
	name     string
	capacity int64

	inUse       atomic.Int64
	allocations atomic.Uint64
	reclaims    atomic.Uint64
	rejected    atomic.Uint64

	classes [numClasses]sync.Pool
}

// NewBoundedPool creates a pool that never holds more than capacity bytes at once
func NewBoundedPool(name string, capacity int) *BoundedPool {
	p := &BoundedPool{
		name:     name,
		capacity: int64(capacity),
	}
	for i := range p.classes {
		size := 1 << (i + minClassShift)
		p.classes[i].New = func() interface{} {
			b := make([]byte, size)
			return &b
		}
	}
	return p
}

// --------------------------------------------------------------------------
// Interface Methods (docu see Pool)
// --------------------------------------------------------------------------

func (p *BoundedPool) Allocate(size int) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}

	class, capacity := sizeClass(size)

	// reserve the budget first, roll back on failure
	if p.inUse.Add(int64(capacity)) > p.capacity {
		p.inUse.Add(-int64(capacity))
		p.rejected.Add(1)
		Logger.Debugf("%s: rejected allocation of %d bytes (%d/%d in use)", p.name, size, p.inUse.Load(), p.capacity)
		return nil, fmt.Errorf("%s: cannot allocate %d bytes: %w", p.name, size, ErrExhausted)
	}
	p.allocations.Add(1)

	if class < 0 {
		return make([]byte, size), nil
	}

	buf := *(p.classes[class].Get().(*[]byte))
	return buf[:size], nil
}

func (p *BoundedPool) Reclaim(buf []byte) {
	if buf == nil {
		return
	}

	class, capacity := sizeClass(cap(buf))
	p.inUse.Add(-int64(capacity))
	p.reclaims.Add(1)

	// only exact class sizes go back, everything else is left to the gc
	if class >= 0 && cap(buf) == capacity {
		buf = buf[:cap(buf)]
		clear(buf)
		p.classes[class].Put(&buf)
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// Stats returns a snapshot of the pool accounting
func (p *BoundedPool) Stats() Stats {
	return Stats{
		Capacity:    p.capacity,
		InUse:       p.inUse.Load(),
		Allocations: p.allocations.Load(),
		Reclaims:    p.reclaims.Load(),
		Rejected:    p.rejected.Load(),
	}
}

// Name returns the name of the pool
func (p *BoundedPool) Name() string {
	return p.name
}

// sizeClass returns the size class index and the accounted capacity for a buffer of the given
// size. Sizes above the largest class return -1 and are accounted with their exact size.
func sizeClass(size int) (int, int) {
	if size <= 1<<minClassShift {
		return 0, 1 << minClassShift
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxClassShift {
		return -1, size
	}
	return shift - minClassShift, 1 << shift
}
