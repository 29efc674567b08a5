package sender

import (
	"sync"
	"testing"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/header"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Counting pool
// --------------------------------------------------------------------------

// countingPool tracks every buffer it hands out and detects reclaims of unknown buffers
type countingPool struct {
	mu             sync.Mutex
	outstanding    map[*byte]struct{}
	allocations    int
	reclaims       int
	foreignReclaim int
}

func newCountingPool() *countingPool {
	return &countingPool{outstanding: make(map[*byte]struct{})}
}

func (p *countingPool) Allocate(size int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	buf := make([]byte, size, size+1)
	p.outstanding[&buf[:1][0]] = struct{}{}
	p.allocations++
	return buf, nil
}

func (p *countingPool) Reclaim(buf []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := &buf[:1][0]
	if _, ok := p.outstanding[key]; !ok {
		p.foreignReclaim++
		return
	}
	delete(p.outstanding, key)
	p.reclaims++
}

func (p *countingPool) counts() (allocations, reclaims, outstanding int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocations, p.reclaims, len(p.outstanding)
}

// requireBalanced checks that every allocation was reclaimed exactly once
func (p *countingPool) requireBalanced(t *testing.T) {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()

	require.Zero(t, p.foreignReclaim, "buffers reclaimed twice or never allocated")
	require.Empty(t, p.outstanding, "buffers never reclaimed")
	require.Equal(t, p.allocations, p.reclaims)
}

// --------------------------------------------------------------------------
// Fake channel
// --------------------------------------------------------------------------

// fakeChannel records everything written to it
type fakeChannel struct {
	streamID int32

	mu       sync.Mutex
	maxWrite int  // bytes accepted per write, 0 for unlimited
	stalled  bool // accept nothing
	err      error
	written  []byte
	writes   []int
	onWrite  func(b []byte)
}

func newFakeChannel(streamID int32) *fakeChannel {
	return &fakeChannel{streamID: streamID}
}

func (c *fakeChannel) StreamID() int32 {
	return c.streamID
}

func (c *fakeChannel) Write(b []byte) (int, error) {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return 0, err
	}
	if c.stalled {
		c.mu.Unlock()
		return 0, nil
	}

	n := len(b)
	if c.maxWrite > 0 && n > c.maxWrite {
		n = c.maxWrite
	}
	c.written = append(c.written, b[:n]...)
	c.writes = append(c.writes, n)
	onWrite := c.onWrite
	c.mu.Unlock()

	if onWrite != nil {
		onWrite(append([]byte(nil), b[:n]...))
	}
	return n, nil
}

func (c *fakeChannel) setStalled(stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stalled = stalled
}

func (c *fakeChannel) writeSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.writes...)
}

// frames parses everything written so far
func (c *fakeChannel) frames(t *testing.T) []header.Frame {
	t.Helper()
	c.mu.Lock()
	written := append([]byte(nil), c.written...)
	c.mu.Unlock()

	frames, err := header.ParseAll(written)
	require.NoError(t, err)
	return frames
}

// requestFrames returns the request/response frames written so far
func (c *fakeChannel) requestFrames(t *testing.T) []header.Frame {
	t.Helper()
	var requests []header.Frame
	for _, f := range c.frames(t) {
		if f.IsRequestResponse() {
			requests = append(requests, f)
		}
	}
	return requests
}

// --------------------------------------------------------------------------
// Sender setup
// --------------------------------------------------------------------------

func testConfig() common.SenderConfig {
	config := common.DefaultSenderConfig()
	config.TimerSweepInterval = time.Millisecond
	config.RetryBackoff = 5 * time.Millisecond
	config.DefaultRequestTimeout = 5 * time.Second
	return config
}

type testSender struct {
	*Sender
	requestPool *countingPool
	messagePool *countingPool
}

func newTestSender(t *testing.T, config common.SenderConfig) *testSender {
	t.Helper()

	requestPool := newCountingPool()
	messagePool := newCountingPool()

	s, err := NewSender(config, requestPool, messagePool)
	require.NoError(t, err)

	return &testSender{
		Sender:      s,
		requestPool: requestPool,
		messagePool: messagePool,
	}
}

// requireBalanced checks the accounting of both pools
func (s *testSender) requireBalanced(t *testing.T) {
	t.Helper()
	s.requestPool.requireBalanced(t)
	s.messagePool.requireBalanced(t)
}

// remote returns the remote address of a stream
func remote(streamID int32) transport.RemoteAddress {
	return transport.RemoteAddress{StreamID: streamID, Address: "test"}
}

// respond makes the channel answer every request frame with payload
func respond(s *Sender, ch *fakeChannel, payload func(req header.Frame) []byte) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	ch.onWrite = func(b []byte) {
		frames, err := header.ParseAll(b)
		if err != nil {
			return
		}
		for _, f := range frames {
			if !f.IsRequestResponse() {
				continue
			}
			s.SubmitResponse(&IncomingResponse{
				RequestID: f.RequestID,
				StreamID:  f.StreamID,
				Payload:   payload(f),
			})
		}
	}
}
