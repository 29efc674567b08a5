package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/header"
	"github.com/ValentinKolb/dMux/rpc/transport/sender"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"net"
	"os"
	"sync"
	"time"
)

var Logger = logger.GetLogger("transport/tcp")

const defaultReadBufferSize = 64 * 1024

// -----------------------------------------------------------
// Interface Definitions for dependency injection
// -----------------------------------------------------------

// Sink is the side of the sender the connector talks to. *sender.Sender implements it.
type Sink interface {
	// SubmitResponse hands a response read from a channel to the sender
	SubmitResponse(resp *sender.IncomingResponse)
	// OnChannelConnected registers an open channel
	OnChannelConnected(ch transport.Channel) *sender.Future[struct{}]
	// OnChannelClosed unregisters a channel
	OnChannelClosed(ch transport.Channel) *sender.Future[struct{}]
}

// -----------------------------------------------------------
// Channel
// -----------------------------------------------------------

// channel is a transport.Channel over a TCP connection
type channel struct {
	remote       transport.RemoteAddress
	conn         net.Conn
	writeTimeout time.Duration
}

func (ch *channel) StreamID() int32 {
	return ch.remote.StreamID
}

// Write writes b with the configured write timeout. Hitting the timeout is a partial write,
// the sender writes the rest on its next iteration. Any other error closes the connection: the
// sender drops the channel on a write error, and closing unblocks the reader so maintain
// unregisters and reconnects.
func (ch *channel) Write(b []byte) (int, error) {
	if ch.writeTimeout > 0 {
		if err := ch.conn.SetWriteDeadline(time.Now().Add(ch.writeTimeout)); err != nil {
			ch.conn.Close()
			return 0, err
		}
	}

	n, err := ch.conn.Write(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	if err != nil {
		ch.conn.Close()
	}
	return n, err
}

// -----------------------------------------------------------
// Connector
// -----------------------------------------------------------

// Connector maintains one channel per endpoint and feeds the sender with channel events and
// responses. Stream ids are assigned by endpoint order starting at 1 and stay the same across
// reconnects.
type Connector struct {
	config       common.ConnectorConfig
	maxFrameSize int
	sink         Sink
	remotes      []transport.RemoteAddress
	channels     *xsync.MapOf[int32, *channel]

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnector creates a connector for the endpoints of config. Frames larger than
// maxFrameSize are rejected by the response reader.
func NewConnector(config common.ConnectorConfig, sink Sink, maxFrameSize int) *Connector {
	remotes := make([]transport.RemoteAddress, len(config.Endpoints))
	for i, endpoint := range config.Endpoints {
		remotes[i] = transport.RemoteAddress{
			StreamID: int32(i + 1),
			Address:  endpoint,
		}
	}

	return &Connector{
		config:       config,
		maxFrameSize: maxFrameSize,
		sink:         sink,
		remotes:      remotes,
		channels:     xsync.NewMapOf[int32, *channel](),
		stopCh:       make(chan struct{}),
	}
}

// Remotes returns the remote address of every endpoint
func (c *Connector) Remotes() []transport.RemoteAddress {
	return append([]transport.RemoteAddress(nil), c.remotes...)
}

// Supplier returns a round-robin supplier over all endpoints
func (c *Connector) Supplier() transport.RemoteSupplier {
	return transport.RoundRobin(c.remotes...)
}

// Connected returns the number of currently open channels
func (c *Connector) Connected() int {
	return c.channels.Size()
}

// Connect dials every endpoint once and starts the per-endpoint connection loops. It fails if no
// endpoint could be reached, endpoints that failed are dialed again in the background.
func (c *Connector) Connect() error {
	if len(c.remotes) == 0 {
		return fmt.Errorf("no endpoints provided")
	}

	conns := make([]net.Conn, len(c.remotes))
	connected := 0
	for i, remote := range c.remotes {
		conn, err := c.dial(remote.Address)
		if err != nil {
			Logger.Warningf("Failed to connect to %s: %v", remote, err)
			continue
		}
		conns[i] = conn
		connected++
	}

	if connected == 0 {
		return fmt.Errorf("failed to connect to any endpoint")
	}

	for i, remote := range c.remotes {
		c.wg.Add(1)
		go c.maintain(remote, conns[i])
	}

	Logger.Infof("Connected to %d out of %d endpoints", connected, len(c.remotes))
	return nil
}

// Close closes all channels and stops reconnecting
func (c *Connector) Close() error {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.channels.Range(func(_ int32, ch *channel) bool {
			ch.conn.Close()
			return true
		})
		c.wg.Wait()
	})
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// stopping reports whether Close was called
func (c *Connector) stopping() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// dial establishes a connection to endpoint and applies the socket options
func (c *Connector) dial(endpoint string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.Dial("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	if err := upgradeConnection(conn, c.config.SocketConf, c.config.TCPConf); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %w", endpoint, err)
	}
	return conn, nil
}

// maintain runs the channel of one endpoint: register, read responses until the connection
// breaks, unregister, reconnect after the backoff
func (c *Connector) maintain(remote transport.RemoteAddress, conn net.Conn) {
	defer c.wg.Done()

	for {
		if conn != nil {
			ch := &channel{
				remote:       remote,
				conn:         conn,
				writeTimeout: c.config.WriteTimeout,
			}
			c.channels.Store(remote.StreamID, ch)

			// Close may have missed the connection
			if c.stopping() {
				conn.Close()
			}

			c.sink.OnChannelConnected(ch)
			Logger.Debugf("Channel to %s open", remote)

			err := c.readResponses(ch)

			c.channels.Delete(remote.StreamID)
			c.sink.OnChannelClosed(ch)
			conn.Close()

			if c.stopping() {
				return
			}
			Logger.Warningf("Connection to %s lost: %v", remote, err)
		}

		if c.config.ReconnectBackoff <= 0 {
			return
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(c.config.ReconnectBackoff):
		}

		var err error
		conn, err = c.dial(remote.Address)
		if err != nil {
			Logger.Debugf("Reconnect to %s failed: %v", remote, err)
			conn = nil
		}
	}
}

// readResponses reads frames until the connection fails and submits every response
func (c *Connector) readResponses(ch *channel) error {
	size := c.config.SocketConf.ReadBufferSize
	if size <= 0 {
		size = defaultReadBufferSize
	}
	dec := header.NewDecoder(bufio.NewReaderSize(ch.conn, size), c.maxFrameSize)

	for {
		f, err := dec.Next()
		if err != nil {
			return err
		}

		// keep-alives and one-way messages of the peer are not for the sender
		if !f.IsRequestResponse() {
			continue
		}

		// the decoder reuses its buffer
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)

		c.sink.SubmitResponse(&sender.IncomingResponse{
			RequestID: f.RequestID,
			StreamID:  ch.remote.StreamID,
			Payload:   payload,
		})
	}
}
