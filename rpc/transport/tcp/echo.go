package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport/header"
	"github.com/puzpuzpuz/xsync/v3"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Handler computes the response payload of a request payload
type Handler func(payload []byte) []byte

// EchoServer is a minimal peer: it answers every request frame with the handler's result under
// the same request id and counts one-way messages and keep-alives.
type EchoServer struct {
	config   common.EchoConfig
	handler  Handler
	listener net.Listener
	conns    *xsync.MapOf[net.Conn, struct{}]
	wg       sync.WaitGroup
	closed   atomic.Bool

	requests   atomic.Uint64
	messages   atomic.Uint64
	keepAlives atomic.Uint64
}

// EchoStats are the frame counters of an echo server
type EchoStats struct {
	Requests   uint64
	Messages   uint64
	KeepAlives uint64
}

// NewEchoServer creates an echo server, a nil handler echoes the payload
func NewEchoServer(config common.EchoConfig, handler Handler) *EchoServer {
	if handler == nil {
		handler = func(payload []byte) []byte { return payload }
	}
	return &EchoServer{
		config:  config,
		handler: handler,
		conns:   xsync.NewMapOf[net.Conn, struct{}](),
	}
}

// Listen creates the listener on the configured endpoint
func (s *EchoServer) Listen() error {
	listener, err := net.Listen("tcp", s.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create TCP socket: %w", err)
	}
	s.listener = listener
	return nil
}

// Addr returns the address the server listens on
func (s *EchoServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Stats returns the frame counters
func (s *EchoServer) Stats() EchoStats {
	return EchoStats{
		Requests:   s.requests.Load(),
		Messages:   s.messages.Load(),
		KeepAlives: s.keepAlives.Load(),
	}
}

// Serve accepts connections until Close is called
func (s *EchoServer) Serve() error {
	Logger.Infof("Starting echo peer on %s with %d workers per connection", s.Addr(), max(1, s.config.WorkersPerConn))

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			Logger.Errorf("Accept error: %v", err)
			continue
		}

		if err := upgradeConnection(conn, s.config.SocketConf, s.config.TCPConf); err != nil {
			Logger.Errorf("Failed to upgrade connection: %v", err)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		s.conns.Store(conn, struct{}{})

		// Close may have missed the connection
		if s.closed.Load() {
			conn.Close()
		}
		go s.handleConnection(conn)
	}
}

// ListenAndServe combines Listen and Serve
func (s *EchoServer) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops accepting connections and closes all open ones
func (s *EchoServer) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.conns.Range(func(conn net.Conn, _ struct{}) bool {
		conn.Close()
		return true
	})
	s.wg.Wait()
	return err
}

// handleConnection answers the requests of one connection
func (s *EchoServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer s.conns.Delete(conn)
	defer conn.Close()

	// The buffered channel acts as a counting semaphore
	workerSemaphore := make(chan struct{}, max(1, s.config.WorkersPerConn))

	var (
		workers sync.WaitGroup
		connMu  sync.Mutex
	)

	respond := func(streamID int32, requestID uint64, payload []byte) {
		defer func() {
			<-workerSemaphore
			workers.Done()
		}()

		resp := s.handler(payload)
		buf := make([]byte, header.RequestFramedLength(len(resp)))
		if _, err := header.WriteRequest(buf, streamID, requestID, resp); err != nil {
			Logger.Errorf("Failed to frame response: %v", err)
			return
		}

		// Protect writes to the connection with a mutex
		connMu.Lock()
		defer connMu.Unlock()
		if _, err := conn.Write(buf); err != nil {
			Logger.Debugf("Failed to write response: %v", err)
		}
	}

	dec := header.NewDecoder(bufio.NewReader(conn), s.config.MaxFrameSize)
	for {
		f, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || s.closed.Load() {
				Logger.Debugf("Connection from %s closed", conn.RemoteAddr())
			} else {
				Logger.Errorf("Error reading frame from %s: %v", conn.RemoteAddr(), err)
			}
			break
		}

		switch {
		case f.IsKeepAlive():
			s.keepAlives.Add(1)
		case f.IsRequestResponse():
			s.requests.Add(1)

			// the decoder reuses its buffer
			payload := make([]byte, len(f.Payload))
			copy(payload, f.Payload)

			// Acquire a slot in the semaphore (blocks if WorkersPerConn is reached)
			workerSemaphore <- struct{}{}
			workers.Add(1)
			go respond(f.StreamID, f.RequestID, payload)
		default:
			s.messages.Add(1)
		}
	}

	// Wait for all workers to finish before closing the connection
	workers.Wait()
}

// WaitForConnections blocks until n connections are open or the timeout elapsed
func (s *EchoServer) WaitForConnections(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.conns.Size() >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.conns.Size() >= n
}
