package tcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport"
	"github.com/ValentinKolb/dMux/rpc/transport/sender"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func startEcho(t *testing.T, endpoint string, handler Handler) *EchoServer {
	t.Helper()

	config := common.DefaultEchoConfig()
	config.Endpoint = endpoint
	echo := NewEchoServer(config, handler)
	require.NoError(t, echo.Listen())
	go echo.Serve()

	t.Cleanup(func() { echo.Close() })
	return echo
}

func startSender(t *testing.T) *sender.Sender {
	t.Helper()

	config := common.DefaultSenderConfig()
	config.TimerSweepInterval = time.Millisecond
	config.RetryBackoff = 5 * time.Millisecond

	s, err := sender.NewSender(config, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	t.Cleanup(func() { s.Close() })
	return s
}

func connect(t *testing.T, s *sender.Sender, backoff time.Duration, endpoints ...string) *Connector {
	t.Helper()

	config := common.DefaultConnectorConfig()
	config.Endpoints = endpoints
	config.ReconnectBackoff = backoff

	c := NewConnector(config, s, s.Config().MaxFrameSize)
	require.NoError(t, c.Connect())
	require.Eventually(t, func() bool {
		return c.Connected() == len(endpoints)
	}, 2*time.Second, time.Millisecond)
	return c
}

func roundTrip(ctx context.Context, s *sender.Sender, supplier transport.RemoteSupplier, payload []byte) (*sender.Response, error) {
	f, err := s.SendRequest(supplier, payload, sender.WithTimeout(2*time.Second))
	if err != nil {
		return nil, err
	}
	return f.Get(ctx)
}

func TestEndToEnd(t *testing.T) {
	echo := startEcho(t, "127.0.0.1:0", func(payload []byte) []byte {
		return bytes.ToUpper(payload)
	})
	s := startSender(t)
	c := connect(t, s, time.Second, echo.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			payload := []byte(fmt.Sprintf("hello %d", i))
			resp, err := roundTrip(ctx, s, c.Supplier(), payload)
			if err != nil {
				return err
			}
			if !bytes.Equal(resp.Payload, bytes.ToUpper(payload)) {
				return fmt.Errorf("unexpected response %q", resp.Payload)
			}
			if resp.Remote != c.Remotes()[0] {
				return fmt.Errorf("unexpected remote %s", resp.Remote)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(20), echo.Stats().Requests)

	require.NoError(t, s.SendMessage(c.Remotes()[0].StreamID, []byte("fire and forget"), time.Now().Add(time.Second)))
	require.Eventually(t, func() bool {
		return echo.Stats().Messages == 1
	}, 2*time.Second, time.Millisecond)
}

func TestRoundRobinOverEndpoints(t *testing.T) {
	echo1 := startEcho(t, "127.0.0.1:0", nil)
	echo2 := startEcho(t, "127.0.0.1:0", nil)
	s := startSender(t)
	c := connect(t, s, time.Second, echo1.Addr().String(), echo2.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	supplier := c.Supplier()
	for i := 0; i < 10; i++ {
		resp, err := roundTrip(ctx, s, supplier, []byte("ping"))
		require.NoError(t, err)
		require.Equal(t, []byte("ping"), resp.Payload)
	}

	require.Equal(t, uint64(10), echo1.Stats().Requests+echo2.Stats().Requests)
	require.NotZero(t, echo1.Stats().Requests)
	require.NotZero(t, echo2.Stats().Requests)
}

func TestConnectionLoss(t *testing.T) {
	echo := startEcho(t, "127.0.0.1:0", nil)
	s := startSender(t)
	c := connect(t, s, 0, echo.Addr().String())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := roundTrip(ctx, s, c.Supplier(), []byte("before"))
	require.NoError(t, err)

	require.NoError(t, echo.Close())
	require.Eventually(t, func() bool {
		return c.Connected() == 0
	}, 2*time.Second, time.Millisecond)

	f, err := s.SendRequest(c.Supplier(), []byte("after"), sender.WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	_, err = f.Get(ctx)
	require.ErrorIs(t, err, sender.ErrRequestTimeout)
}

func TestReconnect(t *testing.T) {
	echo := startEcho(t, "127.0.0.1:0", nil)
	addr := echo.Addr().String()

	s := startSender(t)
	c := connect(t, s, 20*time.Millisecond, addr)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, echo.Close())
	require.Eventually(t, func() bool {
		return c.Connected() == 0
	}, 2*time.Second, time.Millisecond)

	restarted := startEcho(t, addr, nil)
	require.Eventually(t, func() bool {
		return c.Connected() == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, err := roundTrip(ctx, s, c.Supplier(), []byte("again"))
	require.NoError(t, err)
	require.Equal(t, []byte("again"), resp.Payload)
	require.Equal(t, uint64(1), restarted.Stats().Requests)
}

func TestConnect_NoEndpointReachable(t *testing.T) {
	// reserve a port and close it again
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := startSender(t)
	config := common.DefaultConnectorConfig()
	config.Endpoints = []string{addr}

	c := NewConnector(config, s, s.Config().MaxFrameSize)
	require.Error(t, c.Connect())
	require.NoError(t, c.Close())

	require.Error(t, NewConnector(common.DefaultConnectorConfig(), s, 1024).Connect())
}

func TestChannel_WriteTimeoutIsPartialWrite(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ch := &channel{
		remote:       transport.RemoteAddress{StreamID: 1},
		conn:         client,
		writeTimeout: 10 * time.Millisecond,
	}

	// nobody reads, the write runs into its deadline
	n, err := ch.Write(make([]byte, 64))
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, server.Close())
	_, err = ch.Write(make([]byte, 64))
	require.Error(t, err)
}

func TestChannel_WriteErrorClosesConnection(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	ch := &channel{
		remote: transport.RemoteAddress{StreamID: 1},
		conn:   client,
	}

	require.NoError(t, server.Close())
	_, err := ch.Write([]byte("x"))
	require.Error(t, err)

	// a read on a locally closed pipe fails with ErrClosedPipe instead of EOF
	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.ErrClosedPipe)
}
