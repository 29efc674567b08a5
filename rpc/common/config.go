package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Sender configuration struct
// --------------------------------------------------------------------------

// SenderConfig holds all tuning parameters of the outbound transport sender
type SenderConfig struct {
	// DefaultBatchSize is the capacity of a regular write batch in bytes.
	// Items larger than this get a batch of their own.
	DefaultBatchSize int
	// MaxFrameSize is the largest framed request or message accepted at construction
	MaxFrameSize int
	// RequestsPerTick bounds how many submitted requests the actor processes per iteration
	RequestsPerTick int

	// TimerSweepInterval is the rate at which request timeouts are checked
	TimerSweepInterval time.Duration
	// KeepAliveInterval is the rate at which idle channels receive a keep-alive frame (0 disables)
	KeepAliveInterval time.Duration
	// RetryBackoff is the fixed delay before a request or message is retried
	RetryBackoff time.Duration
	// DefaultRequestTimeout is used for requests that do not set their own timeout
	DefaultRequestTimeout time.Duration

	// RecycledBatchesPerChannel bounds the batch free list to this many batches per open channel
	RecycledBatchesPerChannel int

	// StaleResponseFallback completes a failing request with the last response that was
	// rejected by its retry predicate, if there is one, instead of failing it
	StaleResponseFallback bool

	// RequestPoolSize and MessagePoolSize are the byte budgets of the two memory pools
	RequestPoolSize int
	MessagePoolSize int
}

// DefaultSenderConfig returns the default sender configuration
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		DefaultBatchSize:          64 * 1024,
		MaxFrameSize:              4 * 1024 * 1024,
		RequestsPerTick:           64,
		TimerSweepInterval:        5 * time.Millisecond,
		KeepAliveInterval:         5 * time.Second,
		RetryBackoff:              10 * time.Millisecond,
		DefaultRequestTimeout:     15 * time.Second,
		RecycledBatchesPerChannel: 2,
		StaleResponseFallback:     true,
		RequestPoolSize:           32 * 1024 * 1024,
		MessagePoolSize:           16 * 1024 * 1024,
	}
}

// Validate checks the configuration for values the sender cannot work with
func (c *SenderConfig) Validate() error {
	if c.DefaultBatchSize <= 0 {
		return fmt.Errorf("default batch size must be positive, got %d", c.DefaultBatchSize)
	}
	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize)
	}
	if c.RequestsPerTick <= 0 {
		return fmt.Errorf("requests per tick must be positive, got %d", c.RequestsPerTick)
	}
	if c.TimerSweepInterval <= 0 {
		return fmt.Errorf("timer sweep interval must be positive, got %s", c.TimerSweepInterval)
	}
	if c.KeepAliveInterval < 0 {
		return fmt.Errorf("keep-alive interval must not be negative, got %s", c.KeepAliveInterval)
	}
	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive, got %s", c.RetryBackoff)
	}
	if c.DefaultRequestTimeout <= 0 {
		return fmt.Errorf("default request timeout must be positive, got %s", c.DefaultRequestTimeout)
	}
	if c.RecycledBatchesPerChannel < 0 {
		return fmt.Errorf("recycled batches per channel must not be negative, got %d", c.RecycledBatchesPerChannel)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *SenderConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-28s: %s\n", name, value))
	}

	// Batching
	addSection("Batching")
	addField("Default Batch Size", fmt.Sprintf("%d bytes", c.DefaultBatchSize))
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaxFrameSize))
	addField("Requests Per Tick", strconv.Itoa(c.RequestsPerTick))
	addField("Recycled Batches Per Channel", strconv.Itoa(c.RecycledBatchesPerChannel))

	// Timing
	addSection("Timing")
	addField("Timer Sweep Interval", c.TimerSweepInterval.String())
	addField("Keep-Alive Interval", c.KeepAliveInterval.String())
	addField("Retry Backoff", c.RetryBackoff.String())
	addField("Default Request Timeout", c.DefaultRequestTimeout.String())

	// Policies
	addSection("Policies")
	addField("Stale Response Fallback", strconv.FormatBool(c.StaleResponseFallback))

	// Memory
	addSection("Memory Pools")
	addField("Request Pool", fmt.Sprintf("%d KB", c.RequestPoolSize/1024))
	addField("Message Pool", fmt.Sprintf("%d KB", c.MessagePoolSize/1024))

	return sb.String()
}

// --------------------------------------------------------------------------
// TCP connector configuration struct
// --------------------------------------------------------------------------

// SocketConf holds socket buffer settings
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// ConnectorConfig holds the configuration of the TCP channel connector
type ConnectorConfig struct {
	Endpoints []string

	// DialTimeout bounds a single connection attempt
	DialTimeout time.Duration
	// WriteTimeout bounds a single channel write. A write hitting it counts as partial write,
	// the rest of the batch is written on the next sender iteration.
	WriteTimeout time.Duration
	// ReconnectBackoff is the delay between reconnection attempts (0 disables reconnecting)
	ReconnectBackoff time.Duration

	SocketConf SocketConf
	TCPConf    TCPConf
}

// DefaultConnectorConfig returns the default connector configuration
func DefaultConnectorConfig() ConnectorConfig {
	return ConnectorConfig{
		DialTimeout:      2 * time.Second,
		WriteTimeout:     time.Millisecond,
		ReconnectBackoff: 500 * time.Millisecond,
		TCPConf: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
	}
}

// String returns a formatted string representation of the connector configuration
func (c *ConnectorConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-28s: %s\n", name, value))
	}

	addSection("Connector")
	addField("Dial Timeout", c.DialTimeout.String())
	addField("Write Timeout", c.WriteTimeout.String())
	addField("Reconnect Backoff", c.ReconnectBackoff.String())
	addField("Write Buffer", fmt.Sprintf("%d KB", c.SocketConf.WriteBufferSize/1024))
	addField("Read Buffer", fmt.Sprintf("%d KB", c.SocketConf.ReadBufferSize/1024))
	addField("TCP No Delay", strconv.FormatBool(c.TCPConf.TCPNoDelay))
	addField("TCP Keep-Alive", fmt.Sprintf("%d sec", c.TCPConf.TCPKeepAliveSec))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// Echo peer configuration struct
// --------------------------------------------------------------------------

// EchoConfig holds the configuration of the TCP echo peer
type EchoConfig struct {
	Endpoint string
	// MaxFrameSize is the largest frame the peer accepts
	MaxFrameSize int
	// WorkersPerConn bounds the requests handled concurrently per connection
	WorkersPerConn int

	SocketConf SocketConf
	TCPConf    TCPConf
}

// DefaultEchoConfig returns the default echo peer configuration
func DefaultEchoConfig() EchoConfig {
	return EchoConfig{
		Endpoint:       ":8080",
		MaxFrameSize:   DefaultSenderConfig().MaxFrameSize,
		WorkersPerConn: 16,
		TCPConf: TCPConf{
			TCPNoDelay:   true,
			TCPLingerSec: -1,
		},
	}
}

// String returns a formatted string representation of the echo peer configuration
func (c *EchoConfig) String() string {
	var sb strings.Builder

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-28s: %s\n", name, value))
	}

	sb.WriteString("\nECHO PEER\n")
	addField("Endpoint", c.Endpoint)
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaxFrameSize))
	addField("Workers Per Connection", strconv.Itoa(c.WorkersPerConn))
	addField("Write Buffer", fmt.Sprintf("%d KB", c.SocketConf.WriteBufferSize/1024))
	addField("Read Buffer", fmt.Sprintf("%d KB", c.SocketConf.ReadBufferSize/1024))
	addField("TCP No Delay", strconv.FormatBool(c.TCPConf.TCPNoDelay))

	return sb.String()
}
