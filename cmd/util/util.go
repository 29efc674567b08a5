package util

import (
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
	"time"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupSenderFlags adds the sender tuning flags to a command
func SetupSenderFlags(cmd *cobra.Command) {
	defaults := common.DefaultSenderConfig()

	key := "sender-batch-size"
	cmd.PersistentFlags().Int(key, defaults.DefaultBatchSize/1024, WrapString("Capacity of a regular write batch (in KB). Larger requests get a batch of their own"))

	key = "sender-max-frame-size"
	cmd.PersistentFlags().Int(key, defaults.MaxFrameSize/1024, WrapString("Largest framed request or message the sender accepts (in KB)"))

	key = "sender-requests-per-tick"
	cmd.PersistentFlags().Int(key, defaults.RequestsPerTick, WrapString("How many submitted requests the sender processes per iteration"))

	key = "sender-sweep-interval"
	cmd.PersistentFlags().Int(key, int(defaults.TimerSweepInterval/time.Millisecond), WrapString("Rate at which request timeouts are checked (in ms)"))

	key = "sender-keep-alive"
	cmd.PersistentFlags().Int(key, int(defaults.KeepAliveInterval/time.Millisecond), WrapString("Idle time after which a channel receives a keep-alive frame (in ms, 0 disables keep-alives)"))

	key = "sender-retry-backoff"
	cmd.PersistentFlags().Int(key, int(defaults.RetryBackoff/time.Millisecond), WrapString("Delay before a request or message is retried (in ms)"))

	key = "sender-request-timeout"
	cmd.PersistentFlags().Int(key, int(defaults.DefaultRequestTimeout/time.Millisecond), WrapString("Timeout of a request that does not set its own (in ms)"))

	key = "sender-recycled-batches"
	cmd.PersistentFlags().Int(key, defaults.RecycledBatchesPerChannel, WrapString("How many free batches are kept per open channel"))

	key = "sender-stale-fallback"
	cmd.PersistentFlags().Bool(key, defaults.StaleResponseFallback, WrapString("Complete a failing request with the last response its retry predicate rejected"))

	key = "sender-request-pool"
	cmd.PersistentFlags().Int(key, defaults.RequestPoolSize/(1024*1024), WrapString("Memory budget for request buffers (in MB)"))

	key = "sender-message-pool"
	cmd.PersistentFlags().Int(key, defaults.MessagePoolSize/(1024*1024), WrapString("Memory budget for message buffers (in MB)"))
}

// SetupConnectorFlags adds the TCP connection flags to a command
func SetupConnectorFlags(cmd *cobra.Command) {
	defaults := common.DefaultConnectorConfig()

	key := "transport-endpoints"
	cmd.PersistentFlags().String(key, "localhost:8080", WrapString("Comma-separated list of peer addresses. Every endpoint gets one channel, requests are spread round-robin"))

	key = "transport-dial-timeout"
	cmd.PersistentFlags().Int(key, int(defaults.DialTimeout/time.Millisecond), WrapString("Timeout of a single connection attempt (in ms)"))

	key = "transport-write-timeout"
	cmd.PersistentFlags().Int(key, int(defaults.WriteTimeout/time.Microsecond), WrapString("Timeout of a single channel write (in µs). A write hitting it is continued on the next sender iteration"))

	key = "transport-reconnect-backoff"
	cmd.PersistentFlags().Int(key, int(defaults.ReconnectBackoff/time.Millisecond), WrapString("Delay between reconnection attempts (in ms, 0 disables reconnecting)"))

	setupSocketFlags(cmd, defaults.TCPConf)
}

// SetupEchoFlags adds the echo peer flags to a command
func SetupEchoFlags(cmd *cobra.Command) {
	defaults := common.DefaultEchoConfig()

	key := "endpoint"
	cmd.PersistentFlags().String(key, defaults.Endpoint, WrapString("The address on which the echo peer will listen"))

	key = "max-frame-size"
	cmd.PersistentFlags().Int(key, defaults.MaxFrameSize/1024, WrapString("Largest frame the echo peer accepts (in KB)"))

	key = "workers"
	cmd.PersistentFlags().Int(key, defaults.WorkersPerConn, WrapString("Maximum number of requests answered concurrently per connection"))

	setupSocketFlags(cmd, defaults.TCPConf)
}

// setupSocketFlags adds the socket option flags shared by both sides
func setupSocketFlags(cmd *cobra.Command, defaults common.TCPConf) {
	key := "transport-write-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket write buffer (in KB)"))

	key = "transport-read-buffer"
	cmd.PersistentFlags().Int(key, 512, WrapString("The size of the socket read buffer (in KB)"))

	key = "transport-tcp-nodelay"
	cmd.PersistentFlags().Bool(key, defaults.TCPNoDelay, WrapString("Whether to enable TCP_NODELAY"))

	key = "transport-tcp-keepalive"
	cmd.PersistentFlags().Int(key, defaults.TCPKeepAliveSec, WrapString("The TCP keepalive interval (in seconds, 0 disables it)"))

	key = "transport-tcp-linger"
	cmd.PersistentFlags().Int(key, defaults.TCPLingerSec, WrapString("The linger time (in seconds, negative keeps the OS default)"))
}

// InitConfig initializes configuration from env files and environment variables
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("dmux")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// GetSenderConfig reads the sender configuration from viper
func GetSenderConfig() common.SenderConfig {
	return common.SenderConfig{
		DefaultBatchSize:          viper.GetInt("sender-batch-size") * 1024,
		MaxFrameSize:              viper.GetInt("sender-max-frame-size") * 1024,
		RequestsPerTick:           viper.GetInt("sender-requests-per-tick"),
		TimerSweepInterval:        time.Duration(viper.GetInt("sender-sweep-interval")) * time.Millisecond,
		KeepAliveInterval:         time.Duration(viper.GetInt("sender-keep-alive")) * time.Millisecond,
		RetryBackoff:              time.Duration(viper.GetInt("sender-retry-backoff")) * time.Millisecond,
		DefaultRequestTimeout:     time.Duration(viper.GetInt("sender-request-timeout")) * time.Millisecond,
		RecycledBatchesPerChannel: viper.GetInt("sender-recycled-batches"),
		StaleResponseFallback:     viper.GetBool("sender-stale-fallback"),
		RequestPoolSize:           viper.GetInt("sender-request-pool") * 1024 * 1024,
		MessagePoolSize:           viper.GetInt("sender-message-pool") * 1024 * 1024,
	}
}

// GetConnectorConfig reads the connector configuration from viper
func GetConnectorConfig() common.ConnectorConfig {
	var endpoints []string
	for _, endpoint := range strings.Split(viper.GetString("transport-endpoints"), ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}

	return common.ConnectorConfig{
		Endpoints:        endpoints,
		DialTimeout:      time.Duration(viper.GetInt("transport-dial-timeout")) * time.Millisecond,
		WriteTimeout:     time.Duration(viper.GetInt("transport-write-timeout")) * time.Microsecond,
		ReconnectBackoff: time.Duration(viper.GetInt("transport-reconnect-backoff")) * time.Millisecond,
		SocketConf:       getSocketConf(),
		TCPConf:          getTCPConf(),
	}
}

// GetEchoConfig reads the echo peer configuration from viper
func GetEchoConfig() common.EchoConfig {
	return common.EchoConfig{
		Endpoint:       viper.GetString("endpoint"),
		MaxFrameSize:   viper.GetInt("max-frame-size") * 1024,
		WorkersPerConn: viper.GetInt("workers"),
		SocketConf:     getSocketConf(),
		TCPConf:        getTCPConf(),
	}
}

func getSocketConf() common.SocketConf {
	return common.SocketConf{
		WriteBufferSize: viper.GetInt("transport-write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("transport-read-buffer") * 1024,
	}
}

func getTCPConf() common.TCPConf {
	return common.TCPConf{
		TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
	}
}

// BindCommandFlags binds a command's flags to viper and applies the log level
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return common.InitLoggers(viper.GetString("log-level"))
}
