package util

import (
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		require.LessOrEqual(t, len(line), Wrap)
	}
	require.Equal(t, "short text", WrapString("  short   text "))
}

func TestFlagDefaultsMatchConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().String("log-level", "info", "")
	SetupSenderFlags(cmd)
	SetupConnectorFlags(cmd)
	require.NoError(t, cmd.ParseFlags(nil))
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	require.Equal(t, common.DefaultSenderConfig(), GetSenderConfig())

	conf := GetConnectorConfig()
	defaults := common.DefaultConnectorConfig()
	require.Equal(t, []string{"localhost:8080"}, conf.Endpoints)
	require.Equal(t, defaults.DialTimeout, conf.DialTimeout)
	require.Equal(t, defaults.WriteTimeout, conf.WriteTimeout)
	require.Equal(t, defaults.ReconnectBackoff, conf.ReconnectBackoff)
	require.Equal(t, defaults.TCPConf, conf.TCPConf)
	require.Equal(t, 512*1024, conf.SocketConf.ReadBufferSize)
}

func TestGetConnectorConfig_Overrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	SetupConnectorFlags(cmd)
	require.NoError(t, cmd.PersistentFlags().Parse([]string{
		"--transport-endpoints", "a:1, b:2,,",
		"--transport-reconnect-backoff", "0",
		"--transport-write-timeout", "250",
	}))
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetConnectorConfig()
	require.Equal(t, []string{"a:1", "b:2"}, conf.Endpoints)
	require.Zero(t, conf.ReconnectBackoff)
	require.Equal(t, 250*time.Microsecond, conf.WriteTimeout)
}

func TestGetEchoConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cmd := &cobra.Command{Use: "test"}
	SetupEchoFlags(cmd)
	require.NoError(t, cmd.PersistentFlags().Parse([]string{"--endpoint", "127.0.0.1:9000", "--workers", "4"}))
	require.NoError(t, viper.BindPFlags(cmd.PersistentFlags()))

	conf := GetEchoConfig()
	require.Equal(t, "127.0.0.1:9000", conf.Endpoint)
	require.Equal(t, 4, conf.WorkersPerConn)
	require.Equal(t, common.DefaultEchoConfig().MaxFrameSize, conf.MaxFrameSize)
}
