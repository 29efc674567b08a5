package echo

import (
	"fmt"
	cmdUtil "github.com/ValentinKolb/dMux/cmd/util"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport/tcp"
	"github.com/spf13/cobra"
	"os"
	"os/signal"
	"syscall"
)

var (
	echoCmdConfig = common.EchoConfig{}
	EchoCmd       = &cobra.Command{
		Use:     "echo",
		Short:   "Start a dMux echo peer",
		Long:    `Start a TCP peer that answers every request frame with its own payload under the same request id. It is the counterpart of the perf command. The configuration can be set via command line flags or environment variables. The format of the environment variables is DMUX_<flag> (e.g. DMUX_ENDPOINT=0.0.0.0:9000)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cmdUtil.SetupEchoFlags(EchoCmd)
}

// processConfig reads the configuration from the command line flags and environment variables
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	echoCmdConfig = cmdUtil.GetEchoConfig()
	if echoCmdConfig.MaxFrameSize <= 0 {
		return fmt.Errorf("max frame size must be positive, got %d", echoCmdConfig.MaxFrameSize)
	}
	return nil
}

// run starts the echo peer and stops it on SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	fmt.Println(echoCmdConfig.String())

	server := tcp.NewEchoServer(echoCmdConfig, nil)
	if err := server.Listen(); err != nil {
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)

	go func() {
		<-signals
		stats := server.Stats()
		fmt.Printf("\nanswered %d requests, received %d messages and %d keep-alives\n", stats.Requests, stats.Messages, stats.KeepAlives)
		server.Close()
	}()

	return server.Serve()
}
