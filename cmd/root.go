package cmd

import (
	"fmt"
	"github.com/ValentinKolb/dMux/cmd/echo"
	"github.com/ValentinKolb/dMux/cmd/perf"
	"github.com/ValentinKolb/dMux/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "dmux",
		Short: "batching request/response transport",
		Long: fmt.Sprintf(`dMux (v%s)

A client-side transport written in Go that multiplexes requests and
one-way messages from many goroutines over a few TCP connections,
batching writes and correlating responses by request id.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dMux",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dMux v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(echo.EchoCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
