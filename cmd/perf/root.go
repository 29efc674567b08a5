package perf

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	cmdUtil "github.com/ValentinKolb/dMux/cmd/util"
	"github.com/ValentinKolb/dMux/rpc/common"
	"github.com/ValentinKolb/dMux/rpc/transport/sender"
	"github.com/ValentinKolb/dMux/rpc/transport/tcp"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var (
	Logger = logger.GetLogger("cmd")

	PerfCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for dMux peers",
		Long:    `Send requests and one-way messages through the sender to one or more echo peers and report latency and throughput. Start the peers with the echo command first.`,
		PreRunE: processPerfConfig,
		RunE:    run,
	}
	perfSenderConfig    = common.SenderConfig{}
	perfConnectorConfig = common.ConnectorConfig{}
	perfRequests        = 100000
	perfMessages        = 0
	perfNumThreads      = 10
	perfPayloadSize     = 128
	perfSkip            = make([]string, 0)
)

// result holds the measurements of one benchmark
type result struct {
	name    string
	ops     int64
	failed  int64
	elapsed time.Duration
	latency metrics.Histogram
	skipped bool
}

func init() {
	cmdUtil.SetupSenderFlags(PerfCmd)
	cmdUtil.SetupConnectorFlags(PerfCmd)

	key := "requests"
	PerfCmd.Flags().Int(key, perfRequests, cmdUtil.WrapString("How many requests to send in total"))
	key = "messages"
	PerfCmd.Flags().Int(key, perfMessages, cmdUtil.WrapString("How many one-way messages to send in total (0 skips the message benchmark)"))
	key = "threads"
	PerfCmd.Flags().Int(key, perfNumThreads, cmdUtil.WrapString("Number of concurrent producers"))
	key = "payload-size"
	PerfCmd.Flags().Int(key, perfPayloadSize, cmdUtil.WrapString("Size of the request and message payloads (in bytes)"))
	key = "skip"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Benchmarks to skip (comma separated - e.g. request,message)"))
	key = "csv"
	PerfCmd.Flags().String(key, "", cmdUtil.WrapString("Optional path to save benchmark results as CSV"))
	key = "prometheus"
	PerfCmd.Flags().Bool(key, false, cmdUtil.WrapString("Print the sender metrics in Prometheus text format after the run"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	perfSenderConfig = cmdUtil.GetSenderConfig()
	if err := perfSenderConfig.Validate(); err != nil {
		return err
	}
	perfConnectorConfig = cmdUtil.GetConnectorConfig()

	perfRequests = viper.GetInt("requests")
	perfMessages = viper.GetInt("messages")
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfPayloadSize = viper.GetInt("payload-size")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfPayloadSize < 0 {
		return fmt.Errorf("payload size must not be negative, got %d", perfPayloadSize)
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for dMux peers")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Print(perfSenderConfig.String())
	fmt.Print(perfConnectorConfig.String())
	fmt.Printf("\nThreads: %d, Payload: %d bytes\n\n", perfNumThreads, perfPayloadSize)

	s, err := sender.NewSender(perfSenderConfig, nil, nil)
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Close()

	connector := tcp.NewConnector(perfConnectorConfig, s, perfSenderConfig.MaxFrameSize)
	if err := connector.Connect(); err != nil {
		return err
	}
	defer connector.Close()

	payload := []byte(strings.Repeat("x", perfPayloadSize))

	fmt.Println("starting tests...")
	results := []result{
		runRequests(s, connector, payload),
		runMessages(s, connector, payload),
	}
	for _, r := range results {
		printResult(r)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	if viper.GetBool("prometheus") {
		fmt.Println()
		s.WritePrometheus(os.Stdout)
	}
	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// runRequests sends perfRequests requests from perfNumThreads producers and waits for every response
func runRequests(s *sender.Sender, connector *tcp.Connector, payload []byte) result {
	r := newResult("request")
	if shouldSkip("request") || perfRequests <= 0 {
		r.skipped = true
		return r
	}

	supplier := connector.Supplier()
	var next atomic.Int64

	start := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < perfNumThreads; i++ {
		g.Go(func() error {
			for next.Add(1) <= int64(perfRequests) {
				begin := time.Now()
				f, err := s.SendRequest(supplier, payload)
				if err == nil {
					_, err = f.Get(ctx)
				}
				if err != nil {
					if errors.Is(err, sender.ErrSenderClosed) {
						return err
					}
					Logger.Debugf("(request) - error sending request: %v", err)
					atomic.AddInt64(&r.failed, 1)
					continue
				}
				r.latency.Update(time.Since(begin).Nanoseconds())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		Logger.Errorf("(request) - benchmark aborted: %v", err)
	}

	r.elapsed = time.Since(start)
	r.ops = r.latency.Count()
	return r
}

// runMessages submits perfMessages one-way messages round-robin over all channels. A message only
// counts as sent once the sender accepted it, delivery is not acknowledged by the peer.
func runMessages(s *sender.Sender, connector *tcp.Connector, payload []byte) result {
	r := newResult("message")
	if shouldSkip("message") || perfMessages <= 0 {
		r.skipped = true
		return r
	}

	remotes := connector.Remotes()
	var next atomic.Int64

	start := time.Now()
	g := errgroup.Group{}
	for i := 0; i < perfNumThreads; i++ {
		g.Go(func() error {
			for n := next.Add(1); n <= int64(perfMessages); n = next.Add(1) {
				begin := time.Now()
				remote := remotes[int(n)%len(remotes)]
				if err := s.SendMessage(remote.StreamID, payload, begin.Add(perfSenderConfig.DefaultRequestTimeout)); err != nil {
					Logger.Debugf("(message) - error sending message: %v", err)
					atomic.AddInt64(&r.failed, 1)
					continue
				}
				r.latency.Update(time.Since(begin).Nanoseconds())
			}
			return nil
		})
	}
	_ = g.Wait()

	r.elapsed = time.Since(start)
	r.ops = r.latency.Count()
	return r
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func newResult(name string) result {
	return result{
		name:    name,
		latency: metrics.NewHistogram(metrics.NewExpDecaySample(1028, 0.015)),
	}
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// opsPerSec returns the throughput of a result
func (r result) opsPerSec() float64 {
	seconds := math.Max(r.elapsed.Seconds(), 1e-9) // prevent division by zero
	return float64(r.ops) / seconds
}

// printResult prints the result of a benchmark in a formatted way
func printResult(r result) {
	if r.skipped {
		fmt.Printf("%-20sskipped\n", r.name)
		return
	}

	ps := r.latency.Percentiles([]float64{0.5, 0.99, 0.999})
	fmt.Printf("%-20s%.0f ops/sec\tmean %s\tp50 %s\tp99 %s\tp999 %s\tfailed %d\n",
		r.name,
		r.opsPerSec(),
		time.Duration(r.latency.Mean()),
		time.Duration(ps[0]),
		time.Duration(ps[1]),
		time.Duration(ps[2]),
		r.failed,
	)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []result) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "Ops", "Failed", "OpsPerSec", "MeanNs", "P50Ns", "P99Ns", "P999Ns", "Skipped",
		"Endpoints", "Threads", "PayloadSize", "BatchSize", "StaleFallback",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for _, r := range results {
		ps := r.latency.Percentiles([]float64{0.5, 0.99, 0.999})
		row := []string{
			r.name,
			strconv.FormatInt(r.ops, 10),
			strconv.FormatInt(r.failed, 10),
			fmt.Sprintf("%.0f", r.opsPerSec()),
			fmt.Sprintf("%.0f", r.latency.Mean()),
			fmt.Sprintf("%.0f", ps[0]),
			fmt.Sprintf("%.0f", ps[1]),
			fmt.Sprintf("%.0f", ps[2]),
			strconv.FormatBool(r.skipped),
			strings.Join(perfConnectorConfig.Endpoints, ";"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfPayloadSize),
			strconv.Itoa(perfSenderConfig.DefaultBatchSize),
			strconv.FormatBool(perfSenderConfig.StaleResponseFallback),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.name, err)
		}
	}

	return nil
}
