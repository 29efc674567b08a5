package sender

import (
	"github.com/VictoriaMetrics/metrics"
	"io"
	"sync/atomic"
)

// senderMetrics are the counters of one sender, registered in their own set so several
// senders can live in one process
type senderMetrics struct {
	set *metrics.Set

	requestsSubmitted *metrics.Counter
	requestsCompleted *metrics.Counter
	requestsRetried   *metrics.Counter
	requestsTimedOut  *metrics.Counter
	requestsFailed    *metrics.Counter
	requestsResent    *metrics.Counter

	messagesSubmitted *metrics.Counter
	messagesSent      *metrics.Counter
	messagesDropped   *metrics.Counter

	responsesUnknown *metrics.Counter

	batchesWritten  *metrics.Counter
	bytesWritten    *metrics.Counter
	keepAlivesSent  *metrics.Counter
	channelsOpened  *metrics.Counter
	channelsClosed  *metrics.Counter
	requestDuration *metrics.Histogram

	// written by the sender goroutine, read by the gauges
	inFlight     atomic.Int64
	openChannels atomic.Int64
	freeBatches  atomic.Int64
}

func newSenderMetrics() *senderMetrics {
	s := metrics.NewSet()
	m := &senderMetrics{
		set: s,

		requestsSubmitted: s.NewCounter("dmux_sender_requests_submitted_total"),
		requestsCompleted: s.NewCounter("dmux_sender_requests_completed_total"),
		requestsRetried:   s.NewCounter("dmux_sender_requests_retried_total"),
		requestsTimedOut:  s.NewCounter("dmux_sender_requests_timed_out_total"),
		requestsFailed:    s.NewCounter("dmux_sender_requests_failed_total"),
		requestsResent:    s.NewCounter("dmux_sender_requests_resent_total"),

		messagesSubmitted: s.NewCounter("dmux_sender_messages_submitted_total"),
		messagesSent:      s.NewCounter("dmux_sender_messages_sent_total"),
		messagesDropped:   s.NewCounter("dmux_sender_messages_dropped_total"),

		responsesUnknown: s.NewCounter("dmux_sender_responses_unknown_total"),

		batchesWritten:  s.NewCounter("dmux_sender_batches_written_total"),
		bytesWritten:    s.NewCounter("dmux_sender_bytes_written_total"),
		keepAlivesSent:  s.NewCounter("dmux_sender_keep_alives_sent_total"),
		channelsOpened:  s.NewCounter("dmux_sender_channels_opened_total"),
		channelsClosed:  s.NewCounter("dmux_sender_channels_closed_total"),
		requestDuration: s.NewHistogram("dmux_sender_request_duration_seconds"),
	}

	s.NewGauge("dmux_sender_requests_in_flight", func() float64 {
		return float64(m.inFlight.Load())
	})
	s.NewGauge("dmux_sender_channels_open", func() float64 {
		return float64(m.openChannels.Load())
	})
	s.NewGauge("dmux_sender_batches_free", func() float64 {
		return float64(m.freeBatches.Load())
	})

	return m
}

// WritePrometheus writes the sender metrics in Prometheus text format to w
func (s *Sender) WritePrometheus(w io.Writer) {
	s.metrics.set.WritePrometheus(w)
}
