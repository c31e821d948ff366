package rdma

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are created off the global meter provider; they are no-ops
// until the daemon wires an exporter through the telemetry package.
var (
	meter = otel.Meter("github.com/clusterfs/rdmastack/internal/rdma")

	txCompletions     metric.Int64Counter
	rxCompletions     metric.Int64Counter
	recvBuffersPosted metric.Int64Counter
	blockingWakeups   metric.Int64Counter
)

func init() {
	var err error
	txCompletions, err = meter.Int64Counter(
		"rdmastack.tx_completions",
		metric.WithDescription("Send work completions drained"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		panic(err)
	}
	rxCompletions, err = meter.Int64Counter(
		"rdmastack.rx_completions",
		metric.WithDescription("Receive work completions drained"),
		metric.WithUnit("{completion}"),
	)
	if err != nil {
		panic(err)
	}
	recvBuffersPosted, err = meter.Int64Counter(
		"rdmastack.recv_buffers_posted",
		metric.WithDescription("Receive buffers posted to shared receive queues"),
		metric.WithUnit("{buffer}"),
	)
	if err != nil {
		panic(err)
	}
	blockingWakeups, err = meter.Int64Counter(
		"rdmastack.blocking_wakeups",
		metric.WithDescription("Wakeups of the blocking completion wait"),
		metric.WithUnit("{wakeup}"),
	)
	if err != nil {
		panic(err)
	}
}
