package watcher

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/conf-sfu/internal/otel"
)

var (
	watchesStarted metric.Int64Counter
	watchesReady   metric.Int64Counter
	watchesFailed  metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("hls.monitor", intotel.PrefixMonitor)

	f.Int64Counter(&watchesStarted, "watches.started",
		metric.WithDescription("Streams submitted for readiness verification"))

	f.Int64Counter(&watchesReady, "watches.ready",
		metric.WithDescription("Streams verified playable"))

	f.Int64Counter(&watchesFailed, "watches.failed",
		metric.WithDescription("Streams that timed out before becoming playable"))
}
