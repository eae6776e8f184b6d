package compositor

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/conf-sfu/internal/otel"
)

var (
	streamsStarted metric.Int64Counter
	streamsStopped metric.Int64Counter
	streamsFailed  metric.Int64Counter
	streamsActive  metric.Int64UpDownCounter
)

func init() {
	f := intotel.NewFactory("hls.compositor", intotel.PrefixCompositor)

	f.Int64Counter(&streamsStarted, "streams.started",
		metric.WithDescription("Composite streams whose transcoder was spawned"))

	f.Int64Counter(&streamsStopped, "streams.stopped",
		metric.WithDescription("Composite streams stopped on request or room teardown"))

	f.Int64Counter(&streamsFailed, "streams.failed",
		metric.WithDescription("Composite streams that failed to start, verify or keep running"))

	f.Int64UpDownCounter(&streamsActive, "streams.active",
		metric.WithDescription("Composite streams currently owning a transcoder"))
}
