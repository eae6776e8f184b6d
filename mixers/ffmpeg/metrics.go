package ffmpeg

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/conf-sfu/internal/otel"
)

var (
	activeProcesses  metric.Int64UpDownCounter
	processesStarted metric.Int64Counter
	processesStopped metric.Int64Counter
	processesFailed  metric.Int64Counter
	segmentsWritten  metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("hls.compositor.ffmpeg", intotel.PrefixCompositor)

	f.Int64UpDownCounter(&activeProcesses, "ffmpeg.processes.active",
		metric.WithDescription("Number of running transcoder processes"))

	f.Int64Counter(&processesStarted, "ffmpeg.processes.started",
		metric.WithDescription("Total number of transcoder processes started"))

	f.Int64Counter(&processesStopped, "ffmpeg.processes.stopped",
		metric.WithDescription("Total number of transcoder processes stopped on request"))

	f.Int64Counter(&processesFailed, "ffmpeg.processes.failed",
		metric.WithDescription("Transcoder processes that failed to start or exited unexpectedly"))

	f.Int64Counter(&segmentsWritten, "ffmpeg.segments.written",
		metric.WithDescription("HLS segments completed"))
}
