package transport

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/conf-sfu/internal/otel"
)

var (
	tokensGenerated metric.Int64Counter
	tokensFailed    metric.Int64Counter

	filesServed    metric.Int64Counter
	streamNotFound metric.Int64Counter
	dirCacheHits   metric.Int64Counter
	dirCacheMisses metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("hls.server", intotel.PrefixHTTP)

	f.Int64Counter(&tokensGenerated, "tokens.generated",
		metric.WithDescription("Total JWT tokens generated"))

	f.Int64Counter(&tokensFailed, "tokens.failed",
		metric.WithDescription("Failed token generation attempts"))

	f.Int64Counter(&filesServed, "hls.files.served",
		metric.WithDescription("HLS playlists and segments served"))

	f.Int64Counter(&streamNotFound, "hls.stream.not_found",
		metric.WithDescription("Requests for unknown stream directories"))

	f.Int64Counter(&dirCacheHits, "hls.dir_cache.hits",
		metric.WithDescription("Stream directory lookups answered from cache"))

	f.Int64Counter(&dirCacheMisses, "hls.dir_cache.misses",
		metric.WithDescription("Stream directory lookups that hit the filesystem"))
}
