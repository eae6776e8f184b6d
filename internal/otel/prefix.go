package otel

// Metric prefixes for each component
// Each component defines its own metric names and uses these prefixes
const (
	PrefixWorkers    = "workers"
	PrefixRooms      = "rooms"
	PrefixSignal     = "signal"
	PrefixCompositor = "hls_compositor"
	PrefixMonitor    = "hls_monitor"
	PrefixEngine     = "engine"
	PrefixHTTP       = "http"
)
