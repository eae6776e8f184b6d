package workers

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/imtaco/conf-sfu/internal/otel"
)

var (
	workersStarted  metric.Int64Counter
	workersDied     metric.Int64Counter
	selections      metric.Int64Counter
	usageSampleErrs metric.Int64Counter
	routersActive   metric.Int64UpDownCounter
)

func init() {
	f := intotel.NewFactory("workers", intotel.PrefixWorkers)

	f.Int64Counter(&workersStarted, "started",
		metric.WithDescription("Total number of engine workers started"))

	f.Int64Counter(&workersDied, "died",
		metric.WithDescription("Total number of engine workers that died"))

	f.Int64Counter(&selections, "selections",
		metric.WithDescription("Total number of worker selections for new rooms"))

	f.Int64Counter(&usageSampleErrs, "usage.errors",
		metric.WithDescription("Total number of failed resource usage samples"))

	f.Int64UpDownCounter(&routersActive, "routers.active",
		metric.WithDescription("Number of routers alive across all workers"))
}
