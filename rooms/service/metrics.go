package service

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/imtaco/conf-sfu/internal/engine"
	intotel "github.com/imtaco/conf-sfu/internal/otel"
)

var (
	roomsCreated       metric.Int64Counter
	roomsClosed        metric.Int64Counter
	roomsActive        metric.Int64UpDownCounter
	participantsActive metric.Int64UpDownCounter
	producersCreated   metric.Int64Counter
	consumersCreated   metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("rooms.service", intotel.PrefixRooms)

	f.Int64Counter(&roomsCreated, "created",
		metric.WithDescription("Total number of rooms created"))

	f.Int64Counter(&roomsClosed, "closed",
		metric.WithDescription("Total number of rooms destroyed"))

	f.Int64UpDownCounter(&roomsActive, "active",
		metric.WithDescription("Number of live rooms"))

	f.Int64UpDownCounter(&participantsActive, "participants.active",
		metric.WithDescription("Number of participants across all rooms"))

	f.Int64Counter(&producersCreated, "producers.created",
		metric.WithDescription("Total number of producers created"))

	f.Int64Counter(&consumersCreated, "consumers.created",
		metric.WithDescription("Total number of consumers created"))
}

func withKind(kind engine.MediaKind) metric.AddOption {
	return metric.WithAttributes(attribute.String("kind", string(kind)))
}
