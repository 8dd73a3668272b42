package room

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/meonardo/videoroom-rtc/internal/otel"
)

var (
	roomsJoined         metric.Int64Counter
	publishersJoined    metric.Int64Counter
	publishersLeft      metric.Int64Counter
	resetsTotal         metric.Int64Counter
	negotiationFailures metric.Int64Counter
	eventsDropped       metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("room.manager", intotel.PrefixRoom)

	f.Int64Counter(&roomsJoined, "joins.total",
		metric.WithDescription("Total successful room joins"))

	f.Int64Counter(&publishersJoined, "publishers.joined",
		metric.WithDescription("Total remote publishers attached"))

	f.Int64Counter(&publishersLeft, "publishers.left",
		metric.WithDescription("Total remote publishers departed"))

	f.Int64Counter(&resetsTotal, "resets.total",
		metric.WithDescription("Total full state resets"))

	f.Int64Counter(&negotiationFailures, "negotiation.failures",
		metric.WithDescription("Total failed offer/answer negotiations"))

	f.Int64Counter(&eventsDropped, "events.dropped",
		metric.WithDescription("Total bus events dropped for slow subscribers"))
}
