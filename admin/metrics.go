package admin

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/meonardo/videoroom-rtc/internal/otel"
)

var (
	requestsTotal  metric.Int64Counter
	requestsFailed metric.Int64Counter
)

func init() {
	f := intotel.NewFactory("admin.api", intotel.PrefixAdmin)

	f.Int64Counter(&requestsTotal, "requests.total",
		metric.WithDescription("Total Janus REST requests"))

	f.Int64Counter(&requestsFailed, "requests.failed",
		metric.WithDescription("Total failed Janus REST requests"))
}
