package signaling

import (
	"go.opentelemetry.io/otel/metric"

	intotel "github.com/meonardo/videoroom-rtc/internal/otel"
)

var (
	// Frame metrics
	messagesReceived metric.Int64Counter
	messagesSent     metric.Int64Counter
	messagesFailed   metric.Int64Counter
	framesMalformed  metric.Int64Counter

	// Connection metrics
	disconnectsTotal metric.Int64Counter
	reconnectsTotal  metric.Int64Counter

	// Request correlation metrics
	requestsTimedOut metric.Int64Counter
	requestLatency   metric.Float64Histogram
)

func init() {
	f := intotel.NewFactory("signaling.client", intotel.PrefixSignaling)

	f.Int64Counter(&messagesReceived, "messages.received",
		metric.WithDescription("Total frames received from the server"))

	f.Int64Counter(&messagesSent, "messages.sent",
		metric.WithDescription("Total frames sent to the server"))

	f.Int64Counter(&messagesFailed, "messages.failed",
		metric.WithDescription("Total outbound frames that failed to send"))

	f.Int64Counter(&framesMalformed, "frames.malformed",
		metric.WithDescription("Total inbound frames dropped as malformed"))

	f.Int64Counter(&disconnectsTotal, "disconnects.total",
		metric.WithDescription("Total unexpected signaling disconnections"))

	f.Int64Counter(&reconnectsTotal, "reconnects.total",
		metric.WithDescription("Total reconnect attempts"))

	f.Int64Counter(&requestsTimedOut, "requests.timed_out",
		metric.WithDescription("Total requests that never received a reply"))

	f.Float64Histogram(&requestLatency, "request.latency",
		metric.WithDescription("Request to reply latency in seconds"),
		metric.WithUnit("s"))
}
