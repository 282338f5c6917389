package event

import (
	"go.opentelemetry.io/otel/metric"

	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var meter = mnemosotel.Meter("github.com/mnemos-io/mnemos/internal/event")

var appendsTotal metric.Int64Counter

func init() {
	var err error
	appendsTotal, err = meter.Int64Counter("events.appends.total",
		metric.WithDescription("Total events appended to the log"))
	if err != nil {
		appendsTotal, _ = meter.Int64Counter("events.appends.total.fallback")
	}
}
