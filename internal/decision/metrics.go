package decision

import (
	"go.opentelemetry.io/otel/metric"

	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var meter = mnemosotel.Meter("github.com/mnemos-io/mnemos/internal/decision")

var (
	proposalsTotal     metric.Int64Counter
	supersessionsTotal metric.Int64Counter
)

func init() {
	var err error
	proposalsTotal, err = meter.Int64Counter("decisions.proposed.total",
		metric.WithDescription("Decisions proposed"))
	if err != nil {
		proposalsTotal, _ = meter.Int64Counter("decisions.proposed.total.fallback")
	}
	supersessionsTotal, err = meter.Int64Counter("decisions.superseded.total",
		metric.WithDescription("Decision supersessions"))
	if err != nil {
		supersessionsTotal, _ = meter.Int64Counter("decisions.superseded.total.fallback")
	}
}
