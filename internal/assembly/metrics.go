package assembly

import (
	"go.opentelemetry.io/otel/metric"

	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var meter = mnemosotel.Meter("github.com/mnemos-io/mnemos/internal/assembly")

var (
	assembliesTotal metric.Int64Counter
	budgetOverruns  metric.Int64Counter
)

func init() {
	var err error
	assembliesTotal, err = meter.Int64Counter("acb.assemblies.total",
		metric.WithDescription("ACBs assembled"))
	if err != nil {
		assembliesTotal, _ = meter.Int64Counter("acb.assemblies.total.fallback")
	}
	budgetOverruns, err = meter.Int64Counter("acb.budget.overruns",
		metric.WithDescription("Bundles that needed the global budget backstop trim"))
	if err != nil {
		budgetOverruns, _ = meter.Int64Counter("acb.budget.overruns.fallback")
	}
}
