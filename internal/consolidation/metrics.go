package consolidation

import (
	"go.opentelemetry.io/otel/metric"

	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var meter = mnemosotel.Meter("github.com/mnemos-io/mnemos/internal/consolidation")

var (
	handoffsRecorded metric.Int64Counter
	runsTotal        metric.Int64Counter
	tenantFailures   metric.Int64Counter
	decayedTotal     metric.Int64Counter
)

func init() {
	var err error
	handoffsRecorded, err = meter.Int64Counter("consolidation.handoffs.recorded",
		metric.WithDescription("Session handoffs recorded"))
	if err != nil {
		handoffsRecorded, _ = meter.Int64Counter("consolidation.handoffs.recorded.fallback")
	}

	runsTotal, err = meter.Int64Counter("consolidation.runs.total",
		metric.WithDescription("Consolidation jobs completed"))
	if err != nil {
		runsTotal, _ = meter.Int64Counter("consolidation.runs.total.fallback")
	}

	tenantFailures, err = meter.Int64Counter("consolidation.tenant.failures",
		metric.WithDescription("Per-tenant extraction failures during a run"))
	if err != nil {
		tenantFailures, _ = meter.Int64Counter("consolidation.tenant.failures.fallback")
	}

	decayedTotal, err = meter.Int64Counter("consolidation.handoffs.decayed",
		metric.WithDescription("Handoffs whose memory strength was decayed"))
	if err != nil {
		decayedTotal, _ = meter.Int64Counter("consolidation.handoffs.decayed.fallback")
	}
}
