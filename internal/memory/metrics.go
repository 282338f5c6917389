package memory

import (
	"go.opentelemetry.io/otel/metric"

	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var meter = mnemosotel.Meter("github.com/mnemos-io/mnemos/internal/memory")

var (
	chunksInserted    metric.Int64Counter
	editsProposed     metric.Int64Counter
	editsApproved     metric.Int64Counter
	searchesTotal     metric.Int64Counter
	resolvesRetracted metric.Int64Counter
)

func init() {
	var err error
	chunksInserted, err = meter.Int64Counter("memory.chunks.inserted",
		metric.WithDescription("Base chunks derived and inserted"))
	if err != nil {
		chunksInserted, _ = meter.Int64Counter("memory.chunks.inserted.fallback")
	}

	editsProposed, err = meter.Int64Counter("memory.edits.proposed",
		metric.WithDescription("Memory edits proposed"))
	if err != nil {
		editsProposed, _ = meter.Int64Counter("memory.edits.proposed.fallback")
	}

	editsApproved, err = meter.Int64Counter("memory.edits.approved",
		metric.WithDescription("Memory edits approved and applied"))
	if err != nil {
		editsApproved, _ = meter.Int64Counter("memory.edits.approved.fallback")
	}

	searchesTotal, err = meter.Int64Counter("memory.searches.total",
		metric.WithDescription("Effective-set searches"))
	if err != nil {
		searchesTotal, _ = meter.Int64Counter("memory.searches.total.fallback")
	}

	resolvesRetracted, err = meter.Int64Counter("memory.resolves.retracted",
		metric.WithDescription("Resolve calls that hit a retracted chunk"))
	if err != nil {
		resolvesRetracted, _ = meter.Int64Counter("memory.resolves.retracted.fallback")
	}
}
