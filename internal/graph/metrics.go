package graph

import (
	"go.opentelemetry.io/otel/metric"

	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var meter = mnemosotel.Meter("github.com/mnemos-io/mnemos/internal/graph")

var (
	edgesCreated   metric.Int64Counter
	cyclesRejected metric.Int64Counter
)

func init() {
	var err error
	edgesCreated, err = meter.Int64Counter("graph.edges.created",
		metric.WithDescription("Graph edges inserted"))
	if err != nil {
		edgesCreated, _ = meter.Int64Counter("graph.edges.created.fallback")
	}

	cyclesRejected, err = meter.Int64Counter("graph.cycles.rejected",
		metric.WithDescription("depends_on inserts rejected for closing a cycle"))
	if err != nil {
		cyclesRejected, _ = meter.Int64Counter("graph.cycles.rejected.fallback")
	}
}
