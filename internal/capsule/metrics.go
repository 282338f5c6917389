package capsule

import (
	"go.opentelemetry.io/otel/metric"

	mnemosotel "github.com/mnemos-io/mnemos/internal/otel"
)

var meter = mnemosotel.Meter("github.com/mnemos-io/mnemos/internal/capsule")

var (
	createsTotal metric.Int64Counter
	revokesTotal metric.Int64Counter
)

func init() {
	var err error
	createsTotal, err = meter.Int64Counter("capsules.created.total",
		metric.WithDescription("Capsules created"))
	if err != nil {
		createsTotal, _ = meter.Int64Counter("capsules.created.total.fallback")
	}
	revokesTotal, err = meter.Int64Counter("capsules.revoked.total",
		metric.WithDescription("Capsules revoked"))
	if err != nil {
		revokesTotal, _ = meter.Int64Counter("capsules.revoked.total.fallback")
	}
}
