package resilience

import (
	"context"

	"github.com/gitwithintent/gwi/telemetry"
)

// OTelMetricsCollector implements MetricsCollector on the OpenTelemetry
// meter so breaker health shows up next to the service metrics.
type OTelMetricsCollector struct {
	ctx context.Context
}

// NewOTelMetricsCollector creates a collector emitting through the global
// meter provider. The context is only used for metric emission.
func NewOTelMetricsCollector(ctx context.Context) *OTelMetricsCollector {
	if ctx == nil {
		ctx = context.Background()
	}
	return &OTelMetricsCollector{ctx: ctx}
}

func (o *OTelMetricsCollector) RecordSuccess(name string) {
	telemetry.Counter(o.ctx, "gwi.circuit_breaker.success", "breaker", name)
}

func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	telemetry.Counter(o.ctx, "gwi.circuit_breaker.failure",
		"breaker", name, "error_type", errorType)
}

func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	telemetry.Counter(o.ctx, "gwi.circuit_breaker.state_change",
		"breaker", name, "from", from, "to", to)
}

func (o *OTelMetricsCollector) RecordRejection(name string) {
	telemetry.Counter(o.ctx, "gwi.circuit_breaker.rejected", "breaker", name)
}

var _ MetricsCollector = (*OTelMetricsCollector)(nil)
