package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	AttrTenantID       = attribute.Key("exoskull.tenant.id")
	AttrInterventionID = attribute.Key("exoskull.intervention.id")
	AttrInterventionTy = attribute.Key("exoskull.intervention.type")
	AttrSweep          = attribute.Key("exoskull.sweep")
	AttrOutcome        = attribute.Key("exoskull.outcome")
	AttrRoute          = attribute.Key("http.route")
	AttrOperation      = attribute.Key("exoskull.operation")
)

// SweepOperation labels a scheduled entry point.
func SweepOperation(sweep string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrSweep.String(sweep)}
}

// TenantOperation labels per-tenant work inside a sweep.
func TenantOperation(sweep, tenantID string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrSweep.String(sweep), AttrTenantID.String(tenantID)}
}

// InterventionOperation labels work on one intervention.
func InterventionOperation(tenantID, interventionID, interventionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrInterventionID.String(interventionID),
		AttrInterventionTy.String(interventionType),
	}
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the current span failed when err is non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
