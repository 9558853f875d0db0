package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Inject writes the span context of ctx into message attributes.
func Inject(ctx context.Context, attributes map[string]string) {
	if attributes == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attributes))
}

// Extract restores a span context carried in message attributes.
func Extract(ctx context.Context, attributes map[string]string) context.Context {
	if len(attributes) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attributes))
}
