package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitInstallsProviderAndPropagator(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, shutdown(context.Background())) })

	ctx, span := otel.Tracer("telemetry-test").Start(context.Background(), "op")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.NotEmpty(t, carrier.Get("traceparent"))
	assert.Contains(t, otel.GetTextMapPropagator().Fields(), "baggage")
}
