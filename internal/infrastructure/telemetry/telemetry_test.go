package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestProviderExportsSpans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	p := newProvider(Config{ServiceName: "autoholds-test", SampleRatio: 1}, exporter, nil)
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	_, span := p.Tracer("test").Start(ctx, "autoholds.run")
	span.End()
	require.NoError(t, p.tp.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "autoholds.run", spans[0].Name)
	assert.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceName("autoholds-test"))
}

func TestProviderSamplesNothingAtZeroRatio(t *testing.T) {
	t.Parallel()
	exporter := tracetest.NewInMemoryExporter()
	p := newProvider(Config{ServiceName: "autoholds-test"}, exporter, nil)

	ctx := context.Background()
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	_, span := p.Tracer("test").Start(ctx, "autoholds.run")
	span.End()
	require.NoError(t, p.tp.ForceFlush(ctx))

	assert.Empty(t, exporter.GetSpans())
}
