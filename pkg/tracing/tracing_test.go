package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/wiretide/wiretide/pkg/config"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	ctx := context.Background()
	provider, err := Setup(ctx, "wiretide-server", "test", config.TracingConfig{}, zerolog.Nop())
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupRejectsEmptyEndpoint(t *testing.T) {
	_, err := Setup(context.Background(), "wiretide-server", "test",
		config.TracingConfig{Endpoint: "https://"}, zerolog.Nop())
	require.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestLogExporterWritesSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(NewLogExporter(logger))),
	)
	ctx := context.Background()
	_, span := provider.Tracer("test").Start(ctx, "registry.approve")
	span.SetAttributes(attribute.String("device.mac", "aa:bb:cc:dd:ee:ff"))
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	out := buf.String()
	require.Contains(t, out, `"span_name":"registry.approve"`)
	require.Contains(t, out, `"device.mac":"aa:bb:cc:dd:ee:ff"`)
}

func TestRecorder(t *testing.T) {
	rec := NewRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tr := provider.Tracer("test")
	_, a := tr.Start(context.Background(), "a")
	a.End()
	_, b := tr.Start(context.Background(), "b")
	b.End()

	require.Len(t, rec.Completed(), 2)
	require.NotNil(t, rec.Named("b"))
	require.Nil(t, rec.Named("c"))
}
