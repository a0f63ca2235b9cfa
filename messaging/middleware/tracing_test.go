package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"sagaflow/messaging"
)

func passthrough(ctx context.Context, m messaging.IMessage) error { return nil }

func TestTracingMiddleware_InjectsTraceContext(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	mw := NewTracingMiddleware(propagation.TraceContext{})
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	msg := messaging.NewEvent("evt-1", "SagaStarted", nil)
	require.NoError(t, mw.Handle(ctx, msg, passthrough))

	md := msg.GetMetadata()
	assert.Contains(t, md, "traceparent")
	assert.Equal(t, "evt-1", md[KeyCorrelationID])

	restored := mw.Extract(context.Background(), msg)
	sc := trace.SpanContextFromContext(restored)
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
}

func TestTracingMiddleware_KeepsExistingCorrelation(t *testing.T) {
	mw := NewTracingMiddleware(propagation.TraceContext{})
	msg := messaging.NewEvent("evt-2", "SagaFailed", nil)
	msg.SetMetadata(KeyCorrelationID, "order-42")

	ctx := WithCausation(context.Background(), "evt-1")
	require.NoError(t, mw.Handle(ctx, msg, passthrough))

	assert.Equal(t, "order-42", msg.GetMetadata()[KeyCorrelationID])
	assert.Equal(t, "evt-1", msg.GetMetadata()[KeyCausationID])
	assert.NotContains(t, msg.GetMetadata(), "traceparent")
	assert.Equal(t, "Tracing", mw.Name())
}
