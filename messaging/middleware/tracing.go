// Package middleware 提供消息总线中间件
package middleware

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"sagaflow/messaging"
)

// 在 Metadata 中传播的字段名
const (
	KeyCorrelationID = "correlation_id"
	KeyCausationID   = "causation_id"
)

// TracingMiddleware 将链路信息写入消息元数据
//
// 规则：
//   - 当前 context 中的 OpenTelemetry span 通过 propagator 注入（traceparent 等键）；
//   - 缺失 correlation_id 时以消息 ID 兜底；
//   - 缺失 causation_id 时使用 context 中的上游消息 ID（见 WithCausation）。
type TracingMiddleware struct {
	propagator propagation.TextMapPropagator
}

// NewTracingMiddleware 创建中间件；propagator 为 nil 时使用全局 propagator
func NewTracingMiddleware(propagator propagation.TextMapPropagator) *TracingMiddleware {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return &TracingMiddleware{propagator: propagator}
}

func (m *TracingMiddleware) Name() string { return "Tracing" }

func (m *TracingMiddleware) Handle(ctx context.Context, message messaging.IMessage, next messaging.HandlerFunc) error {
	if message == nil {
		return next(ctx, message)
	}
	md := message.GetMetadata()

	carrier := propagation.MapCarrier{}
	m.propagator.Inject(ctx, carrier)
	for k, v := range carrier {
		if _, exists := md[k]; !exists {
			md[k] = v
		}
	}

	if isBlank(md[KeyCorrelationID]) {
		md[KeyCorrelationID] = message.GetID()
	}
	if isBlank(md[KeyCausationID]) {
		if caus, ok := ctx.Value(causationKey{}).(string); ok && caus != "" {
			md[KeyCausationID] = caus
		}
	}

	return next(ctx, message)
}

// Extract 从消息元数据恢复链路上下文，供消费方继续 span
func (m *TracingMiddleware) Extract(ctx context.Context, message messaging.IMessage) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range message.GetMetadata() {
		if s, ok := v.(string); ok {
			carrier[k] = s
		}
	}
	ctx = m.propagator.Extract(ctx, carrier)
	return WithCausation(ctx, message.GetID())
}

type causationKey struct{}

// WithCausation 标记后续发布的消息由 messageID 引起
func WithCausation(ctx context.Context, messageID string) context.Context {
	return context.WithValue(ctx, causationKey{}, messageID)
}

func isBlank(v any) bool {
	return v == nil || fmt.Sprint(v) == ""
}
