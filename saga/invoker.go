package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sagaflow/logging"
	"sagaflow/retry"
)

const tracerName = "sagaflow/saga"

// DefaultStepTimeout 步骤未声明超时时使用的单次尝试超时
const DefaultStepTimeout = 10 * time.Second

// Invoker 步骤调用器
//
// 对单个步骤的正向或补偿动作执行一次逻辑调用：每次物理尝试单独计时，
// 传输错误与超时按步骤的重试策略退避重试，业务拒绝立即失败。
// 幂等键在一次逻辑调用内只计算一次。
type Invoker struct {
	defaultTimeout time.Duration
	tracer         trace.Tracer
	metrics        *Metrics
	logger         logging.ILogger
}

// InvokerOption 调用器选项
type InvokerOption func(*Invoker)

// WithDefaultTimeout 设置默认单次尝试超时
func WithDefaultTimeout(d time.Duration) InvokerOption {
	return func(v *Invoker) {
		if d > 0 {
			v.defaultTimeout = d
		}
	}
}

// WithTracerProvider 设置链路追踪提供者
func WithTracerProvider(tp trace.TracerProvider) InvokerOption {
	return func(v *Invoker) {
		if tp != nil {
			v.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithInvokerMetrics 设置指标
func WithInvokerMetrics(m *Metrics) InvokerOption {
	return func(v *Invoker) { v.metrics = m }
}

// WithInvokerLogger 设置日志
func WithInvokerLogger(l logging.ILogger) InvokerOption {
	return func(v *Invoker) {
		if l != nil {
			v.logger = l
		}
	}
}

// NewInvoker 创建调用器
func NewInvoker(opts ...InvokerOption) *Invoker {
	v := &Invoker{
		defaultTimeout: DefaultStepTimeout,
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		logger:         logging.ComponentLogger("saga.invoker"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Invoke 执行一次逻辑步骤调用
//
// 参数：
//   - ctx: 上下文；取消时不产生结果，返回 ctx 错误
//   - spec: 步骤规格
//   - direction: FORWARD 或 COMPENSATE
//   - inst: 当前实例（只读）
//
// 返回：
//   - StepOutcome: SUCCESS；业务拒绝为 FAILED_PERMANENT；
//     重试耗尽为 FAILED_TRANSIENT（引擎按永久失败记录）
//   - error: 仅在上下文取消或调用参数非法时返回
func (v *Invoker) Invoke(ctx context.Context, spec StepSpec, direction Direction, inst *Instance) (StepOutcome, error) {
	action := spec.action(direction)
	if action == nil {
		return StepOutcome{}, fmt.Errorf("saga: step %q has no %s action", spec.Name, direction)
	}

	stepIndex := inst.CurrentStepIndex
	var forwardResponse []byte
	if direction == DirectionCompensate {
		fwd, ok := findForwardSuccess(inst, spec.Name)
		if !ok {
			return StepOutcome{}, fmt.Errorf("saga: step %q has no successful forward outcome to compensate", spec.Name)
		}
		stepIndex = fwd.StepIndex
		forwardResponse = fwd.ResponsePayload
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = v.defaultTimeout
	}

	call := Call{
		InstanceID:      inst.ID,
		CorrelationID:   inst.CorrelationID,
		IdempotencyKey:  spec.idempotencyKey(inst, direction),
		StepName:        spec.Name,
		Direction:       direction,
		Request:         inst.Request,
		ForwardResponse: forwardResponse,
	}

	ctx, span := v.tracer.Start(ctx, "saga.step."+strings.ToLower(string(direction)),
		trace.WithAttributes(
			attribute.String("saga.instance_id", inst.ID),
			attribute.String("saga.definition", inst.DefinitionName),
			attribute.String("saga.step", spec.Name),
			attribute.String("saga.direction", string(direction)),
			attribute.String("saga.idempotency_key", call.IdempotencyKey),
		))
	defer span.End()

	start := time.Now()
	var (
		attempts int
		payload  []byte
		lastErr  error
		rejected bool
	)

	err := retry.DoWithInfo(ctx, spec.Retry, func(ctx context.Context, attempt int) error {
		attempts = attempt
		v.metrics.stepAttempt(inst.DefinitionName, spec.Name, direction)

		c := call
		c.Attempt = attempt
		resp, err := v.attempt(ctx, action, c, timeout)
		if err == nil {
			payload = resp
			return nil
		}

		lastErr = err
		if IsRejection(err) {
			rejected = true
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		v.logger.Debug(ctx, "step attempt failed",
			logging.String("saga_id", inst.ID),
			logging.String("step", spec.Name),
			logging.String("direction", string(direction)),
			logging.Int("attempt", attempt),
			logging.Error(err))
		return retry.Retryable(err)
	})

	outcome := StepOutcome{
		StepName:  spec.Name,
		StepIndex: stepIndex,
		Direction: direction,
		Attempt:   attempts,
		Timestamp: time.Now(),
	}

	switch {
	case err == nil:
		outcome.Result = ResultSuccess
		outcome.ResponsePayload = payload
	case rejected:
		outcome.Result = ResultFailedPermanent
		outcome.Error = lastErr.Error()
	case ctx.Err() != nil:
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "invocation interrupted")
		return StepOutcome{}, ctx.Err()
	default:
		outcome.Result = ResultFailedTransient
		if lastErr == nil {
			lastErr = err
		}
		outcome.Error = lastErr.Error()
	}

	span.SetAttributes(
		attribute.Int("saga.attempts", attempts),
		attribute.String("saga.result", string(outcome.Result)),
	)
	if outcome.Result != ResultSuccess {
		span.RecordError(lastErr)
		span.SetStatus(codes.Error, outcome.Error)
		v.logger.Warn(ctx, "step invocation failed",
			logging.String("saga_id", inst.ID),
			logging.String("step", spec.Name),
			logging.String("direction", string(direction)),
			logging.String("result", string(outcome.Result)),
			logging.Int("attempts", attempts),
			logging.Error(lastErr))
	}
	v.metrics.stepFinished(inst.DefinitionName, spec.Name, direction, outcome.Result, time.Since(start))

	return outcome, nil
}

type attemptResult struct {
	payload []byte
	err     error
}

// attempt 以单次超时执行一次物理调用，参与方 panic 按传输错误处理
func (v *Invoker) attempt(ctx context.Context, action Action, call Call, timeout time.Duration) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- attemptResult{err: fmt.Errorf("participant panic: %v", r)}
			}
		}()
		resp, err := action(actx, call)
		ch <- attemptResult{payload: resp, err: err}
	}()

	select {
	case r := <-ch:
		return r.payload, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("step %q attempt %d timed out after %s: %w",
			call.StepName, call.Attempt, timeout, actx.Err())
	}
}

func findForwardSuccess(inst *Instance, stepName string) (StepOutcome, bool) {
	for _, o := range inst.StepOutcomes {
		if o.Direction == DirectionForward && o.StepName == stepName && o.Result == ResultSuccess {
			return o, true
		}
	}
	return StepOutcome{}, false
}
