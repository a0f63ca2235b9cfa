package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sagaflow/retry"
)

// Call 一次参与方调用的输入
type Call struct {
	InstanceID     string
	CorrelationID  string
	IdempotencyKey string
	StepName       string
	Direction      Direction
	// Attempt 当前物理尝试次数（从 1 开始）；幂等键在各次尝试间保持不变
	Attempt int
	Request []byte
	// ForwardResponse 补偿调用时携带对应正向步骤的响应
	ForwardResponse []byte
}

// Action 参与方的正向或补偿动作
//
// 返回 Reject(...) 表示业务拒绝（永久失败，不重试）；
// 其余错误视为传输或可用性错误，按步骤策略重试。
type Action func(ctx context.Context, call Call) ([]byte, error)

// IdempotencyKeyFunc 根据实例派生稳定的幂等键
type IdempotencyKeyFunc func(inst *Instance, stepName string, direction Direction) string

// DefaultIdempotencyKey 默认幂等键："<instanceID>:<step>:<direction>"
func DefaultIdempotencyKey(inst *Instance, stepName string, direction Direction) string {
	return fmt.Sprintf("%s:%s:%s", inst.ID, stepName, direction)
}

// StepSpec 步骤规格
type StepSpec struct {
	Name       string
	Forward    Action
	Compensate Action // nil 表示不可补偿

	// Timeout 单次尝试超时，0 使用引擎默认值
	Timeout        time.Duration
	Retry          retry.Policy
	IdempotencyKey IdempotencyKeyFunc
}

// Compensable 是否具备补偿动作
func (s StepSpec) Compensable() bool {
	return s.Compensate != nil
}

func (s StepSpec) action(direction Direction) Action {
	if direction == DirectionCompensate {
		return s.Compensate
	}
	return s.Forward
}

func (s StepSpec) idempotencyKey(inst *Instance, direction Direction) string {
	if s.IdempotencyKey != nil {
		return s.IdempotencyKey(inst, s.Name, direction)
	}
	return DefaultIdempotencyKey(inst, s.Name, direction)
}

// Definition Saga 定义：有名字的有序步骤列表，注册后不可变
type Definition struct {
	Name  string
	Steps []StepSpec

	// Deadline 可选的整体截止时长，到期行为等同取消；0 表示不限
	Deadline time.Duration

	// ValidateRequest 可选的触发请求校验
	ValidateRequest func(request []byte) error
}

// Validate 校验定义
func (d *Definition) Validate() error {
	if d.Name == "" {
		return NewInvalidDefinitionError(d.Name, "name is required")
	}
	if len(d.Steps) == 0 {
		return NewInvalidDefinitionError(d.Name, "at least one step is required")
	}
	if d.Deadline < 0 {
		return NewInvalidDefinitionError(d.Name, "deadline must not be negative")
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return NewInvalidDefinitionError(d.Name, fmt.Sprintf("step %d has no name", i))
		}
		if _, dup := seen[step.Name]; dup {
			return NewInvalidDefinitionError(d.Name, fmt.Sprintf("duplicate step name %q", step.Name))
		}
		seen[step.Name] = struct{}{}
		if step.Forward == nil {
			return NewInvalidDefinitionError(d.Name, fmt.Sprintf("step %q has no forward action", step.Name))
		}
		if step.Timeout < 0 {
			return NewInvalidDefinitionError(d.Name, fmt.Sprintf("step %q has a negative timeout", step.Name))
		}
		if err := step.Retry.Validate(); err != nil {
			return NewInvalidDefinitionError(d.Name, fmt.Sprintf("step %q: %v", step.Name, err))
		}
	}
	return nil
}

// StepIndex 按名字查找步骤下标
func (d *Definition) StepIndex(name string) int {
	for i, step := range d.Steps {
		if step.Name == name {
			return i
		}
	}
	return -1
}

// RejectionError 参与方的业务拒绝
type RejectionError struct {
	Reason string
	Cause  error
}

func (e *RejectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rejected: %s: %v", e.Reason, e.Cause)
	}
	return "rejected: " + e.Reason
}

func (e *RejectionError) Unwrap() error { return e.Cause }

// Reject 构造业务拒绝错误
func Reject(reason string) error {
	return &RejectionError{Reason: reason}
}

// RejectWith 以底层错误构造业务拒绝
func RejectWith(reason string, cause error) error {
	return &RejectionError{Reason: reason, Cause: cause}
}

// IsRejection 判断错误链中是否存在业务拒绝
func IsRejection(err error) bool {
	var rej *RejectionError
	return errors.As(err, &rej)
}
