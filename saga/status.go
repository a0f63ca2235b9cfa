package saga

import (
	"context"
	"fmt"
	"strings"

	"github.com/qmuntal/stateless"
)

// Status Saga 实例状态
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusCompensated  Status = "COMPENSATED"
)

// IsTerminal 是否为终态（COMPLETED、FAILED、COMPENSATED）
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCompensated:
		return true
	default:
		return false
	}
}

// NonTerminalStatuses 恢复扫描关心的状态集合
func NonTerminalStatuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusCompensating}
}

// ParseStatus 解析状态名，大小写不敏感
func ParseStatus(name string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(name)))
	switch st {
	case StatusPending, StatusRunning, StatusCompensating,
		StatusCompleted, StatusFailed, StatusCompensated:
		return st, true
	}
	return "", false
}

// Direction 调用方向
type Direction string

const (
	DirectionForward    Direction = "FORWARD"
	DirectionCompensate Direction = "COMPENSATE"
)

// Result 单次步骤调用结果
type Result string

const (
	ResultSuccess         Result = "SUCCESS"
	ResultFailedTransient Result = "FAILED_TRANSIENT"
	ResultFailedPermanent Result = "FAILED_PERMANENT"
)

// trigger 状态迁移触发器
type trigger string

const (
	triggerDispatch    trigger = "dispatch"
	triggerComplete    trigger = "complete"
	triggerFail        trigger = "fail"
	triggerCompensate  trigger = "compensate"
	triggerCompensated trigger = "compensated"
)

// transition 在实例上触发一次状态迁移
//
// 状态机以实例的 Status 字段作为外部存储，每次调用重新构造，
// 不在实例之间共享任何可变状态。非法迁移返回 SAGA_INVALID_TRANSITION。
func transition(ctx context.Context, inst *Instance, t trigger) error {
	sm := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (stateless.State, error) {
			return inst.Status, nil
		},
		func(_ context.Context, s stateless.State) error {
			inst.Status = s.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	sm.Configure(StatusPending).
		Permit(triggerDispatch, StatusRunning).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusFailed).
		Permit(triggerCompensate, StatusCompensating)

	sm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerFail, StatusFailed)

	from := inst.Status
	if err := sm.FireCtx(ctx, t); err != nil {
		return NewInvalidTransitionError(inst.ID, fmt.Sprintf("%s --%s--> ?", from, t), err)
	}
	return nil
}
