package saga

import (
	"encoding/json"
	"time"
)

// StepOutcome 一次逻辑步骤调用的结果记录（追加写，不可改写）
type StepOutcome struct {
	StepName        string    `json:"step_name"`
	StepIndex       int       `json:"step_index"`
	Direction       Direction `json:"direction"`
	Attempt         int       `json:"attempt"`
	Result          Result    `json:"result"`
	ResponsePayload []byte    `json:"response_payload,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Instance Saga 实例
//
// 实例只由 Engine 修改，每次持久化的修改都使 Version 加一。
// 存储层按 Version 做乐观并发控制，自身从不修改实例。
type Instance struct {
	ID             string `json:"instance_id"`
	DefinitionName string `json:"definition_name"`
	CorrelationID  string `json:"correlation_id,omitempty"`
	Status         Status `json:"status"`

	// CurrentStepIndex 下一个要执行的正向步骤（从 0 开始）
	CurrentStepIndex int           `json:"current_step_index"`
	Request          []byte        `json:"request,omitempty"`
	StepOutcomes     []StepOutcome `json:"step_outcomes"`

	// IrreversibleStepsSkipped 补偿时因无补偿动作而跳过的已成功步骤
	IrreversibleStepsSkipped []string `json:"irreversible_steps_skipped,omitempty"`
	// Irrecoverable 存在重试耗尽的补偿失败，需要人工处理
	Irrecoverable bool `json:"irrecoverable,omitempty"`

	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CancelReason    string    `json:"cancel_reason,omitempty"`
	DeadlineAt      time.Time `json:"deadline_at,omitempty"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}

// IsTerminal 是否处于终态
func (i *Instance) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// Clone 深拷贝实例
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Request = cloneBytes(i.Request)
	if i.StepOutcomes != nil {
		c.StepOutcomes = make([]StepOutcome, len(i.StepOutcomes))
		for idx, o := range i.StepOutcomes {
			o.ResponsePayload = cloneBytes(o.ResponsePayload)
			c.StepOutcomes[idx] = o
		}
	}
	if i.IrreversibleStepsSkipped != nil {
		c.IrreversibleStepsSkipped = append([]string(nil), i.IrreversibleStepsSkipped...)
	}
	return &c
}

// ToJSON 序列化实例
func (i *Instance) ToJSON() ([]byte, error) {
	return json.Marshal(i)
}

// InstanceFromJSON 反序列化实例
func InstanceFromJSON(data []byte) (*Instance, error) {
	var inst Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

// ForwardSucceeded 正向步骤 index 是否已成功
func (i *Instance) ForwardSucceeded(index int) (StepOutcome, bool) {
	for _, o := range i.StepOutcomes {
		if o.Direction == DirectionForward && o.StepIndex == index && o.Result == ResultSuccess {
			return o, true
		}
	}
	return StepOutcome{}, false
}

// Compensated 步骤 index 是否已有补偿记录（无论成败）
func (i *Instance) Compensated(index int) bool {
	for _, o := range i.StepOutcomes {
		if o.Direction == DirectionCompensate && o.StepIndex == index {
			return true
		}
	}
	return false
}

// HasForwardSuccess 是否存在任一成功的正向步骤
func (i *Instance) HasForwardSuccess() bool {
	for _, o := range i.StepOutcomes {
		if o.Direction == DirectionForward && o.Result == ResultSuccess {
			return true
		}
	}
	return false
}

// Skipped 步骤是否已被记为不可逆跳过
func (i *Instance) Skipped(stepName string) bool {
	for _, name := range i.IrreversibleStepsSkipped {
		if name == stepName {
			return true
		}
	}
	return false
}

// Trace 以 "step:DIRECTION:RESULT" 形式返回结果序列，便于审计与日志
func (i *Instance) Trace() []string {
	trace := make([]string, 0, len(i.StepOutcomes))
	for _, o := range i.StepOutcomes {
		trace = append(trace, o.StepName+":"+string(o.Direction)+":"+string(o.Result))
	}
	return trace
}

// leaseActive 租约是否被某个执行持有且未过期
func (i *Instance) leaseActive(now time.Time) bool {
	return i.LeaseOwner != "" && now.Before(i.LeaseExpiresAt)
}

// leaseHeldByOther 租约是否被 token 以外的存活执行持有
func (i *Instance) leaseHeldByOther(token string, now time.Time) bool {
	return i.LeaseOwner != token && i.leaseActive(now)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
