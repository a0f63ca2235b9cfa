package saga

import (
	"fmt"
	"time"
)

// EventType Saga 生命周期事件类型
type EventType string

const (
	EventSagaStarted           EventType = "SagaStarted"
	EventStepSucceeded         EventType = "StepSucceeded"
	EventStepFailed            EventType = "StepFailed"
	EventSagaCompensating      EventType = "SagaCompensating"
	EventCompensationSucceeded EventType = "CompensationSucceeded"
	EventCompensationFailed    EventType = "CompensationFailed"
	EventSagaCompleted         EventType = "SagaCompleted"
	EventSagaFailed            EventType = "SagaFailed"
	EventSagaCompensated       EventType = "SagaCompensated"
)

// EventTypes 返回全部事件类型
func EventTypes() []EventType {
	return []EventType{
		EventSagaStarted, EventStepSucceeded, EventStepFailed,
		EventSagaCompensating, EventCompensationSucceeded, EventCompensationFailed,
		EventSagaCompleted, EventSagaFailed, EventSagaCompensated,
	}
}

// Event Saga 生命周期事件
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	InstanceID     string    `json:"instance_id"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	DefinitionName string    `json:"definition_name"`
	Status         Status    `json:"status"`
	StepName       string    `json:"step_name,omitempty"`
	Permanent      bool      `json:"permanent,omitempty"`
	Error          string    `json:"error,omitempty"`
	Version        uint64    `json:"version"`
	Timestamp      time.Time `json:"timestamp"`
}

// newEvent 基于已持久化的实例构造事件
//
// 事件 ID 由实例 ID、版本、类型和步骤决定，实例被恢复后重发同一事件时
// 下游可据此去重。
func newEvent(t EventType, inst *Instance, stepName string) Event {
	id := fmt.Sprintf("%s:%d:%s", inst.ID, inst.Version, t)
	if stepName != "" {
		id += ":" + stepName
	}
	return Event{
		ID:             id,
		Type:           t,
		InstanceID:     inst.ID,
		CorrelationID:  inst.CorrelationID,
		DefinitionName: inst.DefinitionName,
		Status:         inst.Status,
		StepName:       stepName,
		Version:        inst.Version,
		Timestamp:      inst.UpdatedAt,
	}
}

// terminalEvent 终态对应的事件类型
func terminalEvent(s Status) EventType {
	switch s {
	case StatusCompleted:
		return EventSagaCompleted
	case StatusCompensated:
		return EventSagaCompensated
	default:
		return EventSagaFailed
	}
}
