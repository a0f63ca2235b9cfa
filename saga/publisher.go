package saga

import (
	"context"
	"sync"

	"sagaflow/messaging"
)

// 事件消息元数据键
const (
	MetaSagaID        = "saga_id"
	MetaCorrelationID = "correlation_id"
	MetaDefinition    = "saga_definition"
	MetaStatus        = "status"
	MetaStep          = "step"
)

// IEventPublisher 事件发布接口
//
// 发布失败只记录日志，不影响实例状态。
type IEventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NoopPublisher 丢弃所有事件
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Event) error { return nil }

// MemoryPublisher 在内存中记录事件，用于测试与嵌入式场景
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher 创建内存发布器
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Events 返回已记录事件的副本
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// EventsFor 返回某实例的事件
func (p *MemoryPublisher) EventsFor(instanceID string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, e := range p.events {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out
}

// Types 返回某实例的事件类型序列
func (p *MemoryPublisher) Types(instanceID string) []EventType {
	events := p.EventsFor(instanceID)
	types := make([]EventType, 0, len(events))
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

// BusPublisher 把事件作为 messaging.Message 发布到消息总线
//
// 消息类型即事件名，元数据携带 saga_id 与 correlation_id，
// 任意 Transport（sync、NATS JetStream、Redis Streams）都可承载。
type BusPublisher struct {
	bus messaging.IMessageBus
}

// NewBusPublisher 创建总线发布器
func NewBusPublisher(bus messaging.IMessageBus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) Publish(ctx context.Context, event Event) error {
	msg := messaging.NewEvent(event.ID, string(event.Type), event)
	msg.Timestamp = event.Timestamp
	msg.SetMetadata(MetaSagaID, event.InstanceID)
	msg.SetMetadata(MetaCorrelationID, event.CorrelationID)
	msg.SetMetadata(MetaDefinition, event.DefinitionName)
	msg.SetMetadata(MetaStatus, string(event.Status))
	if event.StepName != "" {
		msg.SetMetadata(MetaStep, event.StepName)
	}
	return p.bus.Publish(ctx, msg)
}

// EventFromMessage 从总线消息还原事件
//
// 进程内传输直接携带 Event 值；跨进程传输的负载是 JSON，需要解码。
func EventFromMessage(msg messaging.IMessage) (Event, error) {
	switch p := msg.GetPayload().(type) {
	case Event:
		return p, nil
	case *Event:
		return *p, nil
	}

	var event Event
	if err := messaging.DecodePayload(msg, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}
