// Package messaging 提供消息总线与传输层抽象
//
// saga 引擎把生命周期事件编码为 Message 发布到总线，具体投递由
// Transport（进程内同步、NATS JetStream、Redis Streams）负责。
package messaging

import (
	"fmt"
	"time"
)

// 消息类别常量（写入 Metadata 的 kind 字段）
const (
	MessageKindEvent   = "event"
	MessageKindCommand = "command"

	MetaKind = "kind"
)

// IMessage 消息接口
type IMessage interface {
	GetID() string
	GetType() string
	GetTimestamp() time.Time
	GetPayload() any
	GetMetadata() map[string]any
}

// Message 消息基础实现
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   any            `json:"payload"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (m *Message) GetID() string { return m.ID }

func (m *Message) GetType() string { return m.Type }

func (m *Message) GetTimestamp() time.Time { return m.Timestamp }

func (m *Message) GetPayload() any { return m.Payload }

// GetMetadata 获取元数据（惰性初始化，返回的 map 可直接写入）
func (m *Message) GetMetadata() map[string]any {
	if m.Metadata == nil {
		m.Metadata = make(map[string]any)
	}
	return m.Metadata
}

// SetMetadata 设置元数据
func (m *Message) SetMetadata(key string, value any) {
	m.GetMetadata()[key] = value
}

// NewMessage 创建新消息
func NewMessage(messageID, messageType string, data any) *Message {
	return &Message{
		ID:        messageID,
		Type:      messageType,
		Timestamp: time.Now(),
		Payload:   data,
		Metadata:  make(map[string]any),
	}
}

// NewEvent 创建事件类消息
func NewEvent(messageID, messageType string, data any) *Message {
	m := NewMessage(messageID, messageType, data)
	m.Metadata[MetaKind] = MessageKindEvent
	return m
}

// MetadataString 读取字符串元数据；值不是字符串时按 %v 格式化，缺失返回空串
func MetadataString(message IMessage, key string) string {
	v, ok := message.GetMetadata()[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
