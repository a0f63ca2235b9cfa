package messaging

import (
	"context"
)

// WildcardType 订阅该类型的处理器会收到传输层已读取的所有消息
const WildcardType = "*"

// Transport 消息传输接口
type Transport interface {
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Subscribe(messageType string, handler IMessageHandler) error
	Unsubscribe(messageType string, handler IMessageHandler) error
	Start(ctx context.Context) error
	Close() error
	Stats() TransportStats
}

// TransportStats 传输层统计信息
type TransportStats struct {
	Running      bool     `json:"running"`
	HandlerCount int      `json:"handler_count"`
	MessageTypes []string `json:"message_types"`
}

// Registry 按消息类型维护处理器列表，供各传输实现复用（调用方负责加锁）
type Registry map[string][]IMessageHandler

// Add 追加处理器
func (r Registry) Add(messageType string, handler IMessageHandler) {
	r[messageType] = append(r[messageType], handler)
}

// Remove 移除处理器，返回是否找到
func (r Registry) Remove(messageType string, handler IMessageHandler) bool {
	handlers := r[messageType]
	for i, h := range handlers {
		if h == handler {
			r[messageType] = append(handlers[:i:i], handlers[i+1:]...)
			if len(r[messageType]) == 0 {
				delete(r, messageType)
			}
			return true
		}
	}
	return false
}

// Match 返回精确匹配与通配处理器的副本
func (r Registry) Match(messageType string) []IMessageHandler {
	exact := r[messageType]
	wildcard := r[WildcardType]
	handlers := make([]IMessageHandler, 0, len(exact)+len(wildcard))
	handlers = append(handlers, exact...)
	if messageType != WildcardType {
		handlers = append(handlers, wildcard...)
	}
	return handlers
}

// Stats 汇总统计信息
func (r Registry) Stats(running bool) TransportStats {
	count := 0
	types := make([]string, 0, len(r))
	for mt, hs := range r {
		types = append(types, mt)
		count += len(hs)
	}
	return TransportStats{Running: running, HandlerCount: count, MessageTypes: types}
}
