package messaging

import (
	"context"
)

// IMessageHandler 消息处理器接口
type IMessageHandler interface {
	// Handle 处理消息
	Handle(ctx context.Context, message IMessage) error

	// Type 返回处理器类型（用于日志和调试）
	Type() string
}

// funcHandler 将函数适配为 IMessageHandler
type funcHandler struct {
	name string
	fn   HandlerFunc
}

// NewHandler 用函数构造处理器；同一个返回值才能被 Unsubscribe 识别
func NewHandler(name string, fn HandlerFunc) IMessageHandler {
	return &funcHandler{name: name, fn: fn}
}

func (h *funcHandler) Handle(ctx context.Context, message IMessage) error {
	return h.fn(ctx, message)
}

func (h *funcHandler) Type() string { return h.name }
