package messaging

import (
	"context"
	"fmt"
	"sync"

	apperrors "sagaflow/errors"
)

// HandlerFunc 中间件链中的单个环节
type HandlerFunc func(ctx context.Context, message IMessage) error

// IMiddleware 发布侧中间件，在消息交给 Transport 之前执行
type IMiddleware interface {
	Handle(ctx context.Context, message IMessage, next HandlerFunc) error
	Name() string
}

// IMessageBus saga 事件发布器依赖的总线能力
type IMessageBus interface {
	Subscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Unsubscribe(ctx context.Context, messageType string, handler IMessageHandler) error
	Publish(ctx context.Context, message IMessage) error
	PublishAll(ctx context.Context, messages []IMessage) error
	Use(middleware IMiddleware)
}

// MessageBus 在 Transport 之上叠加中间件链
//
// 中间件按注册顺序执行；链在 Use 时重新组装，发布路径只读取快照。
// 发布失败统一包装为 QUEUE_ERROR，保留原始错误供 errors.Is 判断。
type MessageBus struct {
	transport Transport

	mu          sync.RWMutex
	middlewares []IMiddleware
	chain       func(final HandlerFunc) HandlerFunc
}

// NewMessageBus 创建消息总线
func NewMessageBus(transport Transport) *MessageBus {
	return &MessageBus{
		transport: transport,
		chain:     func(final HandlerFunc) HandlerFunc { return final },
	}
}

// Use 追加中间件
func (bus *MessageBus) Use(middleware IMiddleware) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.middlewares = append(bus.middlewares, middleware)

	mws := append([]IMiddleware(nil), bus.middlewares...)
	bus.chain = func(final HandlerFunc) HandlerFunc {
		next := final
		for i := len(mws) - 1; i >= 0; i-- {
			mw, inner := mws[i], next
			next = func(ctx context.Context, msg IMessage) error {
				return mw.Handle(ctx, msg, inner)
			}
		}
		return next
	}
}

// Middlewares 已注册中间件的名称
func (bus *MessageBus) Middlewares() []string {
	bus.mu.RLock()
	defer bus.mu.RUnlock()
	names := make([]string, 0, len(bus.middlewares))
	for _, mw := range bus.middlewares {
		names = append(names, mw.Name())
	}
	return names
}

func (bus *MessageBus) Start(ctx context.Context) error { return bus.transport.Start(ctx) }

func (bus *MessageBus) Close() error { return bus.transport.Close() }

func (bus *MessageBus) Stats() TransportStats { return bus.transport.Stats() }

func (bus *MessageBus) Subscribe(_ context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Subscribe(messageType, handler)
}

func (bus *MessageBus) Unsubscribe(_ context.Context, messageType string, handler IMessageHandler) error {
	return bus.transport.Unsubscribe(messageType, handler)
}

// Publish 经中间件链发布单条消息
func (bus *MessageBus) Publish(ctx context.Context, message IMessage) error {
	if err := validate(message); err != nil {
		return err
	}
	send := bus.compose(func(ctx context.Context, msg IMessage) error {
		return bus.transport.Publish(ctx, msg)
	})
	if err := send(ctx, message); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeQueue,
			fmt.Sprintf("publish %s %s", message.GetType(), message.GetID()))
	}
	return nil
}

// PublishAll 每条消息先各自走完中间件链，再整批交给 Transport
//
// 任一消息被中间件拒绝时整批不发布。
func (bus *MessageBus) PublishAll(ctx context.Context, messages []IMessage) error {
	if len(messages) == 0 {
		return nil
	}

	batch := make([]IMessage, 0, len(messages))
	collect := bus.compose(func(_ context.Context, msg IMessage) error {
		batch = append(batch, msg)
		return nil
	})
	for _, message := range messages {
		if err := validate(message); err != nil {
			return err
		}
		if err := collect(ctx, message); err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeQueue,
				fmt.Sprintf("publish %s %s", message.GetType(), message.GetID()))
		}
	}

	if err := bus.transport.PublishAll(ctx, batch); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeQueue,
			fmt.Sprintf("publish batch of %d messages", len(batch)))
	}
	return nil
}

func (bus *MessageBus) compose(final HandlerFunc) HandlerFunc {
	bus.mu.RLock()
	chain := bus.chain
	bus.mu.RUnlock()
	return chain(final)
}

func validate(message IMessage) error {
	if message == nil {
		return apperrors.NewError(apperrors.ErrCodeCodec, "message is nil")
	}
	if message.GetType() == "" {
		return apperrors.NewError(apperrors.ErrCodeCodec, "message type is required").
			WithContext("message_id", message.GetID())
	}
	return nil
}
