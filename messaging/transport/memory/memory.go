// Package memory 提供基于有界内存队列的异步消息传输
//
// Publish 只负责入队，由固定数量的 worker 取出后分发给处理器。处理器
// 错误只记日志，不会回传给发布方；队列满时立即返回错误而不是阻塞提交路径。
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	apperrors "sagaflow/errors"
	"sagaflow/logging"
	"sagaflow/messaging"
)

const (
	defaultQueueSize = 1024
	defaultWorkers   = 4
)

// ErrQueueFull 队列已满，错误码为 QUEUE_ERROR
var ErrQueueFull = apperrors.NewError(apperrors.ErrCodeQueue, "memory transport queue is full")

// Config 内存传输配置
type Config struct {
	QueueSize int
	Workers   int
	Logger    logging.ILogger
}

// Transport 异步内存传输
type Transport struct {
	cfg    Config
	logger logging.ILogger

	handlers messaging.Registry
	queue    chan messaging.IMessage
	wg       sync.WaitGroup
	mu       sync.RWMutex
	running  bool

	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewTransport 创建内存传输（未设置的配置项取默认值）
func NewTransport(cfg Config) *Transport {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.ComponentLogger("transport.memory")
	}
	return &Transport{
		cfg:      cfg,
		logger:   cfg.Logger,
		handlers: make(messaging.Registry),
	}
}

// Publish 将消息放入队列
func (t *Transport) Publish(ctx context.Context, message messaging.IMessage) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return fmt.Errorf("memory transport is not running")
	}
	return t.enqueue(ctx, message)
}

// PublishAll 依次入队，遇到第一个失败即返回
func (t *Transport) PublishAll(ctx context.Context, messages []messaging.IMessage) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return fmt.Errorf("memory transport is not running")
	}
	for _, message := range messages {
		if err := t.enqueue(ctx, message); err != nil {
			return fmt.Errorf("failed to publish message %s: %w", message.GetID(), err)
		}
	}
	return nil
}

// enqueue 调用方须持有读锁，保证 Close 不会在入队期间关闭队列
func (t *Transport) enqueue(ctx context.Context, message messaging.IMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case t.queue <- message:
		return nil
	default:
		t.dropped.Add(1)
		return ErrQueueFull
	}
}

// Subscribe 订阅消息处理器
func (t *Transport) Subscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers.Add(messageType, handler)
	return nil
}

// Unsubscribe 取消订阅
func (t *Transport) Unsubscribe(messageType string, handler messaging.IMessageHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.handlers.Remove(messageType, handler) {
		return fmt.Errorf("handler not found for message type %s", messageType)
	}
	return nil
}

// Start 创建队列并启动 worker；ctx 取消后 worker 不再分发新消息
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("memory transport is already running")
	}
	t.queue = make(chan messaging.IMessage, t.cfg.QueueSize)
	t.running = true
	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.work(ctx, t.queue)
	}
	t.logger.Debug(ctx, "memory transport started",
		logging.Int("workers", t.cfg.Workers),
		logging.Int("queue_size", t.cfg.QueueSize))
	return nil
}

// Close 停止接收新消息，等待队列中已有消息分发完毕（重复关闭无副作用）
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	close(t.queue)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}

// Stats 返回统计信息
func (t *Transport) Stats() messaging.TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handlers.Stats(t.running)
}

// Dropped 返回因队列已满被拒绝的消息数
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// HandlerFailures 返回处理器返回错误的次数
func (t *Transport) HandlerFailures() uint64 { return t.failed.Load() }

func (t *Transport) work(ctx context.Context, queue <-chan messaging.IMessage) {
	defer t.wg.Done()
	for {
		select {
		case message, ok := <-queue:
			if !ok {
				return
			}
			t.dispatch(ctx, message)
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, message messaging.IMessage) {
	t.mu.RLock()
	handlers := t.handlers.Match(message.GetType())
	t.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler.Handle(ctx, message); err != nil {
			t.failed.Add(1)
			t.logger.Warn(ctx, "message handler failed",
				logging.String("handler", handler.Type()),
				logging.String("message_type", message.GetType()),
				logging.String("message_id", message.GetID()),
				logging.Error(err))
		}
	}
}
