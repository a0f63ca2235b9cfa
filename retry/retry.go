// Package retry 提供显式的重试策略值与执行器
//
// 退避计算委托给 github.com/sethvargo/go-retry；本包负责策略描述、
// 校验以及尝试次数的统计。只有被 Retryable 包装的错误会触发重试，
// 其余错误立即返回。
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// Operation 可重试的操作函数类型
type Operation func(ctx context.Context) error

// OperationWithInfo 接收当前尝试次数（从 1 开始）的操作
type OperationWithInfo func(ctx context.Context, attempt int) error

// Policy 重试策略
type Policy struct {
	MaxRetries    uint64        // 首次之外的最大重试次数
	InitialDelay  time.Duration // 初始退避延迟
	MaxDelay      time.Duration // 单次退避上限，0 表示不设上限
	JitterPercent uint64        // 退避抖动百分比（0-100）
}

// DefaultPolicy 返回默认策略
//
// 默认值：
//   - MaxRetries: 3（共 4 次尝试）
//   - InitialDelay: 100ms，指数翻倍
//   - MaxDelay: 5s
//   - JitterPercent: 20
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:    3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 20,
	}
}

// NoRetry 只尝试一次
func NoRetry() Policy {
	return Policy{}
}

// Validate 校验策略取值
func (p Policy) Validate() error {
	if p.InitialDelay < 0 {
		return fmt.Errorf("retry: negative initial delay %s", p.InitialDelay)
	}
	if p.MaxDelay < 0 {
		return fmt.Errorf("retry: negative max delay %s", p.MaxDelay)
	}
	if p.JitterPercent > 100 {
		return fmt.Errorf("retry: jitter percent %d out of range", p.JitterPercent)
	}
	return nil
}

// MaxAttempts 返回总尝试次数（含首次）
func (p Policy) MaxAttempts() uint64 {
	return p.MaxRetries + 1
}

// Backoff 构造一次性使用的退避序列
//
// go-retry 的 Backoff 有内部状态，每次执行都必须重新构造。
func (p Policy) Backoff() goretry.Backoff {
	base := p.InitialDelay
	if base <= 0 {
		base = time.Nanosecond
	}

	b := goretry.NewExponential(base)
	if p.JitterPercent > 0 {
		b = goretry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	return goretry.WithMaxRetries(p.MaxRetries, b)
}

// Retryable 标记错误为可重试
func Retryable(err error) error {
	return goretry.RetryableError(err)
}

// Do 执行带重试的操作
//
// 参数：
//   - ctx: 上下文（支持取消，取消时返回 ctx.Err()）
//   - p: 重试策略
//   - op: 要执行的操作，返回 Retryable(err) 才会重试
//
// 返回：
//   - nil（任意一次尝试成功）
//   - 不可重试的错误，或重试耗尽后最后一次的原始错误
//
// 使用示例：
//
//	err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
//	    if err := call(); err != nil {
//	        return retry.Retryable(err)
//	    }
//	    return nil
//	})
func Do(ctx context.Context, p Policy, op Operation) error {
	return DoWithInfo(ctx, p, func(ctx context.Context, _ int) error {
		return op(ctx)
	})
}

// DoWithInfo 执行带重试的操作，每次尝试都会传入当前尝试次数
func DoWithInfo(ctx context.Context, p Policy, op OperationWithInfo) error {
	if err := p.Validate(); err != nil {
		return err
	}

	attempt := 0
	return goretry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempt++
		return op(ctx, attempt)
	})
}

// IsContextError 判断错误是否源于上下文取消或超时
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
