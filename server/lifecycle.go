// Package server 定义进程级生命周期：加载配置、装配依赖、启动后台任务、
// 运行主服务，收到信号或主服务退出后按相反顺序优雅关闭。
package server

import (
	"context"
	"time"

	"sagaflow/logging"
)

// State 生命周期状态
type State int32

const (
	StatePending State = iota
	StateInitializing
	StatePrepared
	StateRunning
	StateStopping
	StateStopped
	StateError
)

// String 返回状态名
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateInitializing:
		return "Initializing"
	case StatePrepared:
		return "Prepared"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// IServer 由具体进程实现的生命周期步骤
type IServer interface {
	Name() string

	// LoadConfig 解析并校验配置
	LoadConfig() error

	// SetupDependencies 建立存储、传输等连接并组装组件，ctx 带启动超时
	SetupDependencies(ctx context.Context) error

	// StartBackgroundTasks 启动非阻塞后台任务（恢复扫描、消息消费），
	// ctx 在进程退出时取消
	StartBackgroundTasks(ctx context.Context) error

	// Run 阻塞运行主服务；返回 nil 视为正常退出
	Run(ctx context.Context) error

	// Shutdown 释放资源，ctx 带关闭超时
	Shutdown(ctx context.Context) error
}

// Hook 生命周期回调
type Hook func(ctx context.Context) error

// Options 运行参数
type Options struct {
	Name            string
	Version         string
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          logging.ILogger

	OnBeforeStart []Hook
	OnAfterStop   []Hook
}

// Option 修改 Options
type Option func(*Options)

// DefaultOptions 默认参数
func DefaultOptions() *Options {
	return &Options{
		Name:            "sagad",
		Version:         "dev",
		StartupTimeout:  30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// WithVersion 设置版本号（仅用于日志）
func WithVersion(version string) Option {
	return func(o *Options) { o.Version = version }
}

// WithStartupTimeout 设置依赖装配超时
func WithStartupTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.StartupTimeout = d
		}
	}
}

// WithShutdownTimeout 设置优雅关闭超时
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.ShutdownTimeout = d
		}
	}
}

// WithLogger 设置生命周期日志
func WithLogger(l logging.ILogger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithBeforeStart 添加后台任务启动前的回调
func WithBeforeStart(fn Hook) Option {
	return func(o *Options) { o.OnBeforeStart = append(o.OnBeforeStart, fn) }
}

// WithAfterStop 添加关闭完成后的回调
func WithAfterStop(fn Hook) Option {
	return func(o *Options) { o.OnAfterStop = append(o.OnAfterStop, fn) }
}
