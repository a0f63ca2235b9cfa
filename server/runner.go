package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"sagaflow/logging"
)

// Runner 按固定顺序驱动 IServer：
// LoadConfig -> SetupDependencies -> StartBackgroundTasks -> Run -> 等待退出 -> Shutdown
type Runner struct {
	server  IServer
	options *Options
	state   atomic.Int32
	signals []os.Signal
}

// NewRunner 创建运行器
func NewRunner(server IServer, opts ...Option) *Runner {
	options := DefaultOptions()
	if name := server.Name(); name != "" {
		options.Name = name
	}
	for _, o := range opts {
		o(options)
	}
	if options.Logger == nil {
		options.Logger = logging.ComponentLogger("server")
	}
	return &Runner{
		server:  server,
		options: options,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// State 当前状态
func (r *Runner) State() State {
	return State(r.state.Load())
}

func (r *Runner) setState(s State) {
	r.state.Store(int32(s))
}

// Start 执行完整生命周期，直到 parent 取消、收到退出信号或 Run 返回
func (r *Runner) Start(parent context.Context) error {
	log := r.options.Logger.WithFields(logging.String("service", r.options.Name))

	ctx, stop := signal.NotifyContext(parent, r.signals...)
	defer stop()

	log.Info(ctx, "starting", logging.String("version", r.options.Version))
	r.setState(StateInitializing)

	if err := r.server.LoadConfig(); err != nil {
		r.setState(StateError)
		return fmt.Errorf("failed to load config: %w", err)
	}

	setupCtx, setupCancel := context.WithTimeout(ctx, r.options.StartupTimeout)
	err := r.server.SetupDependencies(setupCtx)
	setupCancel()
	if err != nil {
		r.setState(StateError)
		return fmt.Errorf("failed to setup dependencies: %w", err)
	}
	r.setState(StatePrepared)

	for _, hook := range r.options.OnBeforeStart {
		if err := hook(ctx); err != nil {
			r.setState(StateError)
			r.shutdown(log)
			return fmt.Errorf("before start hook failed: %w", err)
		}
	}

	// 后台任务使用独立的可取消 context，保证 Run 提前返回时它们也会停止
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if err := r.server.StartBackgroundTasks(bgCtx); err != nil {
		r.setState(StateError)
		bgCancel()
		r.shutdown(log)
		return fmt.Errorf("failed to start background tasks: %w", err)
	}

	r.setState(StateRunning)
	errCh := make(chan error, 1)
	go func() { errCh <- r.server.Run(bgCtx) }()

	var runErr error
	select {
	case runErr = <-errCh:
		if runErr != nil {
			log.Error(ctx, "server stopped with error", logging.Error(runErr))
		} else {
			log.Info(ctx, "server stopped")
		}
	case <-ctx.Done():
		log.Info(context.Background(), "shutdown requested", logging.Error(context.Cause(ctx)))
	}
	bgCancel()

	r.setState(StateStopping)
	if err := r.shutdown(log); err != nil {
		r.setState(StateError)
		return err
	}
	if runErr != nil {
		r.setState(StateError)
		return fmt.Errorf("server execution error: %w", runErr)
	}
	r.setState(StateStopped)
	log.Info(context.Background(), "shutdown complete")
	return nil
}

func (r *Runner) shutdown(log logging.ILogger) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.options.ShutdownTimeout)
	defer cancel()

	if err := r.server.Shutdown(ctx); err != nil {
		log.Error(ctx, "shutdown failed", logging.Error(err))
		return fmt.Errorf("shutdown failed: %w", err)
	}
	for _, hook := range r.options.OnAfterStop {
		if err := hook(ctx); err != nil {
			log.Warn(ctx, "after stop hook failed", logging.Error(err))
		}
	}
	return nil
}
