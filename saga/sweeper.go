package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"sagaflow/logging"
)

// IResumer 恢复实例的能力（Engine 实现）
type IResumer interface {
	ResumeSaga(ctx context.Context, instanceID string) (Status, error)
}

// 默认扫描参数
const (
	DefaultSweepSchedule    = "@every 30s"
	DefaultSweepConcurrency = 8
)

// Sweeper 恢复扫描器
//
// 周期性列出未终结实例并交给引擎恢复；自身没有状态机，
// 完全依赖 ResumeSaga 的幂等性与租约互斥。
type Sweeper struct {
	store       IStore
	resumer     IResumer
	schedule    cron.Schedule
	spec        string
	concurrency int
	runOnStart  bool
	logger      logging.ILogger
	metrics     *Metrics

	mu       sync.Mutex
	cron     *cron.Cron
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// SweeperOption 扫描器选项
type SweeperOption func(*Sweeper)

// WithSweepSchedule 设置 cron 表达式（支持 @every 等描述符）
func WithSweepSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// WithSweepInterval 以固定间隔扫描
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.spec = "@every " + d.String()
		}
	}
}

// WithSweepConcurrency 设置单次扫描的并发恢复数
func WithSweepConcurrency(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithSweepOnStart 启动时立即执行一次扫描
func WithSweepOnStart() SweeperOption {
	return func(s *Sweeper) { s.runOnStart = true }
}

// WithSweepLogger 设置日志
func WithSweepLogger(l logging.ILogger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweepMetrics 设置指标
func WithSweepMetrics(m *Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

// NewSweeper 创建扫描器
func NewSweeper(store IStore, resumer IResumer, opts ...SweeperOption) (*Sweeper, error) {
	if store == nil || resumer == nil {
		return nil, errors.New("saga: sweeper requires a store and a resumer")
	}

	s := &Sweeper{
		store:       store,
		resumer:     resumer,
		spec:        DefaultSweepSchedule,
		concurrency: DefaultSweepConcurrency,
		logger:      logging.ComponentLogger("saga.sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(s.spec)
	if err != nil {
		return nil, fmt.Errorf("saga: invalid sweep schedule %q: %w", s.spec, err)
	}
	s.schedule = schedule
	return s, nil
}

// SweepOnce 执行一次扫描
//
// 返回：
//   - int: 交给 ResumeSaga 的实例数
//   - error: 列举失败，或各实例恢复错误的合并
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	ids, err := s.store.ListNonTerminal(ctx)
	if err != nil {
		return 0, NewSagaStoreFailedError("", "list non-terminal", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g := errgroup.Group{}
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			status, err := s.resumer.ResumeSaga(ctx, id)
			if err != nil {
				s.logger.Warn(ctx, "failed to resume saga", logging.Error(err),
					logging.String("saga_id", id))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			s.logger.Debug(ctx, "saga swept",
				logging.String("saga_id", id),
				logging.String("status", string(status)))
			return nil
		})
	}
	_ = g.Wait()

	s.metrics.sweepRun(len(ids))
	if len(ids) > 0 {
		s.logger.Info(ctx, "recovery sweep finished",
			logging.Int("instances", len(ids)),
			logging.Int("failures", len(errs)))
	}
	return len(ids), errors.Join(errs...)
}

// Start 按计划启动周期扫描，ctx 取消或调用 Stop 后停止
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("saga: sweeper already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		if runCtx.Err() != nil {
			return
		}
		_, _ = s.SweepOnce(runCtx)
	}))

	s.cron.Start()
	if s.runOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_, _ = s.SweepOnce(runCtx)
		}()
	}
	s.logger.Info(ctx, "recovery sweeper started",
		logging.String("schedule", s.spec),
		logging.Int("concurrency", s.concurrency))
	return nil
}

// Stop 停止调度，取消正在进行的扫描并等待其退出（幂等）
//
// 被中断的实例不写入结果，租约过期后由下一次扫描接手。
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		c, cancel := s.cron, s.cancel
		s.mu.Unlock()
		if c == nil {
			return
		}
		cancel()
		done := c.Stop()
		<-done.Done()
		s.wg.Wait()
		s.logger.Info(context.Background(), "recovery sweeper stopped")
	})
}

// cronLogger 把 cron 的内部日志转到 ILogger
type cronLogger struct {
	logger logging.ILogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(context.Background(), "cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	fields := append(kvFields(keysAndValues), logging.Error(err))
	l.logger.Error(context.Background(), "cron: "+msg, fields...)
}

func kvFields(kv []any) []logging.Field {
	fields := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, logging.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
