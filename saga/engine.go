package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"sagaflow/logging"
	"sagaflow/retry"
)

// ExecutionMode StartSaga 的执行方式
type ExecutionMode string

const (
	// ExecutionAsync 持久化后立即返回，由后台 goroutine 驱动
	ExecutionAsync ExecutionMode = "async"
	// ExecutionSync 驱动到终态（或中断）后返回
	ExecutionSync ExecutionMode = "sync"
)

// 默认参数
const (
	DefaultLeaseTTL           = 30 * time.Second
	DefaultMaxConflictRetries = 8
)

var errVersionConflict = errors.New("saga: version conflict")

// Engine Saga 编排引擎
//
// 职责：
//   - 创建实例并按数组顺序驱动正向步骤，每次迁移后持久化
//   - 永久失败后按严格逆序补偿已成功的步骤，补偿失败不中断回滚
//   - 通过实例上的租约保证同一实例同一时刻只有一个执行者
//   - 在状态持久化之后发布生命周期事件
//
// 引擎本身不持有实例状态，所有协调都经由 IStore 的 CompareAndSwap 完成。
type Engine struct {
	store     IStore
	registry  *Registry
	invoker   *Invoker
	publisher IEventPublisher
	logger    logging.ILogger
	metrics   *Metrics

	tracerProvider     trace.TracerProvider
	stepTimeout        time.Duration
	nodeID             string
	leaseTTL           time.Duration
	maxConflictRetries int
	mode               ExecutionMode
	now                func() time.Time

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// EngineOption 引擎选项
type EngineOption func(*Engine)

// WithEventPublisher 设置事件发布器
func WithEventPublisher(p IEventPublisher) EngineOption {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithLogger 设置日志
func WithLogger(l logging.ILogger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracing 设置步骤调用使用的链路追踪提供者
func WithTracing(tp trace.TracerProvider) EngineOption {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithStepTimeout 设置步骤默认单次尝试超时
func WithStepTimeout(d time.Duration) EngineOption {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithInvoker 替换步骤调用器（此时 WithStepTimeout、WithTracing 不再生效）
func WithInvoker(v *Invoker) EngineOption {
	return func(e *Engine) { e.invoker = v }
}

// WithNodeID 设置节点标识，作为租约令牌前缀
func WithNodeID(id string) EngineOption {
	return func(e *Engine) {
		if id != "" {
			e.nodeID = id
		}
	}
}

// WithLeaseTTL 设置执行租约有效期
func WithLeaseTTL(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

// WithMaxConflictRetries 设置 CAS 冲突的最大重试次数
func WithMaxConflictRetries(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxConflictRetries = n
		}
	}
}

// WithExecutionMode 设置 StartSaga 的执行方式
func WithExecutionMode(mode ExecutionMode) EngineOption {
	return func(e *Engine) {
		if mode == ExecutionSync || mode == ExecutionAsync {
			e.mode = mode
		}
	}
}

// WithClock 替换时钟（租约与截止时间判断使用）
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建引擎
//
// 参数：
//   - store: 实例存储（必填）
//   - registry: 定义注册表（必填）
//   - opts: 可选配置
func NewEngine(store IStore, registry *Registry, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, errors.New("saga: store is required")
	}
	if registry == nil {
		return nil, errors.New("saga: registry is required")
	}

	e := &Engine{
		store:              store,
		registry:           registry,
		publisher:          NoopPublisher{},
		logger:             logging.ComponentLogger("saga.engine"),
		stepTimeout:        DefaultStepTimeout,
		nodeID:             "sagaflow",
		leaseTTL:           DefaultLeaseTTL,
		maxConflictRetries: DefaultMaxConflictRetries,
		mode:               ExecutionAsync,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.invoker == nil {
		e.invoker = NewInvoker(
			WithDefaultTimeout(e.stepTimeout),
			WithTracerProvider(e.tracerProvider),
			WithInvokerMetrics(e.metrics),
			WithInvokerLogger(e.logger.WithFields(logging.String("component", "saga.invoker"))),
		)
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// Registry 返回引擎使用的注册表
func (e *Engine) Registry() *Registry { return e.registry }

// StartSaga 创建并启动 Saga 实例
//
// 参数：
//   - ctx: 上下文
//   - definitionName: 已注册的定义名
//   - request: 触发请求负载（不透明）
//   - correlationID: 调用方提供的关联 ID，可为空
//
// 返回：
//   - string: 实例 ID
//   - error: 未注册定义、请求非法、关联 ID 重复或存储失败；
//     步骤级失败从不返回给调用方
func (e *Engine) StartSaga(ctx context.Context, definitionName string, request []byte, correlationID string) (string, error) {
	if e.isClosed() {
		return "", newEngineClosedError()
	}

	def, ok := e.registry.Get(definitionName)
	if !ok {
		return "", NewUnknownDefinitionError(definitionName)
	}
	if def.ValidateRequest != nil {
		if err := def.ValidateRequest(request); err != nil {
			return "", NewInvalidRequestError(definitionName, err)
		}
	}

	now := e.now()
	token := e.newLeaseToken()
	inst := &Instance{
		ID:             uuid.NewString(),
		DefinitionName: def.Name,
		CorrelationID:  correlationID,
		Status:         StatusPending,
		Request:        cloneBytes(request),
		StepOutcomes:   []StepOutcome{},
		LeaseOwner:     token,
		LeaseExpiresAt: now.Add(e.leaseTTL),
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	if def.Deadline > 0 {
		inst.DeadlineAt = now.Add(def.Deadline)
	}

	if err := e.store.Create(ctx, inst); err != nil {
		if errors.Is(err, ErrDuplicateCorrelation()) {
			return "", err
		}
		return "", NewSagaStoreFailedError(inst.ID, "create", err)
	}

	e.metrics.sagaStarted(def.Name)
	e.logger.Info(ctx, "saga started",
		logging.String("saga_id", inst.ID),
		logging.String("definition", def.Name),
		logging.String("correlation_id", correlationID),
		logging.Int("steps", len(def.Steps)))

	x := e.newExecution(def, inst, token)
	x.emit(ctx, EventSagaStarted, "", nil)

	if e.mode == ExecutionSync {
		runCtx, release, err := e.attach(ctx)
		if err != nil {
			return inst.ID, err
		}
		defer release()
		_, err = x.run(runCtx)
		return inst.ID, err
	}

	if err := e.spawn(ctx, func(ctx context.Context) error {
		_, err := x.run(ctx)
		return err
	}); err != nil {
		// 已持久化的实例在租约过期后由恢复扫描接管
		e.logger.Warn(ctx, "saga created but not scheduled", logging.String("saga_id", inst.ID), logging.Error(err))
	}
	return inst.ID, nil
}

// ResumeSaga 恢复驱动一个实例
//
// 幂等：终态实例直接返回存储的状态；租约被其他存活执行持有时不做任何事；
// 否则通过 CAS 取得租约，并仅根据 Status 与 StepOutcomes 决定下一步动作。
//
// 调用方驱动的执行同样纳入引擎生命周期，Shutdown 超时后会被取消。
func (e *Engine) ResumeSaga(ctx context.Context, instanceID string) (Status, error) {
	runCtx, release, err := e.attach(ctx)
	if err != nil {
		return "", err
	}
	defer release()
	return e.resume(runCtx, instanceID)
}

func (e *Engine) resume(ctx context.Context, instanceID string) (Status, error) {
	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if inst.IsTerminal() {
		return inst.Status, nil
	}

	def, ok := e.registry.Get(inst.DefinitionName)
	if !ok {
		return inst.Status, NewUnknownDefinitionError(inst.DefinitionName)
	}
	if inst.leaseActive(e.now()) {
		return inst.Status, nil
	}

	x := e.newExecution(def, inst, e.newLeaseToken())
	if err := x.acquire(ctx); err != nil {
		if errors.Is(err, errLeaseLost) || errors.Is(err, errStale) {
			return x.inst.Status, nil
		}
		return x.inst.Status, err
	}

	e.logger.Info(ctx, "resuming saga",
		logging.String("saga_id", inst.ID),
		logging.String("status", string(x.inst.Status)),
		logging.Int("current_step", x.inst.CurrentStepIndex))
	return x.run(ctx)
}

// CancelSaga 请求取消实例
//
// 取消通过为当前步骤注入一个合成的 FAILED_PERMANENT 结果实现，
// 随后走正常的补偿路径，从不跳过补偿。终态实例上为空操作。
// 若没有存活执行持有租约，由本次调用接手驱动。
func (e *Engine) CancelSaga(ctx context.Context, instanceID, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}

	inst, err := e.load(ctx, instanceID)
	if err != nil {
		return err
	}

	inst, err = e.update(ctx, inst, func(n *Instance) error {
		if n.IsTerminal() || n.CancelRequested {
			return errStale
		}
		n.CancelRequested = true
		n.CancelReason = reason
		return nil
	})
	if err != nil && !errors.Is(err, errStale) {
		return err
	}
	if inst.IsTerminal() {
		return nil
	}

	e.logger.Info(ctx, "saga cancellation requested",
		logging.String("saga_id", instanceID),
		logging.String("reason", inst.CancelReason))

	if inst.leaseActive(e.now()) {
		return nil
	}

	if e.mode == ExecutionSync {
		_, err := e.ResumeSaga(ctx, instanceID)
		return err
	}
	return e.spawn(ctx, func(ctx context.Context) error {
		_, err := e.resume(ctx, instanceID)
		return err
	})
}

// GetSaga 查询实例
func (e *Engine) GetSaga(ctx context.Context, instanceID string) (*Instance, error) {
	return e.load(ctx, instanceID)
}

// 分页参数
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page 按状态列举的一页实例
type Page struct {
	Instances []*Instance
	Page      int
	PageSize  int
	Total     int
}

// TotalPages 总页数，没有实例时为 0
func (p *Page) TotalPages() int {
	if p.Total == 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// HasNext 是否还有下一页
func (p *Page) HasNext() bool { return p.Page < p.TotalPages() }

// ListSagas 按状态分页列举实例
//
// page 从 1 开始；pageSize 为 0 时取 DefaultPageSize，上限 MaxPageSize。
func (e *Engine) ListSagas(ctx context.Context, status Status, page, pageSize int) (*Page, error) {
	st, ok := ParseStatus(string(status))
	if !ok {
		return nil, NewInvalidQueryError(fmt.Sprintf("unknown status %q", status))
	}
	if page < 1 {
		return nil, NewInvalidQueryError("page must be at least 1")
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, NewInvalidQueryError(fmt.Sprintf("page size must be between 1 and %d", MaxPageSize))
	}

	instances, total, err := e.store.ListByStatus(ctx, st, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, NewSagaStoreFailedError("", "list by status", err)
	}
	return &Page{Instances: instances, Page: page, PageSize: pageSize, Total: total}, nil
}

// Close 拒绝新的异步执行并等待进行中的执行结束
func (e *Engine) Close() error {
	return e.Shutdown(context.Background())
}

// Shutdown 等待进行中的执行结束；ctx 到期后取消它们
//
// 被取消的执行不会写入任何结果，租约过期后由恢复扫描接管。
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// spawn 在引擎生命周期内异步执行 fn
//
// 执行上下文保留调用方 ctx 的值（链路信息），但不继承其取消；
// 引擎 Shutdown 超时时统一取消。
func (e *Engine) spawn(ctx context.Context, fn func(ctx context.Context) error) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return newEngineClosedError()
	}
	e.wg.Add(1)
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(e.ctx, cancel)

	go func() {
		defer e.wg.Done()
		defer cancel()
		defer stop()

		if err := fn(runCtx); err != nil {
			e.logger.Error(runCtx, "async saga execution failed", logging.Error(err))
		}
	}()
	return nil
}

// attach 把调用方 goroutine 上的执行登记到引擎
//
// 返回的 ctx 在引擎 Shutdown 超时后被取消；release 必须调用。
func (e *Engine) attach(ctx context.Context) (context.Context, func(), error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, newEngineClosedError()
	}
	e.wg.Add(1)
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
		e.wg.Done()
	}, nil
}

func (e *Engine) load(ctx context.Context, instanceID string) (*Instance, error) {
	inst, err := e.store.Load(ctx, instanceID)
	if err != nil {
		if errors.Is(err, ErrSagaNotFound()) {
			return nil, err
		}
		return nil, NewSagaStoreFailedError(instanceID, "load", err)
	}
	return inst, nil
}

// update 以乐观并发写入一次修改
//
// mutate 作用于 current 的副本；版本冲突时重新加载最新实例并重放 mutate，
// 超过 maxConflictRetries 后返回 SAGA_CONCURRENCY_CONFLICT。
// 出错时返回最后一次看到的实例。
func (e *Engine) update(ctx context.Context, current *Instance, mutate func(n *Instance) error) (*Instance, error) {
	policy := retry.Policy{
		MaxRetries:    uint64(e.maxConflictRetries),
		InitialDelay:  time.Millisecond,
		MaxDelay:      50 * time.Millisecond,
		JitterPercent: 50,
	}

	var committed *Instance
	attempts := 0
	err := retry.DoWithInfo(ctx, policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		if attempt > 1 {
			fresh, err := e.load(ctx, current.ID)
			if err != nil {
				return err
			}
			current = fresh
		}

		next := current.Clone()
		if err := mutate(next); err != nil {
			return err
		}
		next.Version = current.Version + 1
		next.UpdatedAt = e.now()

		ok, err := e.store.CompareAndSwap(ctx, next, current.Version)
		if err != nil {
			return NewSagaStoreFailedError(current.ID, "compare-and-swap", err)
		}
		if !ok {
			e.metrics.casConflict()
			e.logger.Debug(ctx, "saga version conflict, reloading",
				logging.String("saga_id", current.ID),
				logging.Uint64("expected_version", current.Version),
				logging.Int("attempt", attempt))
			return retry.Retryable(errVersionConflict)
		}
		committed = next
		return nil
	})
	if err != nil {
		if errors.Is(err, errVersionConflict) {
			return current, NewConcurrencyConflictError(current.ID, attempts)
		}
		return current, err
	}
	return committed, nil
}

func (e *Engine) newLeaseToken() string {
	return fmt.Sprintf("%s/%s", e.nodeID, uuid.NewString())
}

func (e *Engine) publish(ctx context.Context, event Event) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn(ctx, "failed to publish saga event", logging.Error(err),
			logging.String("event_type", string(event.Type)),
			logging.String("saga_id", event.InstanceID))
		return
	}

	e.logger.Debug(ctx, "saga event published",
		logging.String("event_type", string(event.Type)),
		logging.String("saga_id", event.InstanceID))
}
