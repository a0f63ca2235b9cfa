package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sagaflow/logging"
)

var (
	// errLeaseLost 租约已被其他存活执行取得，本执行应安静退出
	errLeaseLost = errors.New("saga: lease held by another execution")
	// errStale 实例已进入终态或修改已不需要
	errStale = errors.New("saga: instance already settled")
	// errStateMoved 重新加载后状态已前进，应根据最新状态重新决定下一步
	errStateMoved = errors.New("saga: instance state moved")
)

// execution 单个实例的一次驱动过程
//
// inst 始终是最近一次成功提交（或最近一次加载）的实例；
// 所有修改都经由 commit 以 CAS 写入并续租。
type execution struct {
	e     *Engine
	def   *Definition
	inst  *Instance
	token string
	log   logging.ILogger
}

func (e *Engine) newExecution(def *Definition, inst *Instance, token string) *execution {
	return &execution{
		e:     e,
		def:   def,
		inst:  inst,
		token: token,
		log: e.logger.WithFields(
			logging.String("saga_id", inst.ID),
			logging.String("definition", def.Name),
		),
	}
}

// run 驱动实例直到终态、租约易主或出现基础设施错误
func (x *execution) run(ctx context.Context) (Status, error) {
	x.e.metrics.executionStarted()
	defer x.e.metrics.executionFinished()

	for {
		if x.inst.IsTerminal() {
			return x.inst.Status, nil
		}

		var err error
		switch x.inst.Status {
		case StatusPending, StatusRunning:
			err = x.forward(ctx)
		case StatusCompensating:
			err = x.compensate(ctx)
		default:
			return x.inst.Status, fmt.Errorf("saga: unknown status %q", x.inst.Status)
		}

		switch {
		case err == nil, errors.Is(err, errStateMoved):
			continue
		case errors.Is(err, errLeaseLost), errors.Is(err, errStale):
			x.log.Info(ctx, "saga execution handed over",
				logging.String("status", string(x.inst.Status)),
				logging.Uint64("version", x.inst.Version))
			return x.inst.Status, nil
		case ctx.Err() != nil:
			x.log.Info(ctx, "saga execution interrupted, lease left to expire",
				logging.String("status", string(x.inst.Status)),
				logging.Int("current_step", x.inst.CurrentStepIndex))
			return x.inst.Status, ctx.Err()
		default:
			x.log.Error(ctx, "saga execution aborted", logging.Error(err),
				logging.String("status", string(x.inst.Status)))
			return x.inst.Status, err
		}
	}
}

// acquire 取得租约（续租同一次提交完成）
func (x *execution) acquire(ctx context.Context) error {
	return x.commit(ctx, func(*Instance) error { return nil })
}

// commit 以 CAS 提交一次修改并续租
//
// 重新加载后发现实例已终结返回 errStale，发现租约被其他存活执行持有
// 返回 errLeaseLost；mutate 自身负责检查前置状态。
func (x *execution) commit(ctx context.Context, mutate func(n *Instance) error) error {
	next, err := x.e.update(ctx, x.inst, func(n *Instance) error {
		now := x.e.now()
		if n.IsTerminal() {
			return errStale
		}
		if n.leaseHeldByOther(x.token, now) {
			return errLeaseLost
		}
		if err := mutate(n); err != nil {
			return err
		}
		if n.IsTerminal() {
			n.LeaseOwner = ""
			n.LeaseExpiresAt = time.Time{}
		} else {
			n.LeaseOwner = x.token
			n.LeaseExpiresAt = now.Add(x.e.leaseTTL)
		}
		return nil
	})
	if next != nil {
		x.inst = next
	}
	return err
}

// invoke 调用参与方，调用期间每 leaseTTL/3 续租一次
//
// 续租发现租约易主或实例已终结时取消调用并返回 errLeaseLost，不记录结果。
func (x *execution) invoke(ctx context.Context, spec StepSpec, dir Direction) (StepOutcome, error) {
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	inst := x.inst
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		x.heartbeat(callCtx, done, cancel)
	}()

	outcome, err := x.e.invoker.Invoke(callCtx, spec, dir, inst)
	close(done)
	wg.Wait()

	if errors.Is(context.Cause(callCtx), errLeaseLost) {
		return StepOutcome{}, errLeaseLost
	}
	return outcome, err
}

// heartbeat 在 done 关闭前周期性续租
//
// 与 Invoke 并发期间只有这里写 x.inst。
func (x *execution) heartbeat(ctx context.Context, done <-chan struct{}, cancel context.CancelCauseFunc) {
	interval := x.e.leaseTTL / 3
	if interval <= 0 {
		interval = x.e.leaseTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := x.commit(ctx, func(*Instance) error { return nil })
		switch {
		case err == nil:
		case errors.Is(err, errLeaseLost), errors.Is(err, errStale):
			x.log.Warn(ctx, "saga lease lost while step in flight", logging.Error(err))
			cancel(errLeaseLost)
			return
		case ctx.Err() != nil:
			return
		default:
			x.log.Warn(ctx, "failed to renew saga lease", logging.Error(err))
		}
	}
}

// abortReason 取消或截止时间到达时返回注入失败的原因
func (x *execution) abortReason() string {
	if x.inst.CancelRequested {
		return "cancelled: " + x.inst.CancelReason
	}
	if !x.inst.DeadlineAt.IsZero() && !x.e.now().Before(x.inst.DeadlineAt) {
		return "deadline exceeded"
	}
	return ""
}

// forward 执行当前正向步骤
func (x *execution) forward(ctx context.Context) error {
	idx := x.inst.CurrentStepIndex
	if idx >= len(x.def.Steps) {
		return x.complete(ctx)
	}
	spec := x.def.Steps[idx]

	if reason := x.abortReason(); reason != "" {
		return x.fail(ctx, StepOutcome{
			StepName:  spec.Name,
			StepIndex: idx,
			Direction: DirectionForward,
			Attempt:   0,
			Result:    ResultFailedPermanent,
			Error:     reason,
			Timestamp: x.e.now(),
		}, true)
	}

	// 派发前提交：PENDING → RUNNING，同时续租
	if err := x.commit(ctx, func(n *Instance) error {
		if n.Status == StatusCompensating || n.CurrentStepIndex != idx {
			return errStateMoved
		}
		if n.Status == StatusPending {
			return transition(ctx, n, triggerDispatch)
		}
		return nil
	}); err != nil {
		return err
	}
	if x.abortReason() != "" {
		return nil
	}

	x.log.Debug(ctx, "dispatching saga step",
		logging.String("step", spec.Name),
		logging.Int("step_index", idx))

	outcome, err := x.invoke(ctx, spec, DirectionForward)
	if err != nil {
		return err
	}

	if outcome.Result != ResultSuccess {
		permanent := outcome.Result == ResultFailedPermanent
		outcome.Result = ResultFailedPermanent
		return x.fail(ctx, outcome, permanent)
	}

	if err := x.commit(ctx, func(n *Instance) error {
		if n.Status != StatusRunning || n.CurrentStepIndex != idx {
			return errStateMoved
		}
		n.StepOutcomes = append(n.StepOutcomes, outcome)
		n.CurrentStepIndex++
		return nil
	}); err != nil {
		return err
	}

	x.emit(ctx, EventStepSucceeded, spec.Name, nil)
	return nil
}

// complete 所有正向步骤成功后进入 COMPLETED
func (x *execution) complete(ctx context.Context) error {
	if err := x.commit(ctx, func(n *Instance) error {
		if n.Status != StatusRunning || n.CurrentStepIndex < len(x.def.Steps) {
			return errStateMoved
		}
		return transition(ctx, n, triggerComplete)
	}); err != nil {
		return err
	}
	x.finished(ctx)
	return nil
}

// fail 记录正向步骤的永久失败
//
// 没有任何成功的正向步骤时直接进入 FAILED，否则进入 COMPENSATING。
func (x *execution) fail(ctx context.Context, outcome StepOutcome, permanent bool) error {
	idx := outcome.StepIndex
	if err := x.commit(ctx, func(n *Instance) error {
		if n.Status == StatusCompensating || n.CurrentStepIndex != idx {
			return errStateMoved
		}
		n.StepOutcomes = append(n.StepOutcomes, outcome)
		if n.HasForwardSuccess() {
			return transition(ctx, n, triggerCompensate)
		}
		return transition(ctx, n, triggerFail)
	}); err != nil {
		return err
	}

	x.emit(ctx, EventStepFailed, outcome.StepName, func(ev *Event) {
		ev.Permanent = permanent
		ev.Error = outcome.Error
	})

	if x.inst.Status == StatusCompensating {
		x.log.Warn(ctx, "saga step failed, compensating",
			logging.String("step", outcome.StepName),
			logging.String("error", outcome.Error))
		x.emit(ctx, EventSagaCompensating, "", nil)
		return nil
	}
	x.finished(ctx)
	return nil
}

// nextCompensation 返回下一个待补偿（或待跳过）的步骤下标，-1 表示回滚完成
//
// 严格按数组逆序选择：已成功且尚无补偿记录、也未被跳过的最大下标。
func nextCompensation(inst *Instance, def *Definition) int {
	for i := len(def.Steps) - 1; i >= 0; i-- {
		if _, ok := inst.ForwardSucceeded(i); !ok {
			continue
		}
		if inst.Compensated(i) || inst.Skipped(def.Steps[i].Name) {
			continue
		}
		return i
	}
	return -1
}

// compensate 处理逆序回滚中的下一个步骤
func (x *execution) compensate(ctx context.Context) error {
	idx := nextCompensation(x.inst, x.def)
	if idx < 0 {
		return x.settle(ctx)
	}
	spec := x.def.Steps[idx]

	pending := func(n *Instance) error {
		if n.Status != StatusCompensating || nextCompensation(n, x.def) != idx {
			return errStateMoved
		}
		return nil
	}

	if !spec.Compensable() {
		if err := x.commit(ctx, func(n *Instance) error {
			if err := pending(n); err != nil {
				return err
			}
			n.IrreversibleStepsSkipped = append(n.IrreversibleStepsSkipped, spec.Name)
			return nil
		}); err != nil {
			return err
		}
		x.log.Warn(ctx, "irreversible step skipped during compensation",
			logging.String("step", spec.Name))
		return nil
	}

	// 派发前提交续租
	if err := x.commit(ctx, pending); err != nil {
		return err
	}

	outcome, err := x.invoke(ctx, spec, DirectionCompensate)
	if err != nil {
		return err
	}
	failed := outcome.Result != ResultSuccess
	if failed {
		outcome.Result = ResultFailedPermanent
	}

	if err := x.commit(ctx, func(n *Instance) error {
		if err := pending(n); err != nil {
			return err
		}
		n.StepOutcomes = append(n.StepOutcomes, outcome)
		if failed {
			n.Irrecoverable = true
		}
		return nil
	}); err != nil {
		return err
	}

	if failed {
		x.log.Error(ctx, "compensation failed, manual remediation required",
			logging.String("step", spec.Name),
			logging.Int("attempts", outcome.Attempt),
			logging.String("error", outcome.Error))
		x.emit(ctx, EventCompensationFailed, spec.Name, func(ev *Event) {
			ev.Permanent = true
			ev.Error = outcome.Error
		})
		return nil
	}
	x.emit(ctx, EventCompensationSucceeded, spec.Name, nil)
	return nil
}

// settle 回滚结束：全部补偿成功为 COMPENSATED，否则 FAILED
func (x *execution) settle(ctx context.Context) error {
	if err := x.commit(ctx, func(n *Instance) error {
		if n.Status != StatusCompensating || nextCompensation(n, x.def) >= 0 {
			return errStateMoved
		}
		if n.Irrecoverable {
			return transition(ctx, n, triggerFail)
		}
		return transition(ctx, n, triggerCompensated)
	}); err != nil {
		return err
	}
	x.finished(ctx)
	return nil
}

// finished 终态的日志、指标与事件
func (x *execution) finished(ctx context.Context) {
	x.e.metrics.sagaFinished(x.def.Name, x.inst.Status)

	fields := []logging.Field{
		logging.String("status", string(x.inst.Status)),
		logging.Any("trace", x.inst.Trace()),
	}
	if len(x.inst.IrreversibleStepsSkipped) > 0 {
		fields = append(fields, logging.Any("irreversible_steps_skipped", x.inst.IrreversibleStepsSkipped))
	}
	if x.inst.Irrecoverable {
		x.log.Error(ctx, "saga finished with irrecoverable compensation failures", fields...)
	} else {
		x.log.Info(ctx, "saga finished", fields...)
	}

	x.emit(ctx, terminalEvent(x.inst.Status), "", nil)
}

// emit 基于最近一次提交的实例发布事件
func (x *execution) emit(ctx context.Context, t EventType, step string, decorate func(ev *Event)) {
	ev := newEvent(t, x.inst, step)
	if decorate != nil {
		decorate(&ev)
	}
	x.e.publish(ctx, ev)
}
