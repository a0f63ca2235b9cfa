package saga_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sagaflow/retry"
	"sagaflow/saga"
)

func TestEngine_AllStepsSucceed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id, err := h.engine.StartSaga(ctx, "enrollment", []byte(`{"student":"s-1"}`), "order-1")
	require.NoError(t, err)

	inst := h.get(t, id)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Equal(t, []string{
		"charge:FORWARD:SUCCESS",
		"enroll:FORWARD:SUCCESS",
		"notify:FORWARD:SUCCESS",
	}, inst.Trace())
	assert.Equal(t, 3, inst.CurrentStepIndex)
	assert.Empty(t, inst.LeaseOwner)
	assert.Equal(t, []saga.EventType{
		saga.EventSagaStarted,
		saga.EventStepSucceeded,
		saga.EventStepSucceeded,
		saga.EventStepSucceeded,
		saga.EventSagaCompleted,
	}, h.events.Types(id))
}

func TestEngine_PermanentFailureCompensatesInReverse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.failWith("enroll", saga.DirectionForward, saga.Reject("course is full"))

	id, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
	require.NoError(t, err)

	inst := h.get(t, id)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, []string{
		"charge:FORWARD:SUCCESS",
		"enroll:FORWARD:FAILED_PERMANENT",
		"charge:COMPENSATE:SUCCESS",
	}, inst.Trace())
	assert.False(t, inst.Irrecoverable)
	assert.Zero(t, h.p.count("enroll", saga.DirectionCompensate))
	assert.Zero(t, h.p.count("notify", saga.DirectionForward))

	assert.Equal(t, []saga.EventType{
		saga.EventSagaStarted,
		saga.EventStepSucceeded,
		saga.EventStepFailed,
		saga.EventSagaCompensating,
		saga.EventCompensationSucceeded,
		saga.EventSagaCompensated,
	}, h.events.Types(id))

	failed := h.events.EventsFor(id)[2]
	assert.Equal(t, "enroll", failed.StepName)
	assert.True(t, failed.Permanent)
	assert.Contains(t, failed.Error, "course is full")
}

func TestEngine_LastStepFailureUnwindsPriorSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.failWith("notify", saga.DirectionForward, saga.Reject("mailbox rejected"))

	id, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
	require.NoError(t, err)

	inst := h.get(t, id)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, []string{
		"charge:FORWARD:SUCCESS",
		"enroll:FORWARD:SUCCESS",
		"notify:FORWARD:FAILED_PERMANENT",
		"enroll:COMPENSATE:SUCCESS",
		"charge:COMPENSATE:SUCCESS",
	}, inst.Trace())
	assert.Equal(t, []string{
		"charge:FORWARD",
		"enroll:FORWARD",
		"notify:FORWARD",
		"enroll:COMPENSATE",
		"charge:COMPENSATE",
	}, h.p.Calls())
}

func TestEngine_FirstStepFailureFailsWithoutCompensation(t *testing.T) {
	h := newHarness(t)
	h.p.failWith("charge", saga.DirectionForward, saga.Reject("card declined"))

	id, err := h.engine.StartSaga(context.Background(), "enrollment", nil, "")
	require.NoError(t, err)

	inst := h.get(t, id)
	assert.Equal(t, saga.StatusFailed, inst.Status)
	assert.Equal(t, []string{"charge:FORWARD:FAILED_PERMANENT"}, inst.Trace())
	assert.False(t, inst.Irrecoverable)
	assert.Equal(t, []string{"charge:FORWARD"}, h.p.Calls())
	assert.Equal(t, saga.EventSagaFailed, h.events.Types(id)[len(h.events.Types(id))-1])
}

func TestEngine_TransientExhaustionIsRecordedAsPermanent(t *testing.T) {
	ctx := context.Background()
	p := newParticipant()
	p.failWith("reserve", saga.DirectionForward, errors.New("connection refused"))

	registry := saga.NewRegistry()
	registry.MustRegister(saga.Definition{
		Name: "reservation",
		Steps: []saga.StepSpec{
			{Name: "hold", Forward: p.action("hold", saga.DirectionForward), Compensate: p.action("hold", saga.DirectionCompensate)},
			{
				Name:    "reserve",
				Forward: p.action("reserve", saga.DirectionForward),
				Retry:   retry.Policy{MaxRetries: 2, InitialDelay: time.Millisecond},
			},
		},
	})

	h := newHarness(t)
	events := saga.NewMemoryPublisher()
	engine, err := saga.NewEngine(h.store, registry,
		saga.WithExecutionMode(saga.ExecutionSync),
		saga.WithEventPublisher(events))
	require.NoError(t, err)

	id, err := engine.StartSaga(ctx, "reservation", nil, "")
	require.NoError(t, err)

	inst, err := engine.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	require.Len(t, inst.StepOutcomes, 3)
	assert.Equal(t, saga.ResultFailedPermanent, inst.StepOutcomes[1].Result)
	assert.Equal(t, 3, inst.StepOutcomes[1].Attempt)
	assert.Contains(t, inst.StepOutcomes[1].Error, "connection refused")
	assert.Equal(t, 3, p.count("reserve", saga.DirectionForward))

	for _, ev := range events.EventsFor(id) {
		if ev.Type == saga.EventStepFailed {
			assert.False(t, ev.Permanent)
		}
	}
}

func TestEngine_IrreversibleStepIsSkipped(t *testing.T) {
	ctx := context.Background()
	p := newParticipant()
	p.failWith("publish", saga.DirectionForward, saga.Reject("quota exceeded"))

	registry := saga.NewRegistry()
	registry.MustRegister(saga.Definition{
		Name: "onboarding",
		Steps: []saga.StepSpec{
			{Name: "send-welcome", Forward: p.action("send-welcome", saga.DirectionForward)},
			{Name: "create-account", Forward: p.action("create-account", saga.DirectionForward), Compensate: p.action("create-account", saga.DirectionCompensate)},
			{Name: "publish", Forward: p.action("publish", saga.DirectionForward)},
		},
	})

	h := newHarness(t)
	engine, err := saga.NewEngine(h.store, registry, saga.WithExecutionMode(saga.ExecutionSync))
	require.NoError(t, err)

	id, err := engine.StartSaga(ctx, "onboarding", nil, "")
	require.NoError(t, err)

	inst, err := engine.GetSaga(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, []string{"send-welcome"}, inst.IrreversibleStepsSkipped)
	assert.Equal(t, []string{
		"send-welcome:FORWARD:SUCCESS",
		"create-account:FORWARD:SUCCESS",
		"publish:FORWARD:FAILED_PERMANENT",
		"create-account:COMPENSATE:SUCCESS",
	}, inst.Trace())
}

func TestEngine_CompensationFailureContinuesUnwind(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.failWith("notify", saga.DirectionForward, saga.Reject("template missing"))
	h.p.failWith("enroll", saga.DirectionCompensate, saga.Reject("seat already released"))

	id, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
	require.NoError(t, err)

	inst := h.get(t, id)
	assert.Equal(t, saga.StatusFailed, inst.Status)
	assert.True(t, inst.Irrecoverable)
	assert.Equal(t, []string{
		"charge:FORWARD:SUCCESS",
		"enroll:FORWARD:SUCCESS",
		"notify:FORWARD:FAILED_PERMANENT",
		"enroll:COMPENSATE:FAILED_PERMANENT",
		"charge:COMPENSATE:SUCCESS",
	}, inst.Trace())

	types := h.events.Types(id)
	assert.Contains(t, types, saga.EventCompensationFailed)
	assert.Contains(t, types, saga.EventCompensationSucceeded)
	assert.Equal(t, saga.EventSagaFailed, types[len(types)-1])
}

func TestEngine_StartSagaRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.StartSaga(ctx, "missing", nil, "")
	assert.ErrorIs(t, err, saga.ErrUnknownDefinition())

	p := newParticipant()
	require.NoError(t, h.registry.Register(saga.Definition{
		Name:  "strict",
		Steps: []saga.StepSpec{{Name: "only", Forward: p.action("only", saga.DirectionForward)}},
		ValidateRequest: func(request []byte) error {
			if len(request) == 0 {
				return errors.New("request body is required")
			}
			return nil
		},
	}))
	_, err = h.engine.StartSaga(ctx, "strict", nil, "")
	assert.ErrorIs(t, err, saga.ErrInvalidRequest())

	ids, err := h.store.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Empty(t, p.Calls())
}

func TestEngine_DuplicateCorrelation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.engine.StartSaga(ctx, "enrollment", nil, "order-42")
	require.NoError(t, err)

	_, err = h.engine.StartSaga(ctx, "enrollment", nil, "order-42")
	assert.ErrorIs(t, err, saga.ErrDuplicateCorrelation())
	assert.Equal(t, 1, h.p.count("charge", saga.DirectionForward))
}

func TestEngine_ResumeTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.failWith("notify", saga.DirectionForward, saga.Reject("no"))

	id, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
	require.NoError(t, err)
	before := h.get(t, id)

	for i := 0; i < 3; i++ {
		status, err := h.engine.ResumeSaga(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, saga.StatusCompensated, status)
	}

	after := h.get(t, id)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, before.Trace(), after.Trace())
	assert.Equal(t, 1, h.p.count("charge", saga.DirectionCompensate))
	assert.Equal(t, 1, h.p.count("enroll", saga.DirectionCompensate))
}

func TestEngine_ResumeAfterCrashSkipsSucceededSteps(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inst := h.seed(t, func(inst *saga.Instance) {
		inst.StepOutcomes = []saga.StepOutcome{forwardSuccess("charge", 0)}
		inst.CurrentStepIndex = 1
	})

	status, err := h.engine.ResumeSaga(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, status)
	assert.Equal(t, []string{"enroll:FORWARD", "notify:FORWARD"}, h.p.Calls())
	assert.Len(t, h.get(t, inst.ID).StepOutcomes, 3)
}

func TestEngine_ResumeMidCompensationCompensatesRemainingOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inst := h.seed(t, func(inst *saga.Instance) {
		inst.Status = saga.StatusCompensating
		inst.CurrentStepIndex = 2
		inst.StepOutcomes = []saga.StepOutcome{
			forwardSuccess("charge", 0),
			forwardSuccess("enroll", 1),
			{StepName: "notify", StepIndex: 2, Direction: saga.DirectionForward, Attempt: 1, Result: saga.ResultFailedPermanent, Error: "rejected"},
			{StepName: "enroll", StepIndex: 1, Direction: saga.DirectionCompensate, Attempt: 1, Result: saga.ResultSuccess},
		}
	})

	status, err := h.engine.ResumeSaga(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, status)
	assert.Equal(t, []string{"charge:COMPENSATE"}, h.p.Calls())
}

func TestEngine_ResumeWithActiveLeaseIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inst := h.seed(t, func(inst *saga.Instance) {
		inst.LeaseOwner = "other-node/7"
		inst.LeaseExpiresAt = time.Now().Add(time.Hour)
	})

	status, err := h.engine.ResumeSaga(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, status)
	assert.Empty(t, h.p.Calls())
	assert.Equal(t, inst.Version, h.get(t, inst.ID).Version)
}

func TestEngine_ConcurrentResumeDrivesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inst := h.seed(t, func(inst *saga.Instance) {
		inst.StepOutcomes = []saga.StepOutcome{forwardSuccess("charge", 0)}
		inst.CurrentStepIndex = 1
	})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.ResumeSaga(ctx, inst.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, saga.StatusCompleted, h.get(t, inst.ID).Status)
	assert.Equal(t, 1, h.p.count("enroll", saga.DirectionForward))
	assert.Equal(t, 1, h.p.count("notify", saga.DirectionForward))
	assert.Zero(t, h.p.count("charge", saga.DirectionForward))
}

func TestEngine_LeaseRenewedWhileStepInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, saga.WithLeaseTTL(100*time.Millisecond))

	started := make(chan struct{})
	var once sync.Once
	h.p.onCall("charge", saga.DirectionForward, func() {
		once.Do(func() { close(started) })
		time.Sleep(400 * time.Millisecond)
	})

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
		done <- err
	}()

	<-started
	time.Sleep(150 * time.Millisecond)

	ids, err := h.store.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	status, err := h.engine.ResumeSaga(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, status)

	require.NoError(t, <-done)
	assert.Equal(t, 1, h.p.count("charge", saga.DirectionForward))
	assert.Equal(t, saga.StatusCompleted, h.get(t, ids[0]).Status)
}

func TestEngine_LeaseLostCancelsInFlightStep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, saga.WithLeaseTTL(60*time.Millisecond))

	started := make(chan struct{})
	release := make(chan struct{})
	h.p.onCall("charge", saga.DirectionForward, func() {
		close(started)
		<-release
	})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
		done <- err
	}()
	<-started

	ids, err := h.store.ListNonTerminal(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	// 另一节点抢占租约
	inst := h.get(t, ids[0])
	stolen := inst.Clone()
	stolen.LeaseOwner = "other-node/9"
	stolen.LeaseExpiresAt = time.Now().Add(time.Hour)
	stolen.Version = inst.Version + 1
	ok, err := h.store.CompareAndSwap(ctx, stolen, inst.Version)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("execution kept running after its lease was taken")
	}

	after := h.get(t, ids[0])
	assert.Equal(t, "other-node/9", after.LeaseOwner)
	assert.Empty(t, after.StepOutcomes)
}

func TestEngine_ShutdownInterruptsCallerDrivenResume(t *testing.T) {
	h := newHarness(t)
	inst := h.seed(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.p.onCall("charge", saga.DirectionForward, func() {
		close(entered)
		<-release
	})
	defer close(release)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.ResumeSaga(context.Background(), inst.ID)
		done <- err
	}()
	<-entered

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.engine.Shutdown(shutdownCtx), context.DeadlineExceeded)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("resume was not interrupted by shutdown")
	}
	assert.Empty(t, h.get(t, inst.ID).StepOutcomes)

	_, err := h.engine.ResumeSaga(context.Background(), inst.ID)
	assert.ErrorIs(t, err, saga.ErrEngineClosed())
}

func TestEngine_CancelIdleInstanceCompensates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inst := h.seed(t, func(inst *saga.Instance) {
		inst.StepOutcomes = []saga.StepOutcome{forwardSuccess("charge", 0)}
		inst.CurrentStepIndex = 1
	})

	require.NoError(t, h.engine.CancelSaga(ctx, inst.ID, "student withdrew"))

	got := h.get(t, inst.ID)
	assert.Equal(t, saga.StatusCompensated, got.Status)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, []string{
		"charge:FORWARD:SUCCESS",
		"enroll:FORWARD:FAILED_PERMANENT",
		"charge:COMPENSATE:SUCCESS",
	}, got.Trace())
	assert.Equal(t, "cancelled: student withdrew", got.StepOutcomes[1].Error)
	assert.Zero(t, got.StepOutcomes[1].Attempt)
	assert.Zero(t, h.p.count("enroll", saga.DirectionForward))
}

func TestEngine_CancelInFlightInstance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, saga.WithExecutionMode(saga.ExecutionAsync))

	entered := make(chan struct{})
	release := make(chan struct{})
	h.p.onCall("enroll", saga.DirectionForward, func() {
		close(entered)
		<-release
	})

	id, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
	require.NoError(t, err)

	<-entered
	require.NoError(t, h.engine.CancelSaga(ctx, id, "operator"))
	close(release)
	require.NoError(t, h.engine.Close())

	inst := h.get(t, id)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, []string{
		"charge:FORWARD:SUCCESS",
		"enroll:FORWARD:SUCCESS",
		"notify:FORWARD:FAILED_PERMANENT",
		"enroll:COMPENSATE:SUCCESS",
		"charge:COMPENSATE:SUCCESS",
	}, inst.Trace())
	assert.Zero(t, h.p.count("notify", saga.DirectionForward))
}

func TestEngine_CancelTerminalIsNoop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
	require.NoError(t, err)
	before := h.get(t, id)

	require.NoError(t, h.engine.CancelSaga(ctx, id, "too late"))
	after := h.get(t, id)
	assert.Equal(t, saga.StatusCompleted, after.Status)
	assert.Equal(t, before.Version, after.Version)
	assert.False(t, after.CancelRequested)

	assert.ErrorIs(t, h.engine.CancelSaga(ctx, "missing", ""), saga.ErrSagaNotFound())
}

func TestEngine_DeadlineBehavesLikeCancellation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	h := newHarness(t, saga.WithClock(clock.Now))

	p := newParticipant()
	p.onCall("charge", saga.DirectionForward, func() { clock.Advance(2 * time.Minute) })
	require.NoError(t, h.registry.Register(saga.Definition{
		Name:     "timed-enrollment",
		Deadline: time.Minute,
		Steps: []saga.StepSpec{
			{Name: "charge", Forward: p.action("charge", saga.DirectionForward), Compensate: p.action("charge", saga.DirectionCompensate)},
			{Name: "enroll", Forward: p.action("enroll", saga.DirectionForward)},
		},
	}))

	id, err := h.engine.StartSaga(ctx, "timed-enrollment", nil, "")
	require.NoError(t, err)

	inst := h.get(t, id)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	assert.Equal(t, clock.Now().Add(-2*time.Minute).Add(time.Minute), inst.DeadlineAt)
	require.Len(t, inst.StepOutcomes, 3)
	assert.Equal(t, "deadline exceeded", inst.StepOutcomes[1].Error)
	assert.Zero(t, p.count("enroll", saga.DirectionForward))
}

func TestEngine_IdempotencyKeysAreStable(t *testing.T) {
	ctx := context.Background()
	p := newParticipant()
	var failures atomic.Int32
	flaky := func(ctx context.Context, call saga.Call) ([]byte, error) {
		if _, err := p.action("charge", saga.DirectionForward)(ctx, call); err != nil {
			return nil, err
		}
		if failures.Add(1) <= 2 {
			return nil, errors.New("gateway timeout")
		}
		return []byte(`{"charge_id":"ch_1"}`), nil
	}

	var seenForward []byte
	h := newHarness(t)
	require.NoError(t, h.registry.Register(saga.Definition{
		Name: "payment",
		Steps: []saga.StepSpec{
			{
				Name:    "charge",
				Forward: flaky,
				Compensate: func(ctx context.Context, call saga.Call) ([]byte, error) {
					seenForward = call.ForwardResponse
					return p.action("charge", saga.DirectionCompensate)(ctx, call)
				},
				Retry: retry.Policy{MaxRetries: 3, InitialDelay: time.Millisecond},
			},
			{Name: "confirm", Forward: func(context.Context, saga.Call) ([]byte, error) {
				return nil, saga.Reject("confirmation refused")
			}},
		},
	}))

	id, err := h.engine.StartSaga(ctx, "payment", nil, "")
	require.NoError(t, err)

	keys := p.idempotencyKeys("charge", saga.DirectionForward)
	require.Len(t, keys, 3)
	assert.Equal(t, keys[0], keys[1])
	assert.Equal(t, keys[1], keys[2])
	assert.Equal(t, id+":charge:FORWARD", keys[0])

	compKeys := p.idempotencyKeys("charge", saga.DirectionCompensate)
	require.Len(t, compKeys, 1)
	assert.NotEqual(t, keys[0], compKeys[0])
	assert.Equal(t, []byte(`{"charge_id":"ch_1"}`), seenForward)

	inst := h.get(t, id)
	assert.Equal(t, 3, inst.StepOutcomes[0].Attempt)
}

// conflictingStore 在前 n 次 CompareAndSwap 时报告版本冲突
type conflictingStore struct {
	saga.IStore
	remaining atomic.Int32
}

func (s *conflictingStore) CompareAndSwap(ctx context.Context, inst *saga.Instance, expected uint64) (bool, error) {
	if s.remaining.Add(-1) >= 0 {
		return false, nil
	}
	return s.IStore.CompareAndSwap(ctx, inst, expected)
}

func TestEngine_RecoversFromVersionConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := saga.NewMetrics(reg)

	var store *conflictingStore
	h := newHarnessWithStore(t, func(inner saga.IStore) saga.IStore {
		store = &conflictingStore{IStore: inner}
		store.remaining.Store(3)
		return store
	}, saga.WithMetrics(metrics))

	id, err := h.engine.StartSaga(context.Background(), "enrollment", nil, "")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, h.get(t, id).Status)
	assert.Equal(t, 1, h.p.count("charge", saga.DirectionForward))

	assert.Equal(t, float64(1), counterValue(t, reg, "sagaflow_sagas_started_total"))
	assert.Equal(t, float64(3), counterValue(t, reg, "sagaflow_cas_conflicts_total"))
}

func TestEngine_ConflictRetriesExhausted(t *testing.T) {
	h := newHarnessWithStore(t, func(inner saga.IStore) saga.IStore {
		s := &conflictingStore{IStore: inner}
		s.remaining.Store(1000)
		return s
	}, saga.WithMaxConflictRetries(2))

	_, err := h.engine.StartSaga(context.Background(), "enrollment", nil, "")
	assert.ErrorIs(t, err, saga.ErrConcurrencyConflict())
	assert.Empty(t, h.p.Calls())
}

// failingStore 创建时返回基础设施错误
type failingStore struct {
	saga.IStore
}

func (failingStore) Create(context.Context, *saga.Instance) error {
	return errors.New("connection reset by peer")
}

func TestEngine_StoreFailureOnCreate(t *testing.T) {
	h := newHarnessWithStore(t, func(inner saga.IStore) saga.IStore {
		return failingStore{IStore: inner}
	})

	_, err := h.engine.StartSaga(context.Background(), "enrollment", nil, "")
	assert.ErrorIs(t, err, saga.ErrSagaStoreFailed())
}

func TestEngine_AsyncStartAndClose(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, saga.WithExecutionMode(saga.ExecutionAsync))

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, h.engine.Close())

	for _, id := range ids {
		assert.Equal(t, saga.StatusCompleted, h.get(t, id).Status)
	}

	_, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
	assert.ErrorIs(t, err, saga.ErrEngineClosed())
}

func TestEngine_EventIDsAreDeterministic(t *testing.T) {
	h := newHarness(t)
	id, err := h.engine.StartSaga(context.Background(), "enrollment", nil, "order-5")
	require.NoError(t, err)

	events := h.events.EventsFor(id)
	seen := make(map[string]struct{}, len(events))
	for _, ev := range events {
		assert.Equal(t, "order-5", ev.CorrelationID)
		assert.Equal(t, "enrollment", ev.DefinitionName)
		assert.NotZero(t, ev.Timestamp)
		_, dup := seen[ev.ID]
		assert.False(t, dup, "duplicate event id %s", ev.ID)
		seen[ev.ID] = struct{}{}
	}
	assert.Equal(t, id+":1:SagaStarted", events[0].ID)
}

func TestEngine_ListSagas(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.p.failWith("enroll", saga.DirectionForward, saga.Reject("course full"))

	for i := 0; i < 3; i++ {
		_, err := h.engine.StartSaga(ctx, "enrollment", nil, "")
		require.NoError(t, err)
	}
	stuck := h.seed(t, nil)

	page, err := h.engine.ListSagas(ctx, saga.StatusCompensated, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages())
	assert.True(t, page.HasNext())
	assert.Len(t, page.Instances, 2)

	page, err = h.engine.ListSagas(ctx, saga.StatusCompensated, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Instances, 1)
	assert.False(t, page.HasNext())

	page, err = h.engine.ListSagas(ctx, "running", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, saga.DefaultPageSize, page.PageSize)
	require.Len(t, page.Instances, 1)
	assert.Equal(t, stuck.ID, page.Instances[0].ID)

	_, err = h.engine.ListSagas(ctx, "DONE", 1, 10)
	assert.ErrorIs(t, err, saga.ErrInvalidRequest())
	_, err = h.engine.ListSagas(ctx, saga.StatusFailed, 0, 10)
	assert.ErrorIs(t, err, saga.ErrInvalidRequest())
	_, err = h.engine.ListSagas(ctx, saga.StatusFailed, 1, saga.MaxPageSize+1)
	assert.ErrorIs(t, err, saga.ErrInvalidRequest())
}

func TestEngine_GetSagaNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.GetSaga(context.Background(), "nope")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound())

	_, err = h.engine.ResumeSaga(context.Background(), "nope")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound())
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
