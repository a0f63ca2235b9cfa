package saga_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sagaflow/logging"
	"sagaflow/saga"
	"sagaflow/saga/store/memory"
	"sagaflow/saga/store/storetest"
)

// participant 记录调用并按 step:DIRECTION 注入失败或钩子
type participant struct {
	mu       sync.Mutex
	calls    []string
	keys     map[string][]string
	attempts map[string][]int
	failures map[string]error
	hooks    map[string]func()
}

func newParticipant() *participant {
	return &participant{
		keys:     make(map[string][]string),
		attempts: make(map[string][]int),
		failures: make(map[string]error),
		hooks:    make(map[string]func()),
	}
}

func callKey(step string, dir saga.Direction) string {
	return step + ":" + string(dir)
}

func (p *participant) failWith(step string, dir saga.Direction, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[callKey(step, dir)] = err
}

func (p *participant) onCall(step string, dir saga.Direction, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks[callKey(step, dir)] = fn
}

func (p *participant) action(step string, dir saga.Direction) saga.Action {
	return func(ctx context.Context, call saga.Call) ([]byte, error) {
		key := callKey(step, dir)
		p.mu.Lock()
		p.calls = append(p.calls, key)
		p.keys[key] = append(p.keys[key], call.IdempotencyKey)
		p.attempts[key] = append(p.attempts[key], call.Attempt)
		err := p.failures[key]
		hook := p.hooks[key]
		p.mu.Unlock()

		if hook != nil {
			hook()
		}
		if err != nil {
			return nil, err
		}
		return []byte(`{"step":"` + step + `"}`), nil
	}
}

func (p *participant) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *participant) count(step string, dir saga.Direction) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == callKey(step, dir) {
			n++
		}
	}
	return n
}

func (p *participant) idempotencyKeys(step string, dir saga.Direction) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys[callKey(step, dir)]...)
}

// enrollmentDefinition charge → enroll → notify；notify 不可补偿
func enrollmentDefinition(p *participant) saga.Definition {
	step := func(name string, compensable bool) saga.StepSpec {
		s := saga.StepSpec{
			Name:    name,
			Forward: p.action(name, saga.DirectionForward),
			Timeout: time.Second,
		}
		if compensable {
			s.Compensate = p.action(name, saga.DirectionCompensate)
		}
		return s
	}
	return saga.Definition{
		Name:  "enrollment",
		Steps: []saga.StepSpec{step("charge", true), step("enroll", true), step("notify", false)},
	}
}

type harness struct {
	engine   *saga.Engine
	store    *memory.Store
	events   *saga.MemoryPublisher
	registry *saga.Registry
	p        *participant
}

func newHarness(t *testing.T, opts ...saga.EngineOption) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil, opts...)
}

func newHarnessWithStore(t *testing.T, wrap func(saga.IStore) saga.IStore, opts ...saga.EngineOption) *harness {
	t.Helper()
	store, err := memory.New(memory.WithCorrelationUniqueness())
	require.NoError(t, err)

	p := newParticipant()
	registry := saga.NewRegistry()
	registry.MustRegister(enrollmentDefinition(p))

	var backing saga.IStore = store
	if wrap != nil {
		backing = wrap(store)
	}

	events := saga.NewMemoryPublisher()
	base := []saga.EngineOption{
		saga.WithExecutionMode(saga.ExecutionSync),
		saga.WithEventPublisher(events),
		saga.WithLogger(logging.NewNoopLogger()),
		saga.WithNodeID("test-node"),
	}
	engine, err := saga.NewEngine(backing, registry, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	return &harness{engine: engine, store: store, events: events, registry: registry, p: p}
}

func (h *harness) get(t *testing.T, id string) *saga.Instance {
	t.Helper()
	inst, err := h.engine.GetSaga(context.Background(), id)
	require.NoError(t, err)
	return inst
}

// seed 写入一个由已崩溃执行留下的实例（租约已过期）
func (h *harness) seed(t *testing.T, mutate func(inst *saga.Instance)) *saga.Instance {
	t.Helper()
	inst := storetest.NewInstance("enrollment", "")
	inst.Status = saga.StatusRunning
	inst.LeaseOwner = "crashed-node/1"
	inst.LeaseExpiresAt = time.Now().Add(-time.Minute)
	if mutate != nil {
		mutate(inst)
	}
	require.NoError(t, h.store.Create(context.Background(), inst))
	return inst
}

func forwardSuccess(step string, index int) saga.StepOutcome {
	return saga.StepOutcome{
		StepName:        step,
		StepIndex:       index,
		Direction:       saga.DirectionForward,
		Attempt:         1,
		Result:          saga.ResultSuccess,
		ResponsePayload: []byte(`{"step":"` + step + `"}`),
		Timestamp:       time.Now(),
	}
}

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
