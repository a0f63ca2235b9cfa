// Package storetest 为 saga.IStore 实现提供一致性测试
package storetest

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sagaflow/errors"
	"sagaflow/saga"
)

// Factory 创建一个空存储；enforceCorrelation 控制关联 ID 唯一约束
type Factory func(t *testing.T, enforceCorrelation bool) saga.IStore

// NewInstance 构造一个版本为 1 的 PENDING 实例
func NewInstance(definition, correlationID string) *saga.Instance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &saga.Instance{
		ID:             uuid.NewString(),
		DefinitionName: definition,
		CorrelationID:  correlationID,
		Status:         saga.StatusPending,
		Request:        []byte(`{"course":"go-101"}`),
		StepOutcomes:   []saga.StepOutcome{},
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

// Run 运行全部一致性用例
func Run(t *testing.T, factory Factory) {
	t.Run("CreateAndLoad", func(t *testing.T) { testCreateAndLoad(t, factory(t, false)) })
	t.Run("LoadMissing", func(t *testing.T) { testLoadMissing(t, factory(t, false)) })
	t.Run("DuplicateID", func(t *testing.T) { testDuplicateID(t, factory(t, false)) })
	t.Run("CompareAndSwap", func(t *testing.T) { testCompareAndSwap(t, factory(t, false)) })
	t.Run("CompareAndSwapInvalidVersion", func(t *testing.T) { testInvalidVersion(t, factory(t, false)) })
	t.Run("ListNonTerminal", func(t *testing.T) { testListNonTerminal(t, factory(t, false)) })
	t.Run("ListByStatus", func(t *testing.T) { testListByStatus(t, factory(t, false)) })
	t.Run("CorrelationEnforced", func(t *testing.T) { testCorrelationEnforced(t, factory(t, true)) })
	t.Run("CorrelationNotEnforced", func(t *testing.T) { testCorrelationNotEnforced(t, factory(t, false)) })
	t.Run("ConcurrentSwap", func(t *testing.T) { testConcurrentSwap(t, factory(t, false)) })
	t.Run("LoadReturnsCopy", func(t *testing.T) { testLoadReturnsCopy(t, factory(t, false)) })
}

func testCreateAndLoad(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	inst := NewInstance("enrollment", "order-1")
	inst.LeaseOwner = "node-a/1"
	inst.LeaseExpiresAt = inst.CreatedAt.Add(time.Minute)
	require.NoError(t, store.Create(ctx, inst))

	got, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "enrollment", got.DefinitionName)
	assert.Equal(t, "order-1", got.CorrelationID)
	assert.Equal(t, saga.StatusPending, got.Status)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, inst.Request, got.Request)
	assert.Equal(t, "node-a/1", got.LeaseOwner)
	assert.True(t, inst.LeaseExpiresAt.Equal(got.LeaseExpiresAt))
	assert.True(t, inst.CreatedAt.Equal(got.CreatedAt))
}

func testLoadMissing(t *testing.T, store saga.IStore) {
	_, err := store.Load(context.Background(), "does-not-exist")
	require.Error(t, err)
	assert.ErrorIs(t, err, saga.ErrSagaNotFound())
}

func testDuplicateID(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	inst := NewInstance("enrollment", "")
	require.NoError(t, store.Create(ctx, inst))
	err := store.Create(ctx, inst)
	require.Error(t, err)
	assert.True(t, apperrors.IsDuplicate(err))
}

func testCompareAndSwap(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	inst := NewInstance("enrollment", "")
	require.NoError(t, store.Create(ctx, inst))

	next := inst.Clone()
	next.Status = saga.StatusRunning
	next.StepOutcomes = append(next.StepOutcomes, saga.StepOutcome{
		StepName:        "charge",
		Direction:       saga.DirectionForward,
		Attempt:         1,
		Result:          saga.ResultSuccess,
		ResponsePayload: []byte(`{"charge_id":"ch_1"}`),
		Timestamp:       inst.CreatedAt,
	})
	next.CurrentStepIndex = 1
	next.Version = 2

	ok, err := store.CompareAndSwap(ctx, next, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, saga.StatusRunning, got.Status)
	assert.Equal(t, 1, got.CurrentStepIndex)
	require.Len(t, got.StepOutcomes, 1)
	assert.Equal(t, []byte(`{"charge_id":"ch_1"}`), got.StepOutcomes[0].ResponsePayload)

	// 过期写入被拒绝，且不修改存储
	stale := inst.Clone()
	stale.Status = saga.StatusFailed
	stale.Version = 2
	ok, err = store.CompareAndSwap(ctx, stale, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusRunning, got.Status)
	assert.Equal(t, uint64(2), got.Version)
}

func testInvalidVersion(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	inst := NewInstance("enrollment", "")
	require.NoError(t, store.Create(ctx, inst))

	next := inst.Clone()
	next.Version = 5
	ok, err := store.CompareAndSwap(ctx, next, 1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, saga.ErrInvalidVersion())
}

func testListNonTerminal(t *testing.T, store saga.IStore) {
	ctx := context.Background()

	pending := NewInstance("enrollment", "")
	running := NewInstance("enrollment", "")
	done := NewInstance("enrollment", "")
	for _, inst := range []*saga.Instance{pending, running, done} {
		require.NoError(t, store.Create(ctx, inst))
	}

	swap := func(inst *saga.Instance, status saga.Status) {
		next := inst.Clone()
		next.Status = status
		next.Version = inst.Version + 1
		ok, err := store.CompareAndSwap(ctx, next, inst.Version)
		require.NoError(t, err)
		require.True(t, ok)
	}
	swap(running, saga.StatusRunning)
	swap(done, saga.StatusCompleted)

	ids, err := store.ListNonTerminal(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{pending.ID, running.ID}, ids)
}

func testCorrelationEnforced(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewInstance("enrollment", "order-7")))

	err := store.Create(ctx, NewInstance("enrollment", "order-7"))
	assert.ErrorIs(t, err, saga.ErrDuplicateCorrelation())

	// 不同定义、空关联 ID 不受约束
	assert.NoError(t, store.Create(ctx, NewInstance("refund", "order-7")))
	assert.NoError(t, store.Create(ctx, NewInstance("enrollment", "")))
	assert.NoError(t, store.Create(ctx, NewInstance("enrollment", "")))
}

func testCorrelationNotEnforced(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, NewInstance("enrollment", "order-7")))
	assert.NoError(t, store.Create(ctx, NewInstance("enrollment", "order-7")))
}

func testConcurrentSwap(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	inst := NewInstance("enrollment", "")
	require.NoError(t, store.Create(ctx, inst))

	const writers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := inst.Clone()
			next.CurrentStepIndex = i
			next.Version = 2
			ok, err := store.CompareAndSwap(ctx, next, 1)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
}

func testLoadReturnsCopy(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	inst := NewInstance("enrollment", "")
	require.NoError(t, store.Create(ctx, inst))

	inst.Status = saga.StatusFailed
	got, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPending, got.Status)

	got.Status = saga.StatusCompleted
	again, err := store.Load(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusPending, again.Status)
}

func testListByStatus(t *testing.T, store saga.IStore) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond)

	var pending []*saga.Instance
	for i := 0; i < 5; i++ {
		inst := NewInstance("enrollment", "")
		inst.CreatedAt = base.Add(time.Duration(i) * time.Second)
		inst.UpdatedAt = inst.CreatedAt
		require.NoError(t, store.Create(ctx, inst))
		pending = append(pending, inst)
	}

	running := pending[1].Clone()
	running.Status = saga.StatusRunning
	running.Version = 2
	ok, err := store.CompareAndSwap(ctx, running, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ids := func(list []*saga.Instance) []string {
		out := make([]string, 0, len(list))
		for _, inst := range list {
			out = append(out, inst.ID)
		}
		return out
	}

	page, total, err := store.ListByStatus(ctx, saga.StatusPending, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{pending[0].ID, pending[2].ID}, ids(page))

	page, total, err = store.ListByStatus(ctx, saga.StatusPending, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, []string{pending[3].ID, pending[4].ID}, ids(page))

	page, _, err = store.ListByStatus(ctx, saga.StatusPending, 4, 2)
	require.NoError(t, err)
	assert.Empty(t, page)

	page, total, err = store.ListByStatus(ctx, saga.StatusRunning, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(2), page[0].Version)

	done := running.Clone()
	done.Status = saga.StatusCompleted
	done.Version = 3
	ok, err = store.CompareAndSwap(ctx, done, 2)
	require.NoError(t, err)
	require.True(t, ok)

	_, total, err = store.ListByStatus(ctx, saga.StatusRunning, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	page, total, err = store.ListByStatus(ctx, saga.StatusCompleted, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{running.ID}, ids(page))
}
