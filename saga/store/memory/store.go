// Package memory 基于 go-memdb 的进程内 Saga 存储
//
// 适用于测试与单进程部署；写事务串行执行，CAS 的读-比较-写在同一事务内完成。
package memory

import (
	"context"
	"sort"

	"github.com/hashicorp/go-memdb"

	apperrors "sagaflow/errors"
	"sagaflow/saga"
)

const tableInstances = "saga_instances"

// record 表中的一行；Instance 写入后不再修改
type record struct {
	ID             string
	Status         string
	CorrelationKey string
	Version        uint64
	Instance       *saga.Instance
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableInstances: {
				Name: tableInstances,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"status": {
						Name:    "status",
						Indexer: &memdb.StringFieldIndex{Field: "Status"},
					},
					"correlation": {
						Name:         "correlation",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "CorrelationKey"},
					},
				},
			},
		},
	}
}

// Store 内存存储
type Store struct {
	db                 *memdb.MemDB
	enforceCorrelation bool
}

// Option 存储选项
type Option func(*Store)

// WithCorrelationUniqueness 同一定义下非空 CorrelationID 必须唯一
func WithCorrelationUniqueness() Option {
	return func(s *Store) { s.enforceCorrelation = true }
}

// New 创建内存存储
func New(opts ...Option) (*Store, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "create memdb")
	}
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func toRecord(inst *saga.Instance) *record {
	return &record{
		ID:             inst.ID,
		Status:         string(inst.Status),
		CorrelationKey: saga.CorrelationKey(inst),
		Version:        inst.Version,
		Instance:       inst.Clone(),
	}
}

// Create 写入新实例
func (s *Store) Create(_ context.Context, inst *saga.Instance) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "lookup saga instance")
	}
	if existing != nil {
		return apperrors.NewError(apperrors.ErrCodeDuplicate, "saga instance already exists").
			WithContext("saga_id", inst.ID)
	}

	rec := toRecord(inst)
	if s.enforceCorrelation && rec.CorrelationKey != "" {
		taken, err := txn.First(tableInstances, "correlation", rec.CorrelationKey)
		if err != nil {
			return apperrors.WrapError(err, apperrors.ErrCodeInternal, "lookup correlation id")
		}
		if taken != nil {
			return saga.NewDuplicateCorrelationError(inst.DefinitionName, inst.CorrelationID)
		}
	}

	if err := txn.Insert(tableInstances, rec); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "insert saga instance")
	}
	txn.Commit()
	return nil
}

// Load 加载实例副本
func (s *Store) Load(_ context.Context, instanceID string) (*saga.Instance, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", instanceID)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "load saga instance")
	}
	if raw == nil {
		return nil, saga.NewSagaNotFoundError(instanceID)
	}
	return raw.(*record).Instance.Clone(), nil
}

// CompareAndSwap 版本匹配时替换实例
func (s *Store) CompareAndSwap(_ context.Context, inst *saga.Instance, expectedVersion uint64) (bool, error) {
	if err := saga.CheckSwapVersion(inst, expectedVersion); err != nil {
		return false, err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableInstances, "id", inst.ID)
	if err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeInternal, "load saga instance")
	}
	if raw == nil {
		return false, saga.NewSagaNotFoundError(inst.ID)
	}
	current := raw.(*record)
	if current.Version != expectedVersion {
		return false, nil
	}

	rec := toRecord(inst)
	// 关联键在创建时确定，之后不随实例变化
	rec.CorrelationKey = current.CorrelationKey
	if err := txn.Insert(tableInstances, rec); err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeInternal, "update saga instance")
	}
	txn.Commit()
	return true, nil
}

// ListNonTerminal 通过 status 索引列出未终结实例
func (s *Store) ListNonTerminal(_ context.Context) ([]string, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var ids []string
	for _, status := range saga.NonTerminalStatuses() {
		it, err := txn.Get(tableInstances, "status", string(status))
		if err != nil {
			return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "scan saga instances")
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			ids = append(ids, obj.(*record).ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ListByStatus 通过 status 索引分页列举
func (s *Store) ListByStatus(_ context.Context, status saga.Status, offset, limit int) ([]*saga.Instance, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableInstances, "status", string(status))
	if err != nil {
		return nil, 0, apperrors.WrapError(err, apperrors.ErrCodeInternal, "scan saga instances")
	}
	var matched []*saga.Instance
	for obj := it.Next(); obj != nil; obj = it.Next() {
		matched = append(matched, obj.(*record).Instance)
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	page := []*saga.Instance{}
	for i := offset; i < len(matched); i++ {
		if limit > 0 && len(page) == limit {
			break
		}
		page = append(page, matched[i].Clone())
	}
	return page, len(matched), nil
}

var _ saga.IStore = (*Store)(nil)
