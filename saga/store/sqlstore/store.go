// Package sqlstore 基于 data/db 抽象的 SQL Saga 存储（SQLite、Postgres）
//
// 每个实例一行：JSON 正文、version 与 status 列。CAS 通过
// UPDATE ... WHERE version = ? 的影响行数判断。
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	core "sagaflow/data/db"
	"sagaflow/data/db/basic"
	"sagaflow/data/db/dialect"
	apperrors "sagaflow/errors"
	"sagaflow/saga"
)

// DefaultTable 默认表名
const DefaultTable = "saga_instances"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store SQL 存储
type Store struct {
	db                 core.IDatabase
	dialect            dialect.Dialect
	table              string
	enforceCorrelation bool
}

// Option 存储选项
type Option func(*Store)

// WithTable 设置表名
func WithTable(name string) Option {
	return func(s *Store) { s.table = name }
}

// WithCorrelationUniqueness 在 (definition_name, correlation_id) 上建立唯一索引
func WithCorrelationUniqueness() Option {
	return func(s *Store) { s.enforceCorrelation = true }
}

// New 创建 SQL 存储
func New(database core.IDatabase, opts ...Option) (*Store, error) {
	if database == nil {
		return nil, errors.New("sqlstore: database is required")
	}
	s := &Store{
		db:      database,
		dialect: dialect.FromDatabase(database),
		table:   DefaultTable,
	}
	for _, opt := range opts {
		opt(s)
	}
	if !tableNamePattern.MatchString(s.table) {
		return nil, fmt.Errorf("sqlstore: unsafe table name %q", s.table)
	}
	return s, nil
}

func (s *Store) quotedTable() string {
	return s.dialect.QuoteIdentifier(s.table)
}

// Migrate 创建表与索引（幂等）
func (s *Store) Migrate(ctx context.Context) error {
	table := s.quotedTable()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			instance_id     VARCHAR(64)  NOT NULL PRIMARY KEY,
			definition_name VARCHAR(255) NOT NULL,
			correlation_id  VARCHAR(255) NULL,
			status          VARCHAR(32)  NOT NULL,
			version         BIGINT       NOT NULL,
			data            TEXT         NOT NULL,
			created_at      BIGINT       NOT NULL,
			updated_at      BIGINT       NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + s.table + `_status ON ` + table + ` (status)`,
	}
	if s.enforceCorrelation {
		// NULL 在 SQLite 与 Postgres 的唯一索引中互不冲突，空关联 ID 不受约束
		stmts = append(stmts, `CREATE UNIQUE INDEX IF NOT EXISTS uq_`+s.table+`_correlation ON `+
			table+` (definition_name, correlation_id)`)
	}

	return basic.RunInTx(ctx, s.db, func(tx core.ITransaction) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return apperrors.WrapDatabaseError(ctx, err, "migrate saga store")
			}
		}
		return nil
	})
}

func nullableCorrelation(inst *saga.Instance) any {
	if inst.CorrelationID == "" {
		return nil
	}
	return inst.CorrelationID
}

// Create 插入新实例
func (s *Store) Create(ctx context.Context, inst *saga.Instance) error {
	data, err := inst.ToJSON()
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeCodec, "encode saga instance")
	}

	query := `INSERT INTO ` + s.quotedTable() +
		` (instance_id, definition_name, correlation_id, status, version, data, created_at, updated_at)` +
		` VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.Exec(ctx, query,
		inst.ID,
		inst.DefinitionName,
		nullableCorrelation(inst),
		string(inst.Status),
		int64(inst.Version),
		string(data),
		inst.CreatedAt.UnixMilli(),
		inst.UpdatedAt.UnixMilli(),
	)
	if err == nil {
		return nil
	}

	if s.dialect.IsUniqueViolation(err) {
		exists, lookupErr := s.exists(ctx, inst.ID)
		if lookupErr != nil {
			return lookupErr
		}
		if !exists && s.enforceCorrelation && inst.CorrelationID != "" {
			return saga.NewDuplicateCorrelationError(inst.DefinitionName, inst.CorrelationID)
		}
		return apperrors.WrapError(err, apperrors.ErrCodeDuplicate, "saga instance already exists").
			WithContext("saga_id", inst.ID)
	}
	return apperrors.WrapDatabaseError(ctx, err, "insert saga instance")
}

func (s *Store) exists(ctx context.Context, instanceID string) (bool, error) {
	query, args := basic.NewSelect().
		Select("version").
		FromQuoted(s.table, s.dialect.QuoteIdentifier).
		Where("instance_id = ?", instanceID).
		Build()

	var version int64
	err := s.db.QueryRow(ctx, query, args...).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.WrapDatabaseError(ctx, err, "lookup saga instance")
	}
	return true, nil
}

// Load 加载实例；version 列为准
func (s *Store) Load(ctx context.Context, instanceID string) (*saga.Instance, error) {
	query, args := basic.NewSelect().
		Select("data", "version").
		FromQuoted(s.table, s.dialect.QuoteIdentifier).
		Where("instance_id = ?", instanceID).
		Build()

	var (
		data    string
		version int64
	)
	err := s.db.QueryRow(ctx, query, args...).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, saga.NewSagaNotFoundError(instanceID)
	}
	if err != nil {
		return nil, apperrors.WrapDatabaseError(ctx, err, "load saga instance")
	}
	return decodeRow(instanceID, data, version)
}

// decodeRow 以 version 列覆盖 JSON 正文中的版本号
func decodeRow(instanceID, data string, version int64) (*saga.Instance, error) {
	inst, err := saga.InstanceFromJSON([]byte(data))
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeCodec, "decode saga instance").
			WithContext("saga_id", instanceID)
	}
	inst.Version = uint64(version)
	return inst, nil
}

// CompareAndSwap 版本匹配时整体替换实例
func (s *Store) CompareAndSwap(ctx context.Context, inst *saga.Instance, expectedVersion uint64) (bool, error) {
	if err := saga.CheckSwapVersion(inst, expectedVersion); err != nil {
		return false, err
	}

	data, err := inst.ToJSON()
	if err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeCodec, "encode saga instance")
	}

	query := `UPDATE ` + s.quotedTable() +
		` SET status = ?, version = ?, data = ?, updated_at = ?` +
		` WHERE instance_id = ? AND version = ?`
	res, err := s.db.Exec(ctx, query,
		string(inst.Status),
		int64(inst.Version),
		string(data),
		inst.UpdatedAt.UnixMilli(),
		inst.ID,
		int64(expectedVersion),
	)
	if err != nil {
		return false, apperrors.WrapDatabaseError(ctx, err, "update saga instance")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.WrapDatabaseError(ctx, err, "update saga instance")
	}
	if affected == 1 {
		return true, nil
	}

	exists, err := s.exists(ctx, inst.ID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, saga.NewSagaNotFoundError(inst.ID)
	}
	return false, nil
}

// ListNonTerminal 按创建时间列出未终结实例
func (s *Store) ListNonTerminal(ctx context.Context) ([]string, error) {
	statuses := saga.NonTerminalStatuses()
	values := make([]any, 0, len(statuses))
	for _, st := range statuses {
		values = append(values, string(st))
	}

	query, args := basic.NewSelect().
		Select("instance_id").
		FromQuoted(s.table, s.dialect.QuoteIdentifier).
		WhereIn("status", values...).
		OrderBy("created_at", false).
		Build()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.WrapDatabaseError(ctx, err, "list non-terminal sagas")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.WrapDatabaseError(ctx, err, "scan saga id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.WrapDatabaseError(ctx, err, "iterate saga ids")
	}
	return ids, nil
}

// ListByStatus 借助 status 索引分页列举
func (s *Store) ListByStatus(ctx context.Context, status saga.Status, offset, limit int) ([]*saga.Instance, int, error) {
	var total int
	countQuery := `SELECT COUNT(*) FROM ` + s.quotedTable() + ` WHERE status = ?`
	if err := s.db.QueryRow(ctx, countQuery, string(status)).Scan(&total); err != nil {
		return nil, 0, apperrors.WrapDatabaseError(ctx, err, "count sagas by status")
	}
	if total == 0 || offset >= total {
		return []*saga.Instance{}, total, nil
	}

	b := basic.NewSelect().
		Select("instance_id", "data", "version").
		FromQuoted(s.table, s.dialect.QuoteIdentifier).
		Where("status = ?", string(status)).
		OrderBy("created_at", false).
		OrderBy("instance_id", false)
	skip := offset
	if limit > 0 {
		b = b.Limit(limit).Offset(offset)
		skip = 0
	}
	query, args := b.Build()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperrors.WrapDatabaseError(ctx, err, "list sagas by status")
	}
	defer rows.Close()

	page := []*saga.Instance{}
	for rows.Next() {
		var (
			id      string
			data    string
			version int64
		)
		if err := rows.Scan(&id, &data, &version); err != nil {
			return nil, 0, apperrors.WrapDatabaseError(ctx, err, "scan saga instance")
		}
		if skip > 0 {
			skip--
			continue
		}
		inst, err := decodeRow(id, data, version)
		if err != nil {
			return nil, 0, err
		}
		page = append(page, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperrors.WrapDatabaseError(ctx, err, "iterate saga instances")
	}
	return page, total, nil
}

var _ saga.IStore = (*Store)(nil)
