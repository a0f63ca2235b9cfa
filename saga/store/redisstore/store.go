// Package redisstore 基于 Redis 的 Saga 存储
//
// 每个实例一个 hash（version、status、data），未终结实例的 ID 记录在一个集合中，
// 每个状态一个以创建时间为分数的有序集合，关联 ID 唯一性通过 SETNX 键实现。创建与 CAS 都是 Lua 脚本，在服务端原子执行。
// 所有键共享同一个 hash tag，可在 Redis Cluster 上使用。
package redisstore

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	apperrors "sagaflow/errors"
	"sagaflow/saga"
)

// DefaultPrefix 默认键前缀
const DefaultPrefix = "{sagaflow}"

// KEYS: instance, nonterminal set, status index, [correlation]
// ARGV: id, version, status, data, terminal, created_at
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return -1
end
if KEYS[4] then
	if redis.call('SETNX', KEYS[4], ARGV[1]) == 0 then
		return -2
	end
end
redis.call('HSET', KEYS[1], 'version', ARGV[2], 'status', ARGV[3], 'data', ARGV[4])
if ARGV[5] == '0' then
	redis.call('SADD', KEYS[2], ARGV[1])
end
redis.call('ZADD', KEYS[3], ARGV[6], ARGV[1])
return 1
`)

// KEYS: instance, nonterminal set, status index
// ARGV: id, expected, version, status, data, terminal, created_at, status index prefix
var swapScript = redis.NewScript(`
local state = redis.call('HMGET', KEYS[1], 'version', 'status')
if not state[1] then
	return -1
end
if tonumber(state[1]) ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'version', ARGV[3], 'status', ARGV[4], 'data', ARGV[5])
if ARGV[6] == '1' then
	redis.call('SREM', KEYS[2], ARGV[1])
else
	redis.call('SADD', KEYS[2], ARGV[1])
end
if state[2] ~= ARGV[4] then
	if state[2] then
		redis.call('ZREM', ARGV[8] .. state[2], ARGV[1])
	end
	redis.call('ZADD', KEYS[3], ARGV[7], ARGV[1])
end
return 1
`)

// Store Redis 存储
type Store struct {
	client             redis.UniversalClient
	prefix             string
	enforceCorrelation bool
}

// Option 存储选项
type Option func(*Store)

// WithPrefix 设置键前缀
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithCorrelationUniqueness 同一定义下非空 CorrelationID 必须唯一
func WithCorrelationUniqueness() Option {
	return func(s *Store) { s.enforceCorrelation = true }
}

// New 创建 Redis 存储
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) instanceKey(id string) string {
	return s.prefix + ":instance:" + id
}

func (s *Store) nonTerminalKey() string {
	return s.prefix + ":nonterminal"
}

// statusPrefix 状态索引键前缀，按 CreatedAt 毫秒为分数的有序集合
func (s *Store) statusPrefix() string {
	return s.prefix + ":status:"
}

func (s *Store) statusKey(status saga.Status) string {
	return s.statusPrefix() + string(status)
}

func (s *Store) correlationKey(key string) string {
	return s.prefix + ":correlation:" + key
}

func terminalFlag(inst *saga.Instance) string {
	if inst.IsTerminal() {
		return "1"
	}
	return "0"
}

// Create 写入新实例
func (s *Store) Create(ctx context.Context, inst *saga.Instance) error {
	data, err := inst.ToJSON()
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeCodec, "encode saga instance")
	}

	keys := []string{s.instanceKey(inst.ID), s.nonTerminalKey(), s.statusKey(inst.Status)}
	if ck := saga.CorrelationKey(inst); s.enforceCorrelation && ck != "" {
		keys = append(keys, s.correlationKey(ck))
	}

	code, err := createScript.Run(ctx, s.client, keys,
		inst.ID,
		strconv.FormatUint(inst.Version, 10),
		string(inst.Status),
		string(data),
		terminalFlag(inst),
		inst.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return apperrors.WrapCacheError(ctx, err, "create saga instance")
	}

	switch code {
	case -1:
		return apperrors.NewError(apperrors.ErrCodeDuplicate, "saga instance already exists").
			WithContext("saga_id", inst.ID)
	case -2:
		return saga.NewDuplicateCorrelationError(inst.DefinitionName, inst.CorrelationID)
	}
	return nil
}

// Load 加载实例
func (s *Store) Load(ctx context.Context, instanceID string) (*saga.Instance, error) {
	values, err := s.client.HMGet(ctx, s.instanceKey(instanceID), "data", "version").Result()
	if err != nil {
		return nil, apperrors.WrapCacheError(ctx, err, "load saga instance")
	}
	return decodeHash(instanceID, values)
}

// decodeHash 解析 HMGET data version 的结果；hash 不存在时返回 SAGA_NOT_FOUND
func decodeHash(instanceID string, values []any) (*saga.Instance, error) {
	data, ok := values[0].(string)
	if !ok {
		return nil, saga.NewSagaNotFoundError(instanceID)
	}

	inst, err := saga.InstanceFromJSON([]byte(data))
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeCodec, "decode saga instance").
			WithContext("saga_id", instanceID)
	}
	if raw, ok := values[1].(string); ok {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			inst.Version = v
		}
	}
	return inst, nil
}

// CompareAndSwap 版本匹配时替换实例，并同步维护未终结集合
func (s *Store) CompareAndSwap(ctx context.Context, inst *saga.Instance, expectedVersion uint64) (bool, error) {
	if err := saga.CheckSwapVersion(inst, expectedVersion); err != nil {
		return false, err
	}

	data, err := inst.ToJSON()
	if err != nil {
		return false, apperrors.WrapError(err, apperrors.ErrCodeCodec, "encode saga instance")
	}

	code, err := swapScript.Run(ctx, s.client,
		[]string{s.instanceKey(inst.ID), s.nonTerminalKey(), s.statusKey(inst.Status)},
		inst.ID,
		strconv.FormatUint(expectedVersion, 10),
		strconv.FormatUint(inst.Version, 10),
		string(inst.Status),
		string(data),
		terminalFlag(inst),
		inst.CreatedAt.UnixMilli(),
		s.statusPrefix(),
	).Int()
	if err != nil {
		return false, apperrors.WrapCacheError(ctx, err, "update saga instance")
	}

	switch code {
	case -1:
		return false, saga.NewSagaNotFoundError(inst.ID)
	case 0:
		return false, nil
	}
	return true, nil
}

// ListNonTerminal 返回未终结集合的成员
func (s *Store) ListNonTerminal(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.nonTerminalKey()).Result()
	if err != nil {
		return nil, apperrors.WrapCacheError(ctx, err, "list non-terminal sagas")
	}
	sort.Strings(ids)
	return ids, nil
}

// ListByStatus 按状态索引分页，页内实例通过 pipeline 批量读取
func (s *Store) ListByStatus(ctx context.Context, status saga.Status, offset, limit int) ([]*saga.Instance, int, error) {
	key := s.statusKey(status)
	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, apperrors.WrapCacheError(ctx, err, "count sagas by status")
	}

	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	ids, err := s.client.ZRange(ctx, key, int64(offset), stop).Result()
	if err != nil {
		return nil, 0, apperrors.WrapCacheError(ctx, err, "list sagas by status")
	}
	if len(ids) == 0 {
		return []*saga.Instance{}, int(total), nil
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	if _, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HMGet(ctx, s.instanceKey(id), "data", "version")
		}
		return nil
	}); err != nil {
		return nil, 0, apperrors.WrapCacheError(ctx, err, "load saga page")
	}

	page := make([]*saga.Instance, 0, len(ids))
	for i, id := range ids {
		inst, err := decodeHash(id, cmds[i].Val())
		if errors.Is(err, saga.ErrSagaNotFound()) {
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		page = append(page, inst)
	}
	return page, int(total), nil
}

var _ saga.IStore = (*Store)(nil)
