package saga

import "context"

// IStore Saga 实例存储
//
// 每个实例一条记录，按 ID 索引，并支持按状态扫描未终结实例。
// 存储从不自行修改实例。
type IStore interface {
	// Create 持久化新实例。启用关联 ID 唯一约束时，同一定义下重复的
	// 非空 CorrelationID 返回 SAGA_DUPLICATE_CORRELATION
	Create(ctx context.Context, inst *Instance) error

	// Load 加载实例副本，不存在时返回 SAGA_NOT_FOUND
	Load(ctx context.Context, instanceID string) (*Instance, error)

	// CompareAndSwap 当存储中的版本等于 expectedVersion 时写入 inst
	//
	// inst.Version 必须等于 expectedVersion+1，否则返回 SAGA_INVALID_VERSION。
	// 版本不匹配返回 (false, nil)，调用方应重新加载后重试。
	CompareAndSwap(ctx context.Context, inst *Instance, expectedVersion uint64) (bool, error)

	// ListNonTerminal 返回所有处于 PENDING、RUNNING、COMPENSATING 的实例 ID
	ListNonTerminal(ctx context.Context) ([]string, error)

	// ListByStatus 通过状态索引分页列举实例，按 CreatedAt、ID 升序
	//
	// 返回当前页与该状态下的实例总数；limit 为 0 时返回 offset 之后的全部实例。
	ListByStatus(ctx context.Context, status Status, offset, limit int) ([]*Instance, int, error)
}

// CheckSwapVersion 校验 CAS 新版本号，供存储实现复用
func CheckSwapVersion(inst *Instance, expectedVersion uint64) error {
	if inst.Version != expectedVersion+1 {
		return NewInvalidVersionError(inst.ID, expectedVersion, inst.Version)
	}
	return nil
}

// CorrelationKey 关联 ID 唯一约束使用的键；空 CorrelationID 不参与约束
func CorrelationKey(inst *Instance) string {
	if inst.CorrelationID == "" {
		return ""
	}
	return inst.DefinitionName + "/" + inst.CorrelationID
}
