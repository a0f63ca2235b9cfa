package errors

import (
	"context"
	"fmt"
	"runtime"

	"sagaflow/logging"
)

// WrapWithLog 包装错误并记录警告日志
func WrapWithLog(ctx context.Context, err error, code ErrorCode, msg string, fields ...logging.Field) error {
	if err == nil {
		return nil
	}

	_, file, line, _ := runtime.Caller(1)

	wrapped := WrapError(err, code, msg)

	allFields := append([]logging.Field{
		logging.Error(err),
		logging.String("error_code", string(code)),
		logging.String("location", fmt.Sprintf("%s:%d", file, line)),
	}, fields...)

	logging.GetLogger().Warn(ctx, msg, allFields...)

	return wrapped
}

// WrapDatabaseError 包装数据库错误
//
// 已规范化为 NotFound / Timeout 的错误保持其错误码，其余归为 DATABASE_ERROR。
func WrapDatabaseError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	switch n := Normalize(err); GetErrorCode(n) {
	case ErrCodeNotFound, ErrCodeTimeout, ErrCodeDuplicate:
		return n
	}

	return WrapWithLog(ctx, err, ErrCodeDatabase,
		fmt.Sprintf("database operation failed: %s", operation),
		logging.String("operation", operation),
	)
}

// WrapCacheError 包装 Redis 等键值存储错误
func WrapCacheError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	return WrapWithLog(ctx, err, ErrCodeCache,
		fmt.Sprintf("cache operation failed: %s", operation),
		logging.String("operation", operation),
	)
}
