package errors

import (
	"context"
	"database/sql"
	stdErrors "errors"
)

// Normalize 将常见的标准库错误规范化为 AppError
//
// 注意：
//   - 已经是 IError 的错误原样返回；
//   - 未识别的错误保持原样，交由调用方决定是否包装。
func Normalize(err error) error {
	if err == nil {
		return nil
	}

	if _, ok := err.(IError); ok {
		return err
	}

	switch {
	case stdErrors.Is(err, sql.ErrNoRows):
		return WrapError(err, ErrCodeNotFound, "row not found")
	case stdErrors.Is(err, context.DeadlineExceeded):
		return WrapError(err, ErrCodeTimeout, "deadline exceeded")
	case stdErrors.Is(err, sql.ErrTxDone):
		return WrapError(err, ErrCodeConflict, "transaction already finished")
	}

	return err
}
