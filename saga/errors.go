package saga

import "fmt"

// ErrorCode Saga 错误码
type ErrorCode string

// 预定义错误码常量（不可变）
const (
	ErrCodeSagaNotFound            ErrorCode = "SAGA_NOT_FOUND"
	ErrCodeUnknownDefinition       ErrorCode = "SAGA_UNKNOWN_DEFINITION"
	ErrCodeInvalidDefinition       ErrorCode = "SAGA_INVALID_DEFINITION"
	ErrCodeInvalidRequest          ErrorCode = "SAGA_INVALID_REQUEST"
	ErrCodeDuplicateCorrelation    ErrorCode = "SAGA_DUPLICATE_CORRELATION"
	ErrCodeConcurrencyConflict     ErrorCode = "SAGA_CONCURRENCY_CONFLICT"
	ErrCodeSagaStoreFailed         ErrorCode = "SAGA_STORE_FAILED"
	ErrCodeInvalidTransition       ErrorCode = "SAGA_INVALID_TRANSITION"
	ErrCodeInvalidVersion          ErrorCode = "SAGA_INVALID_VERSION"
	ErrCodeEngineClosed            ErrorCode = "SAGA_ENGINE_CLOSED"
	ErrCodeDuplicateDefinitionName ErrorCode = "SAGA_DUPLICATE_DEFINITION"
)

// SagaError Saga 错误
type SagaError struct {
	Code     ErrorCode
	Message  string
	SagaID   string
	StepName string
	Cause    error
}

func (e *SagaError) Error() string {
	var base string
	if e.SagaID != "" && e.StepName != "" {
		base = fmt.Sprintf("%s: %s (saga=%s, step=%s)", e.Code, e.Message, e.SagaID, e.StepName)
	} else if e.SagaID != "" {
		base = fmt.Sprintf("%s: %s (saga=%s)", e.Code, e.Message, e.SagaID)
	} else {
		base = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", base, e.Cause)
	}
	return base
}

func (e *SagaError) Unwrap() error { return e.Cause }

// Is 实现 errors.Is 接口，基于错误码匹配
func (e *SagaError) Is(target error) bool {
	t, ok := target.(*SagaError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// 哨兵错误（仅用于 errors.Is 比较，不应直接返回）
var (
	errSagaNotFound         = &SagaError{Code: ErrCodeSagaNotFound}
	errUnknownDefinition    = &SagaError{Code: ErrCodeUnknownDefinition}
	errInvalidDefinition    = &SagaError{Code: ErrCodeInvalidDefinition}
	errInvalidRequest       = &SagaError{Code: ErrCodeInvalidRequest}
	errDuplicateCorrelation = &SagaError{Code: ErrCodeDuplicateCorrelation}
	errConcurrencyConflict  = &SagaError{Code: ErrCodeConcurrencyConflict}
	errSagaStoreFailed      = &SagaError{Code: ErrCodeSagaStoreFailed}
	errInvalidTransition    = &SagaError{Code: ErrCodeInvalidTransition}
	errInvalidVersion       = &SagaError{Code: ErrCodeInvalidVersion}
	errEngineClosed         = &SagaError{Code: ErrCodeEngineClosed}
	errDuplicateDefinition  = &SagaError{Code: ErrCodeDuplicateDefinitionName}
)

// ========== 哨兵错误访问函数（用于 errors.Is 比较）==========

// ErrSagaNotFound 返回 Saga 未找到错误（用于 errors.Is 比较）
func ErrSagaNotFound() *SagaError { return errSagaNotFound }

// ErrUnknownDefinition 返回未注册定义错误（用于 errors.Is 比较）
func ErrUnknownDefinition() *SagaError { return errUnknownDefinition }

// ErrInvalidDefinition 返回定义非法错误（用于 errors.Is 比较）
func ErrInvalidDefinition() *SagaError { return errInvalidDefinition }

// ErrInvalidRequest 返回请求非法错误（用于 errors.Is 比较）
func ErrInvalidRequest() *SagaError { return errInvalidRequest }

// ErrDuplicateCorrelation 返回关联 ID 重复错误（用于 errors.Is 比较）
func ErrDuplicateCorrelation() *SagaError { return errDuplicateCorrelation }

// ErrConcurrencyConflict 返回并发冲突重试耗尽错误（用于 errors.Is 比较）
func ErrConcurrencyConflict() *SagaError { return errConcurrencyConflict }

// ErrSagaStoreFailed 返回存储失败错误（用于 errors.Is 比较）
func ErrSagaStoreFailed() *SagaError { return errSagaStoreFailed }

// ErrInvalidTransition 返回非法状态迁移错误（用于 errors.Is 比较）
func ErrInvalidTransition() *SagaError { return errInvalidTransition }

// ErrInvalidVersion 返回 CAS 新版本号非法错误（用于 errors.Is 比较）
func ErrInvalidVersion() *SagaError { return errInvalidVersion }

// ErrEngineClosed 返回引擎已关闭错误（用于 errors.Is 比较）
func ErrEngineClosed() *SagaError { return errEngineClosed }

// ErrDuplicateDefinition 返回定义重复注册错误（用于 errors.Is 比较）
func ErrDuplicateDefinition() *SagaError { return errDuplicateDefinition }

// ========== 工厂函数 ==========

// NewSagaNotFoundError 创建 Saga 未找到错误
func NewSagaNotFoundError(sagaID string) *SagaError {
	return &SagaError{Code: ErrCodeSagaNotFound, Message: "saga instance not found", SagaID: sagaID}
}

// NewUnknownDefinitionError 创建未注册定义错误
func NewUnknownDefinitionError(name string) *SagaError {
	return &SagaError{Code: ErrCodeUnknownDefinition, Message: fmt.Sprintf("saga definition %q is not registered", name)}
}

// NewInvalidDefinitionError 创建定义非法错误
func NewInvalidDefinitionError(name, reason string) *SagaError {
	return &SagaError{Code: ErrCodeInvalidDefinition, Message: fmt.Sprintf("definition %q: %s", name, reason)}
}

// NewInvalidRequestError 创建请求非法错误
func NewInvalidRequestError(name string, cause error) *SagaError {
	return &SagaError{Code: ErrCodeInvalidRequest, Message: fmt.Sprintf("request rejected by definition %q", name), Cause: cause}
}

// NewInvalidQueryError 创建查询参数非法错误
func NewInvalidQueryError(reason string) *SagaError {
	return &SagaError{Code: ErrCodeInvalidRequest, Message: "invalid query: " + reason}
}

// NewDuplicateCorrelationError 创建关联 ID 重复错误
func NewDuplicateCorrelationError(definition, correlationID string) *SagaError {
	return &SagaError{
		Code:    ErrCodeDuplicateCorrelation,
		Message: fmt.Sprintf("correlation id %q already used by definition %q", correlationID, definition),
	}
}

// NewConcurrencyConflictError 创建并发冲突错误
func NewConcurrencyConflictError(sagaID string, attempts int) *SagaError {
	return &SagaError{
		Code:    ErrCodeConcurrencyConflict,
		Message: fmt.Sprintf("compare-and-swap kept conflicting after %d attempts", attempts),
		SagaID:  sagaID,
	}
}

// NewSagaStoreFailedError 创建存储失败错误
func NewSagaStoreFailedError(sagaID, op string, cause error) *SagaError {
	return &SagaError{Code: ErrCodeSagaStoreFailed, Message: op + " failed", SagaID: sagaID, Cause: cause}
}

// NewInvalidTransitionError 创建非法状态迁移错误
func NewInvalidTransitionError(sagaID, transition string, cause error) *SagaError {
	return &SagaError{Code: ErrCodeInvalidTransition, Message: "invalid transition " + transition, SagaID: sagaID, Cause: cause}
}

// NewInvalidVersionError 创建 CAS 版本号非法错误
func NewInvalidVersionError(sagaID string, expected, got uint64) *SagaError {
	return &SagaError{
		Code:    ErrCodeInvalidVersion,
		Message: fmt.Sprintf("new version must be %d, got %d", expected+1, got),
		SagaID:  sagaID,
	}
}

// NewDuplicateDefinitionError 创建定义重复注册错误
func NewDuplicateDefinitionError(name string) *SagaError {
	return &SagaError{Code: ErrCodeDuplicateDefinitionName, Message: fmt.Sprintf("definition %q already registered", name)}
}

func newEngineClosedError() *SagaError {
	return &SagaError{Code: ErrCodeEngineClosed, Message: "engine is closed"}
}
