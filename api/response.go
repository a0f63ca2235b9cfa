package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apperrors "sagaflow/errors"
	"sagaflow/saga"
)

// ErrorBody 错误响应
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Code: code, Message: message, RequestID: RequestIDFromContext(r.Context())})
}

// writeSagaError 将引擎错误映射为 HTTP 状态码
func writeSagaError(w http.ResponseWriter, r *http.Request, err error) {
	var se *saga.SagaError
	if errors.As(err, &se) {
		writeError(w, r, statusForCode(se.Code), string(se.Code), se.Error())
		return
	}

	// 服务直接返回的基础设施错误按错误码映射，消息不外泄
	err = apperrors.Normalize(err)
	switch code := apperrors.GetErrorCode(err); {
	case apperrors.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, string(code), "resource not found")
	case apperrors.IsDuplicate(err), code == apperrors.ErrCodeConflict:
		writeError(w, r, http.StatusConflict, string(code), "resource conflict")
	case code == apperrors.ErrCodeTimeout:
		writeError(w, r, http.StatusGatewayTimeout, string(code), "operation timed out")
	case code == apperrors.ErrCodeDatabase, code == apperrors.ErrCodeCache, code == apperrors.ErrCodeQueue:
		writeError(w, r, http.StatusServiceUnavailable, string(code), "dependency unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, string(apperrors.ErrCodeInternal), "internal server error")
	}
}

func statusForCode(code saga.ErrorCode) int {
	switch code {
	case saga.ErrCodeSagaNotFound, saga.ErrCodeUnknownDefinition:
		return http.StatusNotFound
	case saga.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case saga.ErrCodeDuplicateCorrelation, saga.ErrCodeConcurrencyConflict:
		return http.StatusConflict
	case saga.ErrCodeSagaStoreFailed, saga.ErrCodeEngineClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
