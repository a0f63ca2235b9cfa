package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"sagaflow/logging"
)

// HeaderRequestID 请求 ID 头
const HeaderRequestID = "X-Request-Id"

type requestIDKey struct{}

// RequestIDFromContext 读取请求 ID
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// withRequestID 沿用调用方的请求 ID，缺失时生成
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// withAccessLog 记录访问日志并兜底 panic
func withAccessLog(logger logging.ILogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				logger.Error(r.Context(), "panic recovered",
					logging.Any("panic", v),
					logging.String("stack", string(debug.Stack())),
					logging.String("request_id", RequestIDFromContext(r.Context())))
				if sw.status == 0 {
					writeError(sw, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
				}
			}
			logger.Debug(r.Context(), "http request",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", sw.status),
				logging.Duration("elapsed", time.Since(start)),
				logging.String("request_id", RequestIDFromContext(r.Context())))
		}()
		next.ServeHTTP(sw, r)
	})
}
