package logging

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimestampFieldName = "timestamp"
}

// ZerologLogger 基于 zerolog 的结构化 JSON 日志实现
//
// 生产环境默认实现；字段按类型写入，避免 fmt 格式化开销。
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger 创建 zerolog Logger
//
// 参数：
//   - service: 写入每条日志的 service 字段
//   - w: 输出目标，nil 表示 os.Stdout
//   - level: 最低输出级别
func NewZerologLogger(service string, w io.Writer, level Level) *ZerologLogger {
	if w == nil {
		w = os.Stdout
	}
	l := zerolog.New(w).
		Level(toZerologLevel(level)).
		With().
		Timestamp().
		Str("service", service).
		Logger()
	return &ZerologLogger{logger: l}
}

// NewConsoleLogger 创建人类可读的控制台输出（开发环境）
func NewConsoleLogger(service string, w io.Writer, level Level) *ZerologLogger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return NewZerologLogger(service, cw, level)
}

func toZerologLevel(level Level) zerolog.Level {
	switch level {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	write(l.logger.Debug(), msg, fields)
}

func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...Field) {
	write(l.logger.Info(), msg, fields)
}

func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	write(l.logger.Warn(), msg, fields)
}

func (l *ZerologLogger) Error(ctx context.Context, msg string, fields ...Field) {
	write(l.logger.Error(), msg, fields)
}

func (l *ZerologLogger) WithFields(fields ...Field) ILogger {
	c := l.logger.With()
	for _, f := range fields {
		c = appendContext(c, f)
	}
	return &ZerologLogger{logger: c.Logger()}
}

// write 在级别被过滤时 e 为 nil，zerolog 的方法对 nil 事件是安全的
func write(e *zerolog.Event, msg string, fields []Field) {
	for _, f := range fields {
		e = appendEvent(e, f)
	}
	e.Msg(msg)
}

func appendEvent(e *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return e.Str(f.Key, v)
	case int:
		return e.Int(f.Key, v)
	case int64:
		return e.Int64(f.Key, v)
	case uint64:
		return e.Uint64(f.Key, v)
	case float64:
		return e.Float64(f.Key, v)
	case bool:
		return e.Bool(f.Key, v)
	case time.Duration:
		return e.Dur(f.Key, v)
	case error:
		if f.Key == "error" {
			return e.Err(v)
		}
		return e.AnErr(f.Key, v)
	default:
		return e.Interface(f.Key, v)
	}
}

func appendContext(c zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return c.Str(f.Key, v)
	case int:
		return c.Int(f.Key, v)
	case int64:
		return c.Int64(f.Key, v)
	case bool:
		return c.Bool(f.Key, v)
	case error:
		return c.AnErr(f.Key, v)
	default:
		return c.Interface(f.Key, v)
	}
}

var _ ILogger = (*ZerologLogger)(nil)
