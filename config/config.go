// Package config 从环境变量加载 sagad 的运行配置
package config

import (
	"fmt"
	"os"
	"time"
)

// 运行环境
const (
	EnvDevelopment = "development"
	EnvTesting     = "testing"
	EnvProduction  = "production"
)

// profile 各环境的默认值，显式设置的环境变量优先
type profile struct {
	logLevel string
	demo     bool
}

var profiles = map[string]profile{
	EnvDevelopment: {logLevel: "debug", demo: true},
	EnvTesting:     {logLevel: "warn", demo: true},
	EnvProduction:  {logLevel: "info", demo: false},
}

// 存储驱动
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// 事件传输
const (
	TransportNone         = "none"
	TransportSync         = "sync"
	TransportMemory       = "memory"
	TransportNATS         = "nats"
	TransportRedisStreams = "redisstreams"
)

// Config 服务配置
type Config struct {
	ServiceName string
	NodeID      string
	Environment string // development | testing | production

	// 日志
	LogLevel  string
	LogFormat string // json | console | std

	// 存储
	StoreDriver        string
	StoreDSN           string
	EnforceCorrelation bool
	DBMaxOpenConns     int
	DBMaxIdleConns     int

	// Redis（存储与 Redis Streams 共用）
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	// 事件
	EventTransport    string
	NATSURL           string
	NATSStream        string
	NATSSubjectPrefix string
	EventStreamPrefix string
	EventQueueSize    int
	EventWorkers      int

	// 引擎
	ExecutionMode      string // async | sync
	LeaseTTL           time.Duration
	DefaultStepTimeout time.Duration
	MaxConflictRetries int

	// 恢复扫描
	SweepInterval    time.Duration
	SweepSpec        string
	SweepConcurrency int

	MetricsAddr string

	// DemoDefinitions 注册内置的 enrollment 演示定义
	DemoDefinitions bool
}

// Load 加载配置
func Load() *Config {
	hostname, _ := os.Hostname()
	env := GetEnvLower("SAGA_ENV", EnvDevelopment)
	defaults, ok := profiles[env]
	if !ok {
		defaults = profiles[EnvProduction]
	}

	return &Config{
		ServiceName: GetEnv("SAGA_SERVICE_NAME", "sagad"),
		NodeID:      GetEnv("SAGA_NODE_ID", hostname),
		Environment: env,

		LogLevel:  GetEnvLower("SAGA_LOG_LEVEL", defaults.logLevel),
		LogFormat: GetEnvLower("SAGA_LOG_FORMAT", "json"),

		StoreDriver:        GetEnvLower("SAGA_STORE_DRIVER", StoreMemory),
		StoreDSN:           GetEnv("SAGA_STORE_DSN", "file:sagas.db?_pragma=busy_timeout(5000)"),
		EnforceCorrelation: GetEnvBool("SAGA_ENFORCE_CORRELATION", false),
		DBMaxOpenConns:     GetEnvInt("SAGA_DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:     GetEnvInt("SAGA_DB_MAX_IDLE_CONNS", 5),

		RedisAddr:      GetEnv("SAGA_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  GetEnv("SAGA_REDIS_PASSWORD", ""),
		RedisDB:        GetEnvInt("SAGA_REDIS_DB", 0),
		RedisKeyPrefix: GetEnv("SAGA_REDIS_KEY_PREFIX", "saga"),

		EventTransport:    GetEnvLower("SAGA_EVENT_TRANSPORT", TransportNone),
		NATSURL:           GetEnv("SAGA_NATS_URL", "nats://127.0.0.1:4222"),
		NATSStream:        GetEnv("SAGA_NATS_STREAM", "SAGA_EVENTS"),
		NATSSubjectPrefix: GetEnv("SAGA_NATS_SUBJECT_PREFIX", "saga.events"),
		EventStreamPrefix: GetEnv("SAGA_EVENT_STREAM_PREFIX", "saga:events"),
		EventQueueSize:    GetEnvInt("SAGA_EVENT_QUEUE_SIZE", 1024),
		EventWorkers:      GetEnvInt("SAGA_EVENT_WORKERS", 4),

		ExecutionMode:      GetEnvLower("SAGA_EXECUTION_MODE", "async"),
		LeaseTTL:           GetEnvDuration("SAGA_LEASE_TTL", 30*time.Second),
		DefaultStepTimeout: GetEnvDuration("SAGA_STEP_TIMEOUT", 10*time.Second),
		MaxConflictRetries: GetEnvInt("SAGA_MAX_CONFLICT_RETRIES", 8),

		SweepInterval:    GetEnvDuration("SAGA_SWEEP_INTERVAL", 30*time.Second),
		SweepSpec:        GetEnv("SAGA_SWEEP_SPEC", ""),
		SweepConcurrency: GetEnvInt("SAGA_SWEEP_CONCURRENCY", 8),

		MetricsAddr: GetEnv("SAGA_METRICS_ADDR", ":9090"),

		DemoDefinitions: GetEnvBool("SAGA_DEMO_DEFINITIONS", defaults.demo),
	}
}

// Validate 校验配置组合
func (c *Config) Validate() error {
	if _, ok := profiles[c.Environment]; !ok {
		return fmt.Errorf("config: unknown environment %q", c.Environment)
	}
	if c.Environment == EnvProduction && c.StoreDriver == StoreMemory {
		return fmt.Errorf("config: memory store is not allowed in production")
	}

	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StorePostgres, StoreRedis:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	if (c.StoreDriver == StoreSQLite || c.StoreDriver == StorePostgres) && c.StoreDSN == "" {
		return fmt.Errorf("config: SAGA_STORE_DSN is required for %s", c.StoreDriver)
	}

	switch c.EventTransport {
	case TransportNone, TransportSync, TransportMemory, TransportNATS, TransportRedisStreams:
	default:
		return fmt.Errorf("config: unknown event transport %q", c.EventTransport)
	}

	switch c.LogFormat {
	case "json", "console", "std":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}

	switch c.ExecutionMode {
	case "async", "sync":
	default:
		return fmt.Errorf("config: unknown execution mode %q", c.ExecutionMode)
	}

	if c.LeaseTTL <= 0 {
		return fmt.Errorf("config: lease ttl must be positive")
	}
	if c.DefaultStepTimeout <= 0 {
		return fmt.Errorf("config: step timeout must be positive")
	}
	if c.SweepSpec == "" && c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep interval must be positive")
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("config: sweep concurrency must be positive")
	}
	if c.EventTransport == TransportMemory && (c.EventQueueSize <= 0 || c.EventWorkers <= 0) {
		return fmt.Errorf("config: event queue size and workers must be positive")
	}
	if c.MaxConflictRetries <= 0 {
		return fmt.Errorf("config: max conflict retries must be positive")
	}
	return nil
}

// SweepSchedule 返回 cron 调度表达式；未显式配置时使用 @every 间隔
func (c *Config) SweepSchedule() string {
	if c.SweepSpec != "" {
		return c.SweepSpec
	}
	return "@every " + c.SweepInterval.String()
}
