package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/propagation"

	"sagaflow/api"
	"sagaflow/config"
	core "sagaflow/data/db"
	"sagaflow/data/db/basic"
	"sagaflow/logging"
	"sagaflow/messaging"
	"sagaflow/messaging/middleware"
	"sagaflow/messaging/transport/memory"
	"sagaflow/messaging/transport/natsjetstream"
	"sagaflow/messaging/transport/redisstreams"
	synctransport "sagaflow/messaging/transport/sync"
	"sagaflow/saga"
	memstore "sagaflow/saga/store/memory"
	"sagaflow/saga/store/redisstore"
	"sagaflow/saga/store/sqlstore"
)

// daemon 组装 sagad 的全部组件，实现 server.IServer
type daemon struct {
	cfg      *config.Config
	logger   logging.ILogger
	registry *saga.Registry
	promReg  *prometheus.Registry

	db          core.IDatabase
	redisClient redis.UniversalClient
	store       saga.IStore
	bus         *messaging.MessageBus
	engine      *saga.Engine
	sweeper     *saga.Sweeper
	httpServer  *http.Server
	listener    net.Listener
}

func newDaemon(cfg *config.Config, logger logging.ILogger, registry *saga.Registry) *daemon {
	return &daemon{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		promReg:  prometheus.NewRegistry(),
	}
}

func (d *daemon) Name() string { return d.cfg.ServiceName }

func (d *daemon) LoadConfig() error {
	return d.cfg.Validate()
}

func (d *daemon) SetupDependencies(ctx context.Context) error {
	d.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := saga.NewMetrics(d.promReg)

	store, err := d.openStore(ctx)
	if err != nil {
		return err
	}
	d.store = store

	publisher, err := d.openPublisher(ctx)
	if err != nil {
		return err
	}

	d.engine, err = saga.NewEngine(d.store, d.registry,
		saga.WithNodeID(d.cfg.NodeID),
		saga.WithLeaseTTL(d.cfg.LeaseTTL),
		saga.WithStepTimeout(d.cfg.DefaultStepTimeout),
		saga.WithMaxConflictRetries(d.cfg.MaxConflictRetries),
		saga.WithExecutionMode(saga.ExecutionMode(d.cfg.ExecutionMode)),
		saga.WithEventPublisher(publisher),
		saga.WithMetrics(metrics),
		saga.WithLogger(logging.ComponentLogger("saga.engine")))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	d.sweeper, err = saga.NewSweeper(d.store, d.engine,
		saga.WithSweepSchedule(d.cfg.SweepSchedule()),
		saga.WithSweepConcurrency(d.cfg.SweepConcurrency),
		saga.WithSweepOnStart(),
		saga.WithSweepMetrics(metrics),
		saga.WithSweepLogger(logging.ComponentLogger("saga.sweeper")))
	if err != nil {
		return fmt.Errorf("create sweeper: %w", err)
	}

	handler := api.NewHandler(d.engine,
		api.WithLogger(logging.ComponentLogger("api")),
		api.WithHealthCheck(d.checkHealth),
		api.WithMetricsHandler(promhttp.HandlerFor(d.promReg, promhttp.HandlerOpts{})))
	d.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	// 提前监听，端口冲突在启动阶段暴露
	d.listener, err = net.Listen("tcp", d.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.MetricsAddr, err)
	}

	d.logger.Info(ctx, "dependencies ready",
		logging.String("environment", d.cfg.Environment),
		logging.String("store", d.cfg.StoreDriver),
		logging.String("events", d.cfg.EventTransport),
		logging.String("mode", d.cfg.ExecutionMode),
		logging.String("node_id", d.cfg.NodeID),
		logging.Any("definitions", d.registry.Names()))
	return nil
}

func (d *daemon) StartBackgroundTasks(ctx context.Context) error {
	if d.bus != nil {
		if err := d.bus.Start(ctx); err != nil {
			return fmt.Errorf("start event transport: %w", err)
		}
	}
	return d.sweeper.Start(ctx)
}

func (d *daemon) Run(ctx context.Context) error {
	d.logger.Info(ctx, "http listening", logging.String("addr", d.listener.Addr().String()))
	if err := d.httpServer.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 关闭顺序：停止接收请求，停止扫描，等待进行中的执行，最后关闭传输与连接
func (d *daemon) Shutdown(ctx context.Context) error {
	var errs []error
	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	} else if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.sweeper != nil {
		d.sweeper.Stop()
	}
	if d.engine != nil {
		if err := d.engine.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event transport: %w", err))
		}
	}
	if d.redisClient != nil {
		if err := d.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (d *daemon) openStore(ctx context.Context) (saga.IStore, error) {
	switch d.cfg.StoreDriver {
	case config.StoreMemory:
		var opts []memstore.Option
		if d.cfg.EnforceCorrelation {
			opts = append(opts, memstore.WithCorrelationUniqueness())
		}
		store, err := memstore.New(opts...)
		if err != nil {
			return nil, err
		}
		return store, nil

	case config.StoreSQLite, config.StorePostgres:
		db, err := basic.New(core.DBConfig{
			Driver:          d.cfg.StoreDriver,
			DSN:             d.cfg.StoreDSN,
			MaxOpenConns:    d.cfg.DBMaxOpenConns,
			MaxIdleConns:    d.cfg.DBMaxIdleConns,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", d.cfg.StoreDriver, err)
		}
		d.db = db
		var opts []sqlstore.Option
		if d.cfg.EnforceCorrelation {
			opts = append(opts, sqlstore.WithCorrelationUniqueness())
		}
		store, err := sqlstore.New(db, opts...)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil

	case config.StoreRedis:
		if err := d.openRedis(ctx); err != nil {
			return nil, err
		}
		opts := []redisstore.Option{redisstore.WithPrefix("{" + d.cfg.RedisKeyPrefix + "}")}
		if d.cfg.EnforceCorrelation {
			opts = append(opts, redisstore.WithCorrelationUniqueness())
		}
		store, err := redisstore.New(d.redisClient, opts...)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", d.cfg.StoreDriver)
}

func (d *daemon) openRedis(ctx context.Context) error {
	if d.redisClient != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:         d.cfg.RedisAddr,
		Password:     d.cfg.RedisPassword,
		DB:           d.cfg.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("connect redis %s: %w", d.cfg.RedisAddr, err)
	}
	d.redisClient = client
	return nil
}

func (d *daemon) openPublisher(ctx context.Context) (saga.IEventPublisher, error) {
	var transport messaging.Transport
	switch d.cfg.EventTransport {
	case config.TransportNone:
		return saga.NoopPublisher{}, nil
	case config.TransportSync:
		transport = synctransport.NewSyncTransport()
	case config.TransportMemory:
		transport = memory.NewTransport(memory.Config{
			QueueSize: d.cfg.EventQueueSize,
			Workers:   d.cfg.EventWorkers,
			Logger:    logging.ComponentLogger("transport.memory"),
		})
	case config.TransportNATS:
		transport = natsjetstream.NewTransport(natsjetstream.Config{
			URL:           d.cfg.NATSURL,
			Stream:        d.cfg.NATSStream,
			SubjectPrefix: d.cfg.NATSSubjectPrefix,
			Logger:        logging.ComponentLogger("transport.nats"),
		})
	case config.TransportRedisStreams:
		if err := d.openRedis(ctx); err != nil {
			return nil, err
		}
		t, err := redisstreams.NewTransport(redisstreams.Config{
			Client:       d.redisClient,
			StreamPrefix: d.cfg.EventStreamPrefix,
			ConsumerName: d.cfg.NodeID,
			Logger:       logging.ComponentLogger("transport.redisstreams"),
		})
		if err != nil {
			return nil, err
		}
		transport = t
	default:
		return nil, fmt.Errorf("unknown event transport %q", d.cfg.EventTransport)
	}

	d.bus = messaging.NewMessageBus(transport)
	d.bus.Use(middleware.NewTracingMiddleware(propagation.TraceContext{}))
	// 按类型逐一订阅：redisstreams 只为具名类型启动读取
	eventLog := eventLogHandler(logging.ComponentLogger("saga.events"))
	for _, et := range saga.EventTypes() {
		if err := d.bus.Subscribe(ctx, string(et), eventLog); err != nil {
			return nil, err
		}
	}
	d.logger.Debug(ctx, "event bus configured",
		logging.String("transport", d.cfg.EventTransport),
		logging.Any("middlewares", d.bus.Middlewares()))
	return saga.NewBusPublisher(d.bus), nil
}

func (d *daemon) checkHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if d.db != nil {
		if err := d.db.Ping(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if d.redisClient != nil {
		if err := d.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// eventLogHandler 把收到的生命周期事件写入日志
func eventLogHandler(logger logging.ILogger) messaging.IMessageHandler {
	return messaging.NewHandler("saga-event-log", func(ctx context.Context, msg messaging.IMessage) error {
		ev, err := saga.EventFromMessage(msg)
		if err != nil {
			logger.Warn(ctx, "undecodable saga event", logging.String("message_id", msg.GetID()), logging.Error(err))
			return nil
		}
		fields := []logging.Field{
			logging.String("event_id", ev.ID),
			logging.String("type", string(ev.Type)),
			logging.String("saga_id", ev.InstanceID),
			logging.String("status", string(ev.Status)),
		}
		if ev.StepName != "" {
			fields = append(fields, logging.String("step", ev.StepName))
		}
		logger.Info(ctx, "saga event", fields...)
		return nil
	})
}

// newLogger 按配置创建根日志
func newLogger(cfg *config.Config, w io.Writer) logging.ILogger {
	if w == nil {
		w = os.Stdout
	}
	level := logging.ParseLevel(cfg.LogLevel)
	switch cfg.LogFormat {
	case "console":
		return logging.NewConsoleLogger(cfg.ServiceName, w, level)
	case "std":
		return logging.NewStdLogger("[" + cfg.ServiceName + "]").WithLevel(level)
	default:
		return logging.NewZerologLogger(cfg.ServiceName, w, level)
	}
}
