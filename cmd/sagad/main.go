// Command sagad 运行 saga 编排引擎：HTTP 运维接口、恢复扫描与事件发布。
//
// 所有配置来自 SAGA_* 环境变量，见 config 包。
package main

import (
	"context"
	"os"

	_ "github.com/lib/pq"
	_ "go.uber.org/automaxprocs"
	_ "modernc.org/sqlite"

	"sagaflow/config"
	"sagaflow/logging"
	"sagaflow/saga"
	"sagaflow/server"
)

var version = "dev"

func main() {
	os.Exit(run(context.Background()))
}

func run(ctx context.Context) int {
	cfg := config.Load()
	logger := newLogger(cfg, os.Stdout)
	logging.SetLogger(logger)

	registry := saga.NewRegistry()
	if cfg.DemoDefinitions {
		participants := newSimulatedParticipants(logging.ComponentLogger("demo"))
		if err := registerDemoDefinitions(registry, participants); err != nil {
			logger.Error(ctx, "register demo definitions failed", logging.Error(err))
			return 1
		}
	}

	runner := server.NewRunner(newDaemon(cfg, logger, registry),
		server.WithVersion(version),
		server.WithLogger(logger),
		server.WithShutdownTimeout(cfg.LeaseTTL))
	if err := runner.Start(ctx); err != nil {
		logger.Error(ctx, "sagad exited", logging.Error(err))
		return 1
	}
	return 0
}
