package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"tipbot/pkg/chat"
	"tipbot/pkg/config"
	"tipbot/pkg/db"
	"tipbot/pkg/featureflags"
	"tipbot/pkg/gen"
	"tipbot/pkg/hashistack/secretmanager"
	"tipbot/pkg/health"
	"tipbot/pkg/lock"
	"tipbot/pkg/logger"
	"tipbot/pkg/otelcol"
	"tipbot/pkg/redis"
	"tipbot/pkg/sequence"
	"tipbot/pkg/server"
	"tipbot/pkg/settlement"
	"tipbot/pkg/task"
	"tipbot/services/httpapi"
	"tipbot/services/ledger"
	"tipbot/services/oracle"
	"tipbot/services/pending"
	"tipbot/services/reconcile"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		featureflags.Module,
		lock.Module,
		chat.Module,
		settlement.Module,
		oracle.Module,
		pending.Module,
		ledger.Module,
		reconcile.Module,
		task.Client,
		health.Module,
		httpapi.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
