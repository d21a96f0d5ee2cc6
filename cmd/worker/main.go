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
	"tipbot/pkg/lock"
	"tipbot/pkg/logger"
	"tipbot/pkg/otelcol"
	"tipbot/pkg/redis"
	"tipbot/pkg/sequence"
	"tipbot/pkg/settlement"
	"tipbot/pkg/task"
	"tipbot/services/janitor"
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
		task.Server,
		reconcile.Worker,
		janitor.Module,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})
