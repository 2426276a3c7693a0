package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"pledgerun/pkg/config"
	"pledgerun/pkg/db"
	"pledgerun/pkg/hashistack/secretmanager"
	"pledgerun/pkg/kafka"
	"pledgerun/pkg/logger"
	"pledgerun/pkg/otelcol"
	"pledgerun/pkg/profiling"
	"pledgerun/pkg/redis"
	"pledgerun/pkg/sequence"
	pkgtask "pledgerun/pkg/task"
	"pledgerun/services/campaign"
	"pledgerun/services/custody"
	"pledgerun/services/ledger"
	"pledgerun/services/pledge"
	"pledgerun/services/reporting"
	"pledgerun/services/settlement"
	"pledgerun/services/task"
)

func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		kafka.Module,
		sequence.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		ledger.Module,
		reporting.Module,
		custody.Module,
		settlement.Module,
		campaign.Module,
		pledge.Module,
		pkgtask.Client,
		pkgtask.Server,
		pkgtask.Scheduler,
		task.Module,
		task.Worker,
		task.Periodic,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
