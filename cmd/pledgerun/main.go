package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"pledgerun/pkg/config"
	"pledgerun/pkg/db"
	"pledgerun/pkg/featureflags"
	"pledgerun/pkg/hashistack/secretmanager"
	"pledgerun/pkg/hashistack/servicediscover"
	"pledgerun/pkg/health"
	"pledgerun/pkg/kafka"
	"pledgerun/pkg/logger"
	"pledgerun/pkg/middleware"
	"pledgerun/pkg/minio"
	"pledgerun/pkg/otelcol"
	"pledgerun/pkg/profiling"
	"pledgerun/pkg/redis"
	"pledgerun/pkg/sequence"
	"pledgerun/pkg/server"
	"pledgerun/services/campaign"
	"pledgerun/services/custody"
	"pledgerun/services/ingestion"
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
		minio.Client,
		sequence.Module,
		featureflags.Module,
		middleware.AuthzModule,
		health.Module,
		fx.Provide(
			provideSnowflakeNode,
		),
		ledger.Module,
		ledger.Health,
		reporting.Module,
		custody.Module,
		custody.HTTP,
		settlement.Module,
		settlement.HTTP,
		ingestion.Module,
		ingestion.HTTP,
		campaign.Module,
		campaign.HTTP,
		pledge.Module,
		pledge.HTTP,
		task.Module,
		task.Inline,
		server.ProvideGRPCServer,
		server.ProvideHTTPServer,
		servicediscover.Module,
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
