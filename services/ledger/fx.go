package ledger

import (
	"context"

	"pledgerun/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var Module = fx.Module("ledger.store",
	fx.Provide(NewStore),
	fx.Invoke(migrate),
)

// Health registers the ledger backed gRPC health service.
var Health = fx.Module("ledger.health",
	fx.Provide(NewHealthServer),
	fx.Invoke(registerHealthServer),
)

func migrate(lc fx.Lifecycle, cfg *config.Config, store *Store) {
	if !cfg.Database.AutoMigrate {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := store.Migrate(ctx); err != nil {
				zap.L().Error("failed to migrate ledger tables", zap.Error(err))
				return err
			}
			zap.L().Info("ledger tables migrated")
			return nil
		},
	})
}

func registerHealthServer(server *grpc.Server, h *HealthServer) {
	grpc_health_v1.RegisterHealthServer(server, h)
}
