package task

import (
	"context"

	"pledgerun/pkg/config"
	"pledgerun/services/campaign"
	"pledgerun/services/custody"
	"pledgerun/services/pledge"
	"pledgerun/services/settlement"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module provides the maintenance task service backed by the domain services.
var Module = fx.Module("task.service",
	fx.Provide(
		func(e *custody.Escrow) Reconciler { return e },
		func(s *campaign.Service) Expirer { return s },
		func(s *pledge.Service) Completer { return s },
		func(e *settlement.Engine) Repairer { return e },
		func(e *settlement.Engine) Resettler { return e },
		NewService,
	),
	fx.Invoke(migrate),
)

// Worker binds the task handlers to the asynq server.
var Worker = fx.Module("task.worker",
	fx.Invoke(func(mux *asynq.ServeMux, s *Service) { s.Register(mux) }),
)

// Periodic registers the maintenance schedule on the asynq scheduler.
var Periodic = fx.Module("task.periodic",
	fx.Invoke(Schedule),
)

// Inline runs the tasks Split keeps out of the scheduler inside the current process.
var Inline = fx.Module("task.inline",
	fx.Invoke(RunInline),
)

func migrate(lc fx.Lifecycle, cfg *config.Config, s *Service) {
	if !cfg.Database.AutoMigrate {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.Migrate(ctx); err != nil {
				zap.L().Error("failed to migrate task tables", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
