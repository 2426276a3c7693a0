package ingestion

import (
	"pledgerun/pkg/config"
	"pledgerun/pkg/minio"
	"pledgerun/services/ledger"
	"pledgerun/services/settlement"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ingestion",
	fx.Provide(
		NewGuard,
		NewService,
		newSettler,
		newResolver,
	),
)

var HTTP = fx.Module("ingestion.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

func newSettler(engine *settlement.Engine) Settler {
	return engine
}

func newResolver(cfg *config.Config, store *ledger.Store) ActivityResolver {
	return NewStravaResolver(store, cfg.Strava.BaseURL, cfg.Strava.Timeout)
}

type HandlerParams struct {
	fx.In

	Config   *config.Config
	Service  *Service
	Resolver ActivityResolver
	Archiver minio.Archiver `optional:"true"`
}

func NewHandler(p HandlerParams) *Handler {
	if p.Config.Webhook.Secret == "" {
		if p.Config.Webhook.AllowUnsigned {
			zap.L().Warn("webhook signature verification disabled, development only")
		} else {
			zap.L().Warn("WEBHOOK.SECRET not set, webhook deliveries will be refused")
		}
	}

	archiver := p.Archiver
	if archiver == nil {
		archiver = minio.Nop{}
	}

	return &Handler{
		svc:         p.Service,
		resolver:    p.Resolver,
		verifier:    NewVerifier(p.Config.Webhook.Secret, p.Config.Webhook.SignatureHeader, p.Config.Webhook.AllowUnsigned),
		archiver:    archiver,
		verifyToken: p.Config.Webhook.VerifyToken,
	}
}
