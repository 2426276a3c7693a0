package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"pledgerun/pkg/config"
	"pledgerun/pkg/db"
	"pledgerun/pkg/logger"
	"pledgerun/services/campaign"
	"pledgerun/services/custody"
	"pledgerun/services/ingestion"
	"pledgerun/services/ledger"
	"pledgerun/services/pledge"
	"pledgerun/services/reporting"
)

const (
	ownerRef     = "runner-demo"
	ownerWallet  = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	backerWallet = "0x52908400098527886E0F7030069857D2E4169EE7"
	athleteID    = "134815"
)

// seed creates a funded demo campaign: an owner with a payout wallet and a linked
// Strava athlete, one active campaign and one confirmed pledge.
func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Provide(provideSnowflakeNode),
		ledger.Module,
		reporting.Module,
		custody.Module,
		campaign.Module,
		pledge.Module,
		fx.Invoke(seed),
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Fatalf("seed failed: %v", err)
	}
	_ = app.Stop(ctx)
}

type seedParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Store     *ledger.Store
	Campaigns *campaign.Service
	Pledges   *pledge.Service
	Escrow    *custody.Escrow
}

func seed(p seedParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := p.Store.Migrate(ctx); err != nil {
				return err
			}
			return run(ctx, p)
		},
	})
}

func run(ctx context.Context, p seedParams) error {
	if _, err := p.Pledges.SetWallet(ctx, ownerRef, pledge.SetWalletRequest{Address: ownerWallet, Provider: "metamask"}); err != nil {
		return fmt.Errorf("wallet: %w", err)
	}

	link := &ledger.AthleteLink{
		ID:        p.Store.NewID(),
		OwnerRef:  ownerRef,
		Source:    ingestion.SourceStrava,
		AthleteID: athleteID,
	}
	if err := p.Store.DB().WithContext(ctx).
		Where(ledger.AthleteLink{Source: link.Source, AthleteID: link.AthleteID}).
		FirstOrCreate(link).Error; err != nil {
		return fmt.Errorf("athlete link: %w", err)
	}

	c, err := p.Campaigns.CreateCampaign(ctx, campaign.CreateCampaignCommand{
		OwnerRef:     ownerRef,
		Title:        "Demo Marathon Training",
		Description:  "Every kilometre run releases a payout from each backer.",
		TargetAmount: decimal.NewFromInt(1000),
		Deadline:     time.Now().AddDate(0, 3, 0),
	})
	if err != nil {
		return fmt.Errorf("campaign: %w", err)
	}

	total := decimal.NewFromInt(200)
	pl, err := p.Pledges.CreatePledge(ctx, pledge.CreatePledgeCommand{
		CampaignID:          c.ID,
		BackerWalletAddress: backerWallet,
		PerUnitRate:         decimal.RequireFromString("2.5"),
		TotalAmountPledged:  total,
	})
	if err != nil {
		return fmt.Errorf("pledge: %w", err)
	}

	if _, err := p.Escrow.RecordIncomingTransfer(ctx, pl.ID, backerWallet, total, "seed-"+pl.ID); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	summary, err := p.Escrow.ReconcilePending(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	zap.L().Info("seed completed",
		zap.String("campaign_id", c.ID),
		zap.String("shareable_link", c.Slug),
		zap.String("pledge_id", pl.ID),
		zap.String("athlete_id", athleteID),
		zap.Int("activated", summary.Activated),
	)
	return nil
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
