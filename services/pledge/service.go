package pledge

import (
	"context"
	"errors"
	"strings"
	"time"

	"pledgerun/pkg/db/pagination"
	"pledgerun/pkg/errutil"
	"pledgerun/services/ledger"
	"pledgerun/services/reporting"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Service struct {
	store    *ledger.Store
	reporter *reporting.Reporter
	now      func() time.Time
}

type ServiceParams struct {
	fx.In

	Store    *ledger.Store
	Reporter *reporting.Reporter
}

func NewService(p ServiceParams) *Service {
	return &Service{
		store:    p.Store,
		reporter: p.Reporter,
		now:      ledger.Now,
	}
}

// CreatePledge opens a pending pledge. It becomes active once its escrow transfer is
// confirmed by reconciliation.
func (s *Service) CreatePledge(ctx context.Context, cmd CreatePledgeCommand) (*reporting.PledgeView, error) {
	if err := validate(cmd); err != nil {
		return nil, err
	}

	campaign, err := s.store.GetCampaign(ctx, cmd.CampaignID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errutil.NotFound("campaign not found", err)
		}
		return nil, err
	}

	if campaign.Status != ledger.CampaignActive {
		return nil, errutil.BusinessRule("cannot pledge to an inactive campaign", nil)
	}
	if !campaign.AcceptsPledges(s.now()) {
		return nil, errutil.BusinessRule("campaign deadline has passed", nil)
	}
	if cmd.BackerUserRef != "" && cmd.BackerUserRef == campaign.OwnerRef {
		return nil, errutil.BusinessRule("cannot pledge to your own campaign", nil)
	}

	total := ledger.RoundAmount(cmd.TotalAmountPledged)
	p := &ledger.Pledge{
		CampaignID:         campaign.ID,
		PerUnitRate:        ledger.RoundAmount(cmd.PerUnitRate),
		TotalAmountPledged: total,
		AmountRemaining:    total,
		AmountPaidOut:      decimal.Zero,
		Status:             ledger.PledgePending,
	}
	if cmd.BackerUserRef != "" {
		p.BackerUserRef = &cmd.BackerUserRef
	} else {
		p.BackerWalletAddress = &cmd.BackerWalletAddress
	}

	if err := s.store.CreatePledge(ctx, p); err != nil {
		if errors.Is(err, ledger.ErrDuplicateActivePledge) {
			return nil, errutil.Conflict("active pledge already exists for this campaign", err)
		}
		zap.L().Error("failed to create pledge", zap.String("campaign_id", campaign.ID), zap.Error(err))
		return nil, err
	}

	zap.L().Info("pledge.created",
		zap.String("pledge_id", p.ID),
		zap.String("campaign_id", p.CampaignID),
		zap.String("backer", p.Backer()),
		zap.String("total", p.TotalAmountPledged.String()),
	)
	return s.reporter.Pledge(ctx, p)
}

func validate(cmd CreatePledgeCommand) error {
	var details []errutil.Detail

	user := strings.TrimSpace(cmd.BackerUserRef)
	wallet := strings.TrimSpace(cmd.BackerWalletAddress)
	switch {
	case user == "" && wallet == "":
		details = append(details, errutil.Detail{Field: "backerUserRef", Message: "either backerUserRef or backerWalletAddress is required"})
	case user != "" && wallet != "":
		details = append(details, errutil.Detail{Field: "backerWalletAddress", Message: "must be empty when backerUserRef is set"})
	}
	if strings.TrimSpace(cmd.CampaignID) == "" {
		details = append(details, errutil.Detail{Field: "campaignId", Message: "is required"})
	}
	if !cmd.PerUnitRate.IsPositive() {
		details = append(details, errutil.Detail{Field: "perUnitRate", Message: "must be greater than zero"})
	}
	if !ledger.RoundAmount(cmd.TotalAmountPledged).IsPositive() {
		details = append(details, errutil.Detail{Field: "totalAmountPledged", Message: "must be greater than zero"})
	}

	if len(details) > 0 {
		return errutil.ValidationFailed("invalid pledge", nil, errutil.WithDetails(details...))
	}
	return nil
}

func (s *Service) GetPledge(ctx context.Context, id string) (*reporting.PledgeView, error) {
	p, err := s.store.GetPledge(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errutil.NotFound("pledge not found", err)
		}
		return nil, err
	}
	return s.reporter.Pledge(ctx, p)
}

func (s *Service) ListPledges(ctx context.Context, q ListPledgesQuery) ([]*reporting.PledgeView, *pagination.PageInfo, error) {
	rows, info, err := s.store.ListPledges(ctx, ledger.PledgeFilter{
		CampaignID:          q.CampaignID,
		BackerUserRef:       q.BackerUserRef,
		BackerWalletAddress: q.BackerWalletAddress,
		Status:              q.Status,
	}, q.Pagination)
	if err != nil {
		return nil, nil, err
	}

	views, err := s.reporter.Pledges(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	return views, info, nil
}

// CompleteExhausted closes active pledges that have paid out everything.
func (s *Service) CompleteExhausted(ctx context.Context) (int64, error) {
	n, err := s.store.CompleteExhaustedPledges(ctx)
	if err != nil {
		zap.L().Error("failed to complete exhausted pledges", zap.Error(err))
		return 0, err
	}
	if n > 0 {
		zap.L().Info("pledge.completed", zap.Int64("count", n))
	}
	return n, nil
}

// SetWallet registers the beneficiary wallet that receives an owner's payouts.
func (s *Service) SetWallet(ctx context.Context, ownerRef string, req SetWalletRequest) (*ledger.Wallet, error) {
	if strings.TrimSpace(ownerRef) == "" {
		return nil, errutil.ValidationFailed("owner reference is required", nil)
	}

	w, err := s.store.SetActiveWallet(ctx, ownerRef, req.Address, req.Provider)
	if err != nil {
		zap.L().Error("failed to set wallet", zap.String("owner_ref", ownerRef), zap.Error(err))
		return nil, err
	}

	zap.L().Info("wallet.activated", zap.String("owner_ref", ownerRef), zap.String("address", w.Address))
	return w, nil
}
