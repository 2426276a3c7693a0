package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pledgerun/pkg/db/pagination"
	"pledgerun/pkg/errutil"
	"pledgerun/pkg/sequence"
	"pledgerun/services/ledger"
	"pledgerun/services/reporting"

	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ========================================================
// Service Definition
// ========================================================

type Service struct {
	store    *ledger.Store
	seq      sequence.Generator
	reporter *reporting.Reporter
	now      func() time.Time
}

type ServiceParams struct {
	fx.In

	Store    *ledger.Store
	Reporter *reporting.Reporter
	Seq      sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		store:    p.Store,
		seq:      p.Seq,
		reporter: p.Reporter,
		now:      ledger.Now,
	}
}

// ========================================================

func (s *Service) CreateCampaign(ctx context.Context, cmd CreateCampaignCommand) (*reporting.CampaignView, error) {
	if !cmd.TargetAmount.IsPositive() {
		return nil, errutil.ValidationFailed("invalid campaign", nil,
			errutil.WithDetails(errutil.Detail{Field: "targetAmount", Message: "must be greater than zero"}))
	}
	if !cmd.Deadline.After(s.now()) {
		return nil, errutil.ValidationFailed("invalid campaign", nil,
			errutil.WithDetails(errutil.Detail{Field: "deadline", Message: "must be in the future"}))
	}

	id := s.store.NewID()
	code, err := s.nextCode(ctx)
	if err != nil {
		return nil, err
	}

	c := &ledger.Campaign{
		ID:           id,
		OwnerRef:     cmd.OwnerRef,
		Code:         code,
		Slug:         shareableSlug(cmd.Title, id),
		Title:        strings.TrimSpace(cmd.Title),
		Description:  cmd.Description,
		TargetAmount: ledger.RoundAmount(cmd.TargetAmount),
		Deadline:     cmd.Deadline.UTC(),
		Status:       ledger.CampaignActive,
	}

	if err := s.store.CreateCampaign(ctx, c); err != nil {
		if errors.Is(err, ledger.ErrDuplicateSlug) {
			return nil, errutil.Conflict("campaign link already taken", err)
		}
		zap.L().Error("failed to create campaign", zap.Error(err))
		return nil, err
	}

	zap.L().Info("campaign.created", zap.String("campaign_id", c.ID), zap.String("code", c.Code), zap.String("owner_ref", c.OwnerRef))
	return s.reporter.Campaign(ctx, c)
}

func (s *Service) nextCode(ctx context.Context) (string, error) {
	if s.seq != nil {
		code, err := s.seq.NextCampaignCode(ctx)
		if err == nil {
			return code, nil
		}
		zap.L().Warn("campaign sequence unavailable, using random reference", zap.Error(err))
	}

	ref, err := ledger.GenerateReference()
	if err != nil {
		return "", err
	}
	return "CMP-" + ref, nil
}

// shareableSlug derives the public link from the title and the tail of the id.
func shareableSlug(title, id string) string {
	base := slug.Make(title)
	if base == "" {
		base = "campaign"
	}
	if len(base) > 120 {
		base = strings.Trim(base[:120], "-")
	}

	suffix := id
	if len(suffix) > 6 {
		suffix = suffix[len(suffix)-6:]
	}
	return fmt.Sprintf("%s-%s", base, suffix)
}

// ========================================================

func (s *Service) GetCampaign(ctx context.Context, id string) (*reporting.CampaignView, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errutil.NotFound("campaign not found", err)
		}
		return nil, err
	}
	return s.reporter.Campaign(ctx, c)
}

// ========================================================

func (s *Service) ListCampaigns(ctx context.Context, q ListCampaignsQuery) ([]*reporting.CampaignView, *pagination.PageInfo, error) {
	rows, info, err := s.store.ListCampaigns(ctx, ledger.CampaignFilter{OwnerRef: q.OwnerRef, Status: q.Status}, q.Pagination)
	if err != nil {
		return nil, nil, err
	}

	views, err := s.reporter.Campaigns(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	return views, info, nil
}

// ========================================================

func (s *Service) UpdateStatus(ctx context.Context, id string, to ledger.CampaignStatus) (*reporting.CampaignView, error) {
	c, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errutil.NotFound("campaign not found", err)
		}
		return nil, err
	}

	if c.Status == to {
		return s.reporter.Campaign(ctx, c)
	}
	if !canTransition(c.Status, to) {
		return nil, errutil.BusinessRule(fmt.Sprintf("campaign cannot move from %s to %s", c.Status, to), nil)
	}

	if err := s.store.TransitionCampaign(ctx, id, c.Status, to); err != nil {
		if errors.Is(err, ledger.ErrCampaignStatus) {
			return nil, errutil.Conflict("campaign status changed, retry", err)
		}
		return nil, err
	}

	zap.L().Info("campaign.status.changed", zap.String("campaign_id", id), zap.String("from", string(c.Status)), zap.String("to", string(to)))
	c.Status = to
	return s.reporter.Campaign(ctx, c)
}

// ========================================================

func (s *Service) DeleteCampaign(ctx context.Context, id string) error {
	if err := s.store.DeleteCampaign(ctx, id); err != nil {
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			return errutil.NotFound("campaign not found", err)
		case errors.Is(err, ledger.ErrCampaignHasPledges):
			return errutil.BusinessRule("cannot delete campaign with existing pledges", err)
		}
		return err
	}

	zap.L().Info("campaign.deleted", zap.String("campaign_id", id))
	return nil
}

// ========================================================

// ExpireOverdue expires every active campaign past its deadline and the pending or
// active pledges attached to it.
func (s *Service) ExpireOverdue(ctx context.Context) (ExpirySummary, error) {
	campaigns, pledges, err := s.store.ExpireOverdue(ctx, s.now())
	if err != nil {
		zap.L().Error("failed to expire overdue campaigns", zap.Error(err))
		return ExpirySummary{}, err
	}

	if campaigns > 0 {
		zap.L().Info("campaign.expired", zap.Int64("campaigns", campaigns), zap.Int64("pledges", pledges))
	}
	return ExpirySummary{Campaigns: campaigns, Pledges: pledges}, nil
}
