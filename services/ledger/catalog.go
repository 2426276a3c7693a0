package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pledgerun/pkg/db/option"
	"pledgerun/pkg/db/pagination"

	"gorm.io/gorm"
)

type CampaignFilter struct {
	OwnerRef string
	Status   CampaignStatus
}

type PledgeFilter struct {
	CampaignID          string
	BackerUserRef       string
	BackerWalletAddress string
	Status              PledgeStatus
}

func (f PledgeFilter) query() *Pledge {
	q := &Pledge{CampaignID: f.CampaignID, Status: f.Status}
	if f.BackerUserRef != "" {
		q.BackerUserRef = &f.BackerUserRef
	}
	if f.BackerWalletAddress != "" {
		q.BackerWalletAddress = &f.BackerWalletAddress
	}
	return q
}

func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = s.NewID()
	}
	if err := s.campaigns.Create(ctx, c); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("campaign slug %s: %w", c.Slug, ErrDuplicateSlug)
		}
		return err
	}
	return nil
}

func (s *Store) ListCampaigns(ctx context.Context, f CampaignFilter, page pagination.Pagination) ([]*Campaign, *pagination.PageInfo, error) {
	rows, err := s.campaigns.Find(ctx, &Campaign{OwnerRef: f.OwnerRef, Status: f.Status}, option.ApplyPagination(page))
	if err != nil {
		return nil, nil, err
	}
	rows, info := pagination.Page(rows, page.Limit, func(c *Campaign) string { return c.ID })
	return rows, info, nil
}

// TransitionCampaign moves a campaign from one status to another. It fails with
// ErrCampaignStatus when the campaign is no longer in from.
func (s *Store) TransitionCampaign(ctx context.Context, id string, from, to CampaignStatus) error {
	res := s.db.WithContext(ctx).Model(&Campaign{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("campaign %s: %w", id, ErrCampaignStatus)
	}
	return nil
}

// DeleteCampaign removes a campaign that never received a pledge.
func (s *Store) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := s.pledges.WithTrx(tx).Count(ctx, &Pledge{CampaignID: id})
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("campaign %s has %d pledges: %w", id, n, ErrCampaignHasPledges)
		}

		res := tx.Where("id = ?", id).Delete(&Campaign{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("campaign %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// ExpireOverdue marks active campaigns whose deadline passed before now as expired,
// together with their pending and active pledges.
func (s *Store) ExpireOverdue(ctx context.Context, now time.Time) (campaigns, pledges int64, err error) {
	now = now.UTC()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&Campaign{}).
			Where("status = ? AND deadline < ?", CampaignActive, now).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		res := tx.Model(&Campaign{}).
			Where("id IN ? AND status = ?", ids, CampaignActive).
			Updates(map[string]any{"status": CampaignExpired, "updated_at": Now()})
		if res.Error != nil {
			return res.Error
		}
		campaigns = res.RowsAffected

		res = tx.Model(&Pledge{}).
			Where("campaign_id IN ? AND status IN ?", ids, []PledgeStatus{PledgePending, PledgeActive}).
			Updates(map[string]any{"status": PledgeExpired, "updated_at": Now()})
		if res.Error != nil {
			return res.Error
		}
		pledges = res.RowsAffected
		return nil
	})
	return campaigns, pledges, err
}

// CreatePledge inserts a pending pledge unless the backer already holds an active one
// on the same campaign.
func (s *Store) CreatePledge(ctx context.Context, p *Pledge) error {
	if p.ID == "" {
		p.ID = s.NewID()
	}
	if p.Status == "" {
		p.Status = PledgePending
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := &Pledge{CampaignID: p.CampaignID, Status: PledgeActive}
		if p.BackerUserRef != nil {
			q.BackerUserRef = p.BackerUserRef
		} else {
			q.BackerWalletAddress = p.BackerWalletAddress
		}

		n, err := s.pledges.WithTrx(tx).Count(ctx, q)
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("campaign %s backer %s: %w", p.CampaignID, p.Backer(), ErrDuplicateActivePledge)
		}

		return s.pledges.WithTrx(tx).Create(ctx, p)
	})
}

func (s *Store) ListPledges(ctx context.Context, f PledgeFilter, page pagination.Pagination) ([]*Pledge, *pagination.PageInfo, error) {
	rows, err := s.pledges.Find(ctx, f.query(), option.ApplyPagination(page))
	if err != nil {
		return nil, nil, err
	}
	rows, info := pagination.Page(rows, page.Limit, func(p *Pledge) string { return p.ID })
	return rows, info, nil
}
