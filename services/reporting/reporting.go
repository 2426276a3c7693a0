package reporting

import (
	"context"
	"math"
	"time"

	"pledgerun/services/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("reporting",
	fx.Provide(NewReporter),
)

var hundred = decimal.NewFromInt(100)

// Totals aggregates the pledges of one campaign.
type Totals struct {
	TotalPledged   decimal.Decimal `json:"totalPledged"`
	TotalPaidOut   decimal.Decimal `json:"totalPaidOut"`
	TotalRemaining decimal.Decimal `json:"totalRemaining"`
	Pledges        int64           `json:"pledgeCount"`
	ActivePledges  int64           `json:"activePledgeCount"`
}

type CampaignView struct {
	*ledger.Campaign
	Totals
	Progress      decimal.Decimal `json:"progress"`
	DaysRemaining int             `json:"daysRemaining"`
}

type PledgeView struct {
	*ledger.Pledge
	PaidOutPercent decimal.Decimal `json:"paidOutPercent"`
	Payouts        int64           `json:"payoutCount"`
	LastPayoutAt   *time.Time      `json:"lastPayoutAt,omitempty"`
}

type Reporter struct {
	db  *gorm.DB
	now func() time.Time
}

func NewReporter(store *ledger.Store) *Reporter {
	return &Reporter{db: store.DB(), now: time.Now}
}

// Progress is pledged / target as a percentage with two decimals. A zero target yields zero.
func Progress(pledged, target decimal.Decimal) decimal.Decimal {
	if !target.IsPositive() {
		return decimal.Zero
	}
	return pledged.Mul(hundred).Div(target).Round(2)
}

// DaysRemaining counts started days until deadline, zero once it has passed.
func DaysRemaining(deadline, now time.Time) int {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

type totalsRow struct {
	CampaignID     string
	TotalPledged   decimal.Decimal
	TotalPaidOut   decimal.Decimal
	TotalRemaining decimal.Decimal
	Pledges        int64
	ActivePledges  int64
}

// Totals sums the pledges of each campaign. Expired pledges keep counting since their
// paid out share is final.
func (r *Reporter) Totals(ctx context.Context, campaignIDs ...string) (map[string]Totals, error) {
	out := make(map[string]Totals, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return out, nil
	}

	var rows []totalsRow
	err := r.db.WithContext(ctx).Model(&ledger.Pledge{}).
		Select(`campaign_id,
			COALESCE(SUM(total_amount_pledged), 0) AS total_pledged,
			COALESCE(SUM(amount_paid_out), 0) AS total_paid_out,
			COALESCE(SUM(amount_remaining), 0) AS total_remaining,
			COUNT(*) AS pledges,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS active_pledges`, ledger.PledgeActive).
		Where("campaign_id IN ?", campaignIDs).
		Group("campaign_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, id := range campaignIDs {
		out[id] = Totals{TotalPledged: decimal.Zero, TotalPaidOut: decimal.Zero, TotalRemaining: decimal.Zero}
	}
	for _, row := range rows {
		out[row.CampaignID] = Totals{
			TotalPledged:   row.TotalPledged,
			TotalPaidOut:   row.TotalPaidOut,
			TotalRemaining: row.TotalRemaining,
			Pledges:        row.Pledges,
			ActivePledges:  row.ActivePledges,
		}
	}
	return out, nil
}

func (r *Reporter) Campaign(ctx context.Context, c *ledger.Campaign) (*CampaignView, error) {
	views, err := r.Campaigns(ctx, []*ledger.Campaign{c})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

func (r *Reporter) Campaigns(ctx context.Context, campaigns []*ledger.Campaign) ([]*CampaignView, error) {
	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		ids = append(ids, c.ID)
	}

	totals, err := r.Totals(ctx, ids...)
	if err != nil {
		return nil, err
	}

	now := r.now()
	views := make([]*CampaignView, 0, len(campaigns))
	for _, c := range campaigns {
		t := totals[c.ID]
		views = append(views, &CampaignView{
			Campaign:      c,
			Totals:        t,
			Progress:      Progress(t.TotalPledged, c.TargetAmount),
			DaysRemaining: DaysRemaining(c.Deadline, now),
		})
	}
	return views, nil
}

type payoutStats struct {
	count int64
	last  *time.Time
}

type payoutRow struct {
	PledgeID  string
	CreatedAt time.Time
}

func (r *Reporter) Pledges(ctx context.Context, pledges []*ledger.Pledge) ([]*PledgeView, error) {
	ids := make([]string, 0, len(pledges))
	for _, p := range pledges {
		ids = append(ids, p.ID)
	}

	stats := map[string]*payoutStats{}
	if len(ids) > 0 {
		var rows []payoutRow
		err := r.db.WithContext(ctx).Model(&ledger.Payout{}).
			Select("pledge_id, created_at").
			Where("pledge_id IN ? AND status = ?", ids, ledger.PayoutCompleted).
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			st, ok := stats[row.PledgeID]
			if !ok {
				st = &payoutStats{}
				stats[row.PledgeID] = st
			}
			st.count++
			if st.last == nil || row.CreatedAt.After(*st.last) {
				at := row.CreatedAt
				st.last = &at
			}
		}
	}

	views := make([]*PledgeView, 0, len(pledges))
	for _, p := range pledges {
		view := &PledgeView{
			Pledge:         p,
			PaidOutPercent: Progress(p.AmountPaidOut, p.TotalAmountPledged),
		}
		if st, ok := stats[p.ID]; ok {
			view.Payouts = st.count
			view.LastPayoutAt = st.last
		}
		views = append(views, view)
	}
	return views, nil
}

func (r *Reporter) Pledge(ctx context.Context, p *ledger.Pledge) (*PledgeView, error) {
	views, err := r.Pledges(ctx, []*ledger.Pledge{p})
	if err != nil {
		return nil, err
	}
	return views[0], nil
}
