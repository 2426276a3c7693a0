package campaign

import (
	"time"

	"pledgerun/pkg/db/pagination"
	"pledgerun/services/ledger"

	"github.com/shopspring/decimal"
)

type CreateCampaignCommand struct {
	OwnerRef     string          `json:"ownerRef" binding:"required"`
	Title        string          `json:"title" binding:"required,max=255"`
	Description  string          `json:"description"`
	TargetAmount decimal.Decimal `json:"targetAmount"`
	Deadline     time.Time       `json:"deadline" binding:"required"`
}

type ListCampaignsQuery struct {
	pagination.Pagination
	OwnerRef string                `form:"ownerRef"`
	Status   ledger.CampaignStatus `form:"status" binding:"omitempty,oneof=active completed expired"`
}

type UpdateStatusRequest struct {
	Status ledger.CampaignStatus `json:"status" binding:"required,oneof=active completed expired"`
}

type ExpirySummary struct {
	Campaigns int64 `json:"campaigns"`
	Pledges   int64 `json:"pledges"`
}

// transitions lists the statuses reachable from each campaign status.
var transitions = map[ledger.CampaignStatus][]ledger.CampaignStatus{
	ledger.CampaignActive: {ledger.CampaignCompleted, ledger.CampaignExpired},
}

func canTransition(from, to ledger.CampaignStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
