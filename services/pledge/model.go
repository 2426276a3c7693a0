package pledge

import (
	"pledgerun/pkg/db/pagination"
	"pledgerun/services/ledger"

	"github.com/shopspring/decimal"
)

// CreatePledgeCommand carries exactly one backer identity: a user reference for signed
// in backers or a wallet address for anonymous ones.
type CreatePledgeCommand struct {
	CampaignID          string          `json:"campaignId" binding:"required"`
	BackerUserRef       string          `json:"backerUserRef" binding:"omitempty,max=128"`
	BackerWalletAddress string          `json:"backerWalletAddress" binding:"omitempty,eth_addr"`
	PerUnitRate         decimal.Decimal `json:"perUnitRate"`
	TotalAmountPledged  decimal.Decimal `json:"totalAmountPledged"`
}

type ListPledgesQuery struct {
	pagination.Pagination
	CampaignID          string              `form:"campaignId"`
	BackerUserRef       string              `form:"backerUserRef"`
	BackerWalletAddress string              `form:"backerWalletAddress"`
	Status              ledger.PledgeStatus `form:"status" binding:"omitempty,oneof=pending active completed expired"`
}

type SetWalletRequest struct {
	Address  string `json:"address" binding:"required,eth_addr"`
	Provider string `json:"provider" binding:"required,max=32"`
}
