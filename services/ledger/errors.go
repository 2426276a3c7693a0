package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound              = errors.New("ledger: record not found")
	ErrPayoutExists          = errors.New("ledger: payout already recorded for pledge and activity")
	ErrPayoutNotPending      = errors.New("ledger: payout is not pending")
	ErrPledgeInactive        = errors.New("ledger: pledge is not active")
	ErrPledgeNotPending      = errors.New("ledger: pledge is not awaiting funding")
	ErrEscrowExists          = errors.New("ledger: escrow transaction reference already recorded")
	ErrDuplicateActivePledge = errors.New("ledger: backer already holds an active pledge on this campaign")
	ErrDuplicateSlug         = errors.New("ledger: campaign slug already taken")
	ErrCampaignHasPledges    = errors.New("ledger: campaign has pledges")
	ErrCampaignStatus        = errors.New("ledger: campaign status changed concurrently")
)

// InsufficientFundsError is returned when a conditional debit finds less remaining
// balance than requested.
type InsufficientFundsError struct {
	PledgeID  string
	Requested decimal.Decimal
	Remaining decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("ledger: pledge %s has %s remaining, %s requested", e.PledgeID, e.Remaining, e.Requested)
}

// Shortfall is the amount missing to cover the request.
func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Remaining)
}

// IsInsufficientFunds reports whether err is an InsufficientFundsError.
func IsInsufficientFunds(err error) (*InsufficientFundsError, bool) {
	var target *InsufficientFundsError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
