package settlement

import (
	"pledgerun/services/custody"

	"github.com/shopspring/decimal"
)

type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
	OutcomeTransferFailed    Outcome = "transfer_failed"
)

// Failure reasons reported in transfer_failed results.
const (
	ReasonTimeout             = "timeout"
	ReasonCanceled            = "canceled"
	ReasonNoBeneficiary       = "beneficiary wallet not found"
	ReasonPayoutRecorded      = "payout already recorded"
	ReasonPledgeInactive      = "pledge is not active"
	ReasonCustodyInsufficient = "insufficient custody balance"
	ReasonAmountRoundsToZero  = "payout amount rounds to zero"
	ReasonFinalizeFailed      = "finalize failed"
	ReasonReservationFailed   = "reservation failed"
)

// unknownOutcomes are the failure reasons after which the transfer may still land.
var unknownOutcomes = []string{
	ReasonTimeout,
	ReasonCanceled,
	custody.ReasonGatewayUnreachable,
	custody.ReasonGatewayUnknown,
}

// Result is the settlement outcome for one pledge.
type Result struct {
	PledgeID    string           `json:"pledgeId"`
	Outcome     Outcome          `json:"outcome"`
	PayoutID    string           `json:"payoutId,omitempty"`
	TxReference string           `json:"txReference,omitempty"`
	Amount      *decimal.Decimal `json:"amount,omitempty"`
	Shortfall   *decimal.Decimal `json:"shortfall,omitempty"`
	Reason      string           `json:"reason,omitempty"`

	retry bool
}

func success(pledgeID, payoutID, txRef string, amount decimal.Decimal) Result {
	return Result{PledgeID: pledgeID, Outcome: OutcomeSuccess, PayoutID: payoutID, TxReference: txRef, Amount: &amount}
}

func insufficientFunds(pledgeID string, shortfall decimal.Decimal) Result {
	return Result{PledgeID: pledgeID, Outcome: OutcomeInsufficientFunds, Shortfall: &shortfall}
}

func transferFailed(pledgeID, payoutID, reason string) Result {
	return Result{PledgeID: pledgeID, Outcome: OutcomeTransferFailed, PayoutID: payoutID, Reason: reason}
}

// Summary counts results per outcome.
type Summary struct {
	Attempted         int `json:"attempted"`
	Succeeded         int `json:"succeeded"`
	InsufficientFunds int `json:"insufficientFunds"`
	Failed            int `json:"failed"`
}

func Summarize(results []Result) Summary {
	s := Summary{Attempted: len(results)}
	for _, r := range results {
		switch r.Outcome {
		case OutcomeSuccess:
			s.Succeeded++
		case OutcomeInsufficientFunds:
			s.InsufficientFunds++
		default:
			s.Failed++
		}
	}
	return s
}
