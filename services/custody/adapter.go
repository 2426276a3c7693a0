package custody

//go:generate mockgen -source=adapter.go -destination=mock/adapter_mock.go -package=mock

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Transfer failure reasons after which the transfer may still have landed.
const (
	ReasonGatewayUnreachable = "gateway unreachable"
	ReasonGatewayUnknown     = "gateway outcome unknown"
)

var (
	ErrInsufficientCustodyBalance = errors.New("custody: insufficient custody balance")
	ErrTransfer                   = errors.New("custody: transfer failed")
)

// TransferError carries the reason a custody transfer was rejected.
type TransferError struct {
	Reference string
	Reason    string
	Cause     error
}

func (e *TransferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("custody: transfer %s failed: %s: %v", e.Reference, e.Reason, e.Cause)
	}
	return fmt.Sprintf("custody: transfer %s failed: %s", e.Reference, e.Reason)
}

func (e *TransferError) Unwrap() error { return e.Cause }

func (e *TransferError) Is(target error) bool { return target == ErrTransfer }

// TransferRequest moves Amount from the escrow account to To. Reference is the caller's
// idempotency key; the payout id is used for settlement transfers.
type TransferRequest struct {
	Reference string
	To        string
	Amount    decimal.Decimal
}

// Receipt is the observed state of an on-ledger transaction.
type Receipt struct {
	Found       bool
	Confirmed   bool
	Failed      bool
	BlockNumber *int64
}

// Adapter abstracts the custody provider holding escrowed funds.
type Adapter interface {
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	TransactionStatus(ctx context.Context, txRef string) (Receipt, error)
	LookupTransfer(ctx context.Context, reference string) (string, bool, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
}

// IncomingRegistrar is implemented by adapters that must be told about funding transfers
// before they can report on them.
type IncomingRegistrar interface {
	RegisterIncoming(ctx context.Context, txRef string, amount decimal.Decimal) error
}
