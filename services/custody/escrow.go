package custody

import (
	"context"
	"errors"
	"strings"
	"time"

	"pledgerun/pkg/config"
	"pledgerun/pkg/errutil"
	"pledgerun/pkg/kafka"
	"pledgerun/pkg/logger"
	"pledgerun/services/ledger"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const EventEscrowConfirmed = "escrow.confirmed"

// ReconcileSummary counts the outcome of one ReconcilePending sweep.
type ReconcileSummary struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Activated int `json:"activated"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// Escrow records incoming funding transfers and moves pledges to active once their
// escrow transaction is confirmed by the custody adapter.
type Escrow struct {
	store     *ledger.Store
	adapter   Adapter
	publisher kafka.Publisher
	address   string

	group singleflight.Group
}

type EscrowParams struct {
	fx.In

	Config    *config.Config
	Store     *ledger.Store
	Adapter   Adapter
	Publisher kafka.Publisher `optional:"true"`
}

func NewEscrow(p EscrowParams) *Escrow {
	publisher := p.Publisher
	if publisher == nil {
		publisher = kafka.Nop()
	}
	return &Escrow{
		store:     p.Store,
		adapter:   p.Adapter,
		publisher: publisher,
		address:   p.Config.Custody.EscrowAddress,
	}
}

// RecordIncomingTransfer registers the funding transfer of a pending pledge. The amount
// must equal the pledged total.
func (e *Escrow) RecordIncomingTransfer(ctx context.Context, pledgeID, fromAddress string, amount decimal.Decimal, txReference string) (*ledger.EscrowTransaction, error) {
	zapLog := logger.FromContext(ctx).With(zap.String("pledge_id", pledgeID), zap.String("tx_ref", txReference))

	txReference = strings.TrimSpace(txReference)
	if txReference == "" || strings.TrimSpace(fromAddress) == "" {
		return nil, errutil.ValidationFailed("fromAddress and txReference are required", nil)
	}

	pledge, err := e.store.GetPledge(ctx, pledgeID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return nil, errutil.NotFound("pledge not found", nil)
		}
		return nil, err
	}
	if !amount.Equal(pledge.TotalAmountPledged) {
		return nil, errutil.BusinessRule("funding amount must equal the pledged total", nil)
	}

	tx := &ledger.EscrowTransaction{
		PledgeID:       pledgeID,
		FromAddress:    fromAddress,
		CustodyAddress: e.address,
		Amount:         ledger.RoundAmount(amount),
		TxReference:    txReference,
	}
	if err := e.store.RecordEscrow(ctx, tx); err != nil {
		switch {
		case errors.Is(err, ledger.ErrEscrowExists):
			return nil, errutil.Conflict("transaction reference already recorded", nil)
		case errors.Is(err, ledger.ErrPledgeNotPending):
			return nil, errutil.BusinessRule("pledge is not awaiting funding", nil)
		case errors.Is(err, ledger.ErrNotFound):
			return nil, errutil.NotFound("pledge not found", nil)
		}
		zapLog.Error("failed to record escrow transaction", zap.Error(err))
		return nil, err
	}

	if reg, ok := e.adapter.(IncomingRegistrar); ok {
		if err := reg.RegisterIncoming(ctx, txReference, tx.Amount); err != nil {
			zapLog.Warn("custody adapter did not accept incoming transfer", zap.Error(err))
		}
	}

	zapLog.Info("escrow transaction recorded", zap.String("escrow_id", tx.ID))
	return tx, nil
}

// ReconcilePending checks every pending escrow transaction against the custody adapter.
// Concurrent callers share one sweep.
func (e *Escrow) ReconcilePending(ctx context.Context) (ReconcileSummary, error) {
	v, err, _ := e.group.Do("reconcile", func() (any, error) {
		return e.reconcile(ctx)
	})
	if err != nil {
		return ReconcileSummary{}, err
	}
	return v.(ReconcileSummary), nil
}

func (e *Escrow) reconcile(ctx context.Context) (ReconcileSummary, error) {
	zapLog := logger.FromContext(ctx)
	started := time.Now()

	pending, err := e.store.PendingEscrow(ctx, "")
	if err != nil {
		zapLog.Error("failed to list pending escrow transactions", zap.Error(err))
		return ReconcileSummary{}, err
	}

	var summary ReconcileSummary
	for _, tx := range pending {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++

		receipt, err := e.adapter.TransactionStatus(ctx, tx.TxReference)
		if err != nil {
			summary.Errors++
			zapLog.Warn("escrow status query failed", zap.String("escrow_id", tx.ID), zap.Error(err))
			continue
		}

		switch {
		case receipt.Found && receipt.Confirmed:
			confirmed, activated, err := e.store.ConfirmEscrow(ctx, tx.ID, receipt.BlockNumber)
			if err != nil {
				summary.Errors++
				zapLog.Warn("escrow confirmation refused", zap.String("escrow_id", tx.ID), zap.String("pledge_id", tx.PledgeID), zap.Error(err))
				continue
			}
			if confirmed {
				summary.Confirmed++
			}
			if activated {
				summary.Activated++
				e.publish(ctx, tx)
			}
		case receipt.Found && receipt.Failed:
			failed, err := e.store.FailEscrow(ctx, tx.ID)
			if err != nil {
				summary.Errors++
				zapLog.Warn("failed to mark escrow failed", zap.String("escrow_id", tx.ID), zap.Error(err))
				continue
			}
			if failed {
				summary.Failed++
			}
		default:
			summary.Pending++
		}
	}

	zapLog.Info("escrow reconcile finished",
		zap.Int("checked", summary.Checked),
		zap.Int("confirmed", summary.Confirmed),
		zap.Int("activated", summary.Activated),
		zap.Int("failed", summary.Failed),
		zap.Int("errors", summary.Errors),
		zap.Duration("took", time.Since(started)),
	)
	return summary, nil
}

func (e *Escrow) publish(ctx context.Context, tx *ledger.EscrowTransaction) {
	err := e.publisher.Publish(ctx, kafka.Event{
		Type: EventEscrowConfirmed,
		Key:  tx.PledgeID,
		Data: map[string]any{
			"pledgeId":    tx.PledgeID,
			"escrowId":    tx.ID,
			"txReference": tx.TxReference,
			"amount":      tx.Amount,
		},
	})
	if err != nil {
		logger.FromContext(ctx).Warn("failed to publish escrow event", zap.String("pledge_id", tx.PledgeID), zap.Error(err))
	}
}

// ListPending returns pending escrow transactions, all of them when pledgeID is empty.
func (e *Escrow) ListPending(ctx context.Context, pledgeID string) ([]*ledger.EscrowTransaction, error) {
	return e.store.PendingEscrow(ctx, pledgeID)
}
