package custody

import (
	"context"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestSimulatedTransferIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	s := NewSimulated(decimal.NewFromInt(100), 1)

	txRef, err := s.Transfer(ctx, TransferRequest{Reference: "payout-1", To: "0xowner", Amount: decimal.NewFromInt(30)})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(txRef, "0x"))
	require.Len(t, txRef, 66)

	again, err := s.Transfer(ctx, TransferRequest{Reference: "payout-1", To: "0xowner", Amount: decimal.NewFromInt(30)})
	require.NoError(t, err)
	require.Equal(t, txRef, again)

	balance, err := s.Balance(ctx)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(70)))

	found, ok, err := s.LookupTransfer(ctx, "payout-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, txRef, found)

	_, err = s.Transfer(ctx, TransferRequest{Reference: "payout-2", To: "0xowner", Amount: decimal.NewFromInt(71)})
	require.ErrorIs(t, err, ErrInsufficientCustodyBalance)

	_, err = s.Transfer(ctx, TransferRequest{Reference: "payout-3", Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrTransfer)
}

func TestSimulatedIncomingConfirmsAfterPolls(t *testing.T) {
	ctx := context.Background()
	s := NewSimulated(decimal.Zero, 2)

	r, err := s.TransactionStatus(ctx, "0xunknown")
	require.NoError(t, err)
	require.False(t, r.Found)

	require.NoError(t, s.RegisterIncoming(ctx, "0xfund", decimal.NewFromInt(50)))

	r, err = s.TransactionStatus(ctx, "0xfund")
	require.NoError(t, err)
	require.True(t, r.Found)
	require.False(t, r.Confirmed)

	r, err = s.TransactionStatus(ctx, "0xfund")
	require.NoError(t, err)
	require.True(t, r.Confirmed)
	require.NotNil(t, r.BlockNumber)

	balance, err := s.Balance(ctx)
	require.NoError(t, err)
	require.True(t, balance.Equal(decimal.NewFromInt(50)))
}
