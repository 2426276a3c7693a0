package settlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"

	"pledgerun/pkg/config"
	"pledgerun/pkg/kafka"
	"pledgerun/services/custody"
	"pledgerun/services/custody/mock"
	"pledgerun/services/ledger"
	"pledgerun/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []kafka.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, events ...kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

type fixture struct {
	store     *ledger.Store
	engine    *Engine
	publisher *recordingPublisher
	reader    *sdkmetric.ManualReader
	campaign  *ledger.Campaign
}

func newFixture(t *testing.T, adapter custody.Adapter, timeout time.Duration) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, ledger.Models()...)
	store := ledger.NewStore(ledger.StoreParams{DB: db, Node: testutil.NewNode(t)})

	cfg := &config.Config{}
	cfg.Settlement.MaxParallel = 4
	cfg.Settlement.TransferTimeout = timeout

	reader := sdkmetric.NewManualReader()
	publisher := &recordingPublisher{}
	engine, err := NewEngine(EngineParams{
		Config:        cfg,
		Store:         store,
		Adapter:       adapter,
		Publisher:     publisher,
		MeterProvider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
	})
	require.NoError(t, err)

	c := &ledger.Campaign{
		ID:           store.NewID(),
		OwnerRef:     "runner-1",
		Slug:         "runner-" + store.NewID(),
		Title:        "Marathon",
		TargetAmount: decimal.NewFromInt(1000),
		Deadline:     time.Now().Add(24 * time.Hour),
		Status:       ledger.CampaignActive,
	}
	require.NoError(t, db.Create(c).Error)

	return &fixture{store: store, engine: engine, publisher: publisher, reader: reader, campaign: c}
}

func (f *fixture) wallet(t *testing.T) {
	t.Helper()
	_, err := f.store.SetActiveWallet(context.Background(), f.campaign.OwnerRef, "0xrunner", "metamask")
	require.NoError(t, err)
}

func (f *fixture) pledge(t *testing.T, backer, rate, remaining string) *ledger.Pledge {
	t.Helper()

	p := &ledger.Pledge{
		ID:                 f.store.NewID(),
		CampaignID:         f.campaign.ID,
		BackerUserRef:      &backer,
		PerUnitRate:        decimal.RequireFromString(rate),
		TotalAmountPledged: decimal.RequireFromString(remaining),
		AmountRemaining:    decimal.RequireFromString(remaining),
		AmountPaidOut:      decimal.Zero,
		Status:             ledger.PledgeActive,
		EscrowConfirmed:    true,
	}
	require.NoError(t, f.store.DB().Create(p).Error)
	return p
}

func (f *fixture) activity(t *testing.T, externalID, distance string) *ledger.Activity {
	t.Helper()

	a, created, err := f.store.RecordActivity(context.Background(), &ledger.Activity{
		OwnerRef:           f.campaign.OwnerRef,
		Distance:           decimal.RequireFromString(distance),
		Source:             "Strava",
		ExternalActivityID: externalID,
		ActivityDate:       time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return a
}

func (f *fixture) reload(t *testing.T, id string) *ledger.Pledge {
	t.Helper()
	p, err := f.store.GetPledge(context.Background(), id)
	require.NoError(t, err)
	return p
}

func (f *fixture) backdate(t *testing.T, model any, id string) {
	t.Helper()
	require.NoError(t, f.store.DB().Model(model).Where("id = ?", id).Update("created_at", ledger.Now().Add(-time.Hour)).Error)
}

func (f *fixture) settledAt(t *testing.T, externalID string) *time.Time {
	t.Helper()
	a, err := f.store.FindActivity(context.Background(), "Strava", externalID)
	require.NoError(t, err)
	return a.SettledAt
}

func (f *fixture) outcomes(t *testing.T, outcome Outcome) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "settlement.payouts" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("outcome")); ok && v.AsString() == string(outcome) {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func requireAmount(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got)
}

func TestSettlePaysProportionalAmount(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	f.wallet(t)
	p := f.pledge(t, "backer-1", "2", "100")
	a := f.activity(t, "act-1", "10")

	adapter.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req custody.TransferRequest) (string, error) {
			require.Equal(t, "0xrunner", req.To)
			requireAmount(t, "20", req.Amount)
			require.NotEmpty(t, req.Reference)
			return "0xtx1", nil
		})

	results, err := f.engine.Settle(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)
	require.Equal(t, "0xtx1", results[0].TxReference)
	requireAmount(t, "20", *results[0].Amount)

	got := f.reload(t, p.ID)
	requireAmount(t, "80", got.AmountRemaining)
	requireAmount(t, "20", got.AmountPaidOut)
	require.True(t, got.AmountReserved.IsZero())
	require.True(t, got.Balanced())
	require.NotNil(t, f.settledAt(t, "act-1"))

	payouts, err := f.store.PledgePayouts(context.Background(), p.ID)
	require.NoError(t, err)
	require.Len(t, payouts, 1)
	require.Equal(t, ledger.PayoutCompleted, payouts[0].Status)
	require.Equal(t, results[0].PayoutID, payouts[0].ID)

	require.Len(t, f.publisher.events, 1)
	require.Equal(t, EventPayoutSettled, f.publisher.events[0].Type)
	require.EqualValues(t, 1, f.outcomes(t, OutcomeSuccess))

	valid, err := f.engine.VerifyPayoutChain(context.Background(), p.ID)
	require.NoError(t, err)
	require.True(t, valid)
}

func TestSettleInsufficientFundsSkipsTransfer(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	f.wallet(t)
	p := f.pledge(t, "backer-1", "5", "12")
	a := f.activity(t, "act-1", "3")

	results, err := f.engine.Settle(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeInsufficientFunds, results[0].Outcome)
	requireAmount(t, "3", *results[0].Shortfall)

	got := f.reload(t, p.ID)
	requireAmount(t, "12", got.AmountRemaining)
	require.True(t, got.AmountPaidOut.IsZero())
	require.EqualValues(t, 1, f.outcomes(t, OutcomeInsufficientFunds))
}

func TestSettleWithoutBeneficiaryWallet(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	p := f.pledge(t, "backer-1", "1", "50")
	a := f.activity(t, "act-1", "5")

	results, err := f.engine.Settle(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, OutcomeTransferFailed, results[0].Outcome)
	require.Equal(t, ReasonNoBeneficiary, results[0].Reason)

	requireAmount(t, "50", f.reload(t, p.ID).AmountRemaining)
	require.NotNil(t, f.settledAt(t, "act-1"))
}

func TestSettleIgnoresCallerCancellation(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	f.wallet(t)
	p := f.pledge(t, "backer-1", "1", "100")
	a := f.activity(t, "act-1", "10")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	adapter.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req custody.TransferRequest) (string, error) {
			require.NoError(t, ctx.Err())
			return "0xdetached", nil
		})

	results, err := f.engine.Settle(ctx, a)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)
	requireAmount(t, "10", f.reload(t, p.ID).AmountPaidOut)
}

func TestSettleIsolatesTransferFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	f.wallet(t)
	first := f.pledge(t, "backer-1", "1", "50")
	second := f.pledge(t, "backer-2", "1", "50")
	third := f.pledge(t, "backer-3", "1", "50")
	a := f.activity(t, "act-1", "5")

	payoutOwner := map[string]string{}
	var mu sync.Mutex
	adapter.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		Times(3).
		DoAndReturn(func(ctx context.Context, req custody.TransferRequest) (string, error) {
			payout, err := f.store.GetPayout(ctx, req.Reference)
			require.NoError(t, err)
			mu.Lock()
			payoutOwner[req.Reference] = payout.PledgeID
			mu.Unlock()

			switch payout.PledgeID {
			case second.ID:
				return "", &custody.TransferError{Reference: req.Reference, Reason: "destination rejected"}
			case third.ID:
				return "", custody.ErrInsufficientCustodyBalance
			}
			return "0xok", nil
		})

	results, err := f.engine.Settle(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, first.ID, results[0].PledgeID)
	require.Equal(t, OutcomeSuccess, results[0].Outcome)
	require.Equal(t, second.ID, results[1].PledgeID)
	require.Equal(t, OutcomeTransferFailed, results[1].Outcome)
	require.Equal(t, "destination rejected", results[1].Reason)
	require.Equal(t, third.ID, results[2].PledgeID)
	require.Equal(t, ReasonCustodyInsufficient, results[2].Reason)

	requireAmount(t, "45", f.reload(t, first.ID).AmountRemaining)
	for _, id := range []string{second.ID, third.ID} {
		got := f.reload(t, id)
		requireAmount(t, "50", got.AmountRemaining)
		require.True(t, got.AmountPaidOut.IsZero())
	}

	failed, err := f.store.PledgePayouts(context.Background(), second.ID)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, ledger.PayoutFailed, failed[0].Status)
}

func TestSettleTimeoutThenRepair(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, 50*time.Millisecond)
	f.wallet(t)
	p := f.pledge(t, "backer-1", "1", "100")
	a := f.activity(t, "act-1", "30")

	adapter.EXPECT().
		Transfer(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, req custody.TransferRequest) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})

	results, err := f.engine.Settle(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, OutcomeTransferFailed, results[0].Outcome)
	require.Equal(t, ReasonTimeout, results[0].Reason)
	requireAmount(t, "100", f.reload(t, p.ID).AmountRemaining)

	payoutID := results[0].PayoutID
	adapter.EXPECT().LookupTransfer(gomock.Any(), payoutID).Return("0xlate", true, nil)

	summary, err := f.engine.RepairTimedOutPayouts(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Checked)
	require.Equal(t, 1, summary.Repaired)

	got := f.reload(t, p.ID)
	requireAmount(t, "70", got.AmountRemaining)
	requireAmount(t, "30", got.AmountPaidOut)

	payout, err := f.store.GetPayout(context.Background(), payoutID)
	require.NoError(t, err)
	require.Equal(t, ledger.PayoutCompleted, payout.Status)

	summary, err = f.engine.RepairTimedOutPayouts(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Checked)
}

func TestRepairRebooksAmbiguousFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	p := f.pledge(t, "backer-1", "1", "100")
	ctx := context.Background()

	fail := func(activityID, reason string) *ledger.Payout {
		payout, err := f.store.Reserve(ctx, p.ID, activityID, decimal.NewFromInt(10))
		require.NoError(t, err)
		require.NoError(t, f.store.FailPayout(ctx, payout.ID, reason))
		return payout
	}

	for _, reason := range []string{ReasonCanceled, custody.ReasonGatewayUnreachable, custody.ReasonGatewayUnknown} {
		payout := fail("act-"+reason, reason)
		adapter.EXPECT().LookupTransfer(gomock.Any(), payout.ID).Return("0x"+payout.ID, true, nil)
	}
	rejected := fail("act-rejected", "destination rejected")

	summary, err := f.engine.RepairTimedOutPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Checked)
	require.Equal(t, 3, summary.Repaired)

	got := f.reload(t, p.ID)
	requireAmount(t, "70", got.AmountRemaining)
	requireAmount(t, "30", got.AmountPaidOut)
	require.True(t, got.Balanced())

	stored, err := f.store.GetPayout(ctx, rejected.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PayoutFailed, stored.Status)
}

func TestRepairResolvesStalePendingPayouts(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	p := f.pledge(t, "backer-1", "1", "100")
	ctx := context.Background()

	landed, err := f.store.Reserve(ctx, p.ID, "act-1", decimal.NewFromInt(10))
	require.NoError(t, err)
	lost, err := f.store.Reserve(ctx, p.ID, "act-2", decimal.NewFromInt(20))
	require.NoError(t, err)
	_, err = f.store.Reserve(ctx, p.ID, "act-3", decimal.NewFromInt(5))
	require.NoError(t, err)
	f.backdate(t, &ledger.Payout{}, landed.ID)
	f.backdate(t, &ledger.Payout{}, lost.ID)

	adapter.EXPECT().LookupTransfer(gomock.Any(), landed.ID).Return("0xlanded", true, nil)
	adapter.EXPECT().LookupTransfer(gomock.Any(), lost.ID).Return("", false, nil)

	summary, err := f.engine.RepairTimedOutPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Checked)
	require.Equal(t, 1, summary.Repaired)
	require.Equal(t, 1, summary.Released)

	got := f.reload(t, p.ID)
	requireAmount(t, "90", got.AmountRemaining)
	requireAmount(t, "10", got.AmountPaidOut)
	requireAmount(t, "5", got.AmountReserved)

	booked, err := f.store.GetPayout(ctx, landed.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PayoutCompleted, booked.Status)
	require.Equal(t, "0xlanded", *booked.TxReference)

	released, err := f.store.GetPayout(ctx, lost.ID)
	require.NoError(t, err)
	require.Equal(t, ledger.PayoutFailed, released.Status)
	require.Equal(t, ReasonTimeout, released.FailureReason)

	adapter.EXPECT().LookupTransfer(gomock.Any(), lost.ID).Return("0xfinally", true, nil)
	summary, err = f.engine.RepairTimedOutPayouts(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Repaired)
	requireAmount(t, "30", f.reload(t, p.ID).AmountPaidOut)
}

func TestSettleUnsettledActivities(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	f.wallet(t)
	p := f.pledge(t, "backer-1", "1", "100")
	ctx := context.Background()

	adapter.EXPECT().Transfer(gomock.Any(), gomock.Any()).Return("0xtx", nil).Times(2)

	settled := f.activity(t, "act-1", "10")
	_, err := f.engine.Settle(ctx, settled)
	require.NoError(t, err)
	f.backdate(t, &ledger.Activity{}, settled.ID)

	stranded := f.activity(t, "act-2", "15")
	f.backdate(t, &ledger.Activity{}, stranded.ID)
	f.activity(t, "act-3", "5")

	summary, err := f.engine.SettleUnsettled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Checked)
	require.Equal(t, 1, summary.Settled)
	require.NotNil(t, f.settledAt(t, "act-2"))
	require.Nil(t, f.settledAt(t, "act-3"))

	got := f.reload(t, p.ID)
	requireAmount(t, "75", got.AmountRemaining)
	requireAmount(t, "25", got.AmountPaidOut)

	summary, err = f.engine.SettleUnsettled(ctx)
	require.NoError(t, err)
	require.Zero(t, summary.Checked)
}

func TestSettleSameActivityTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	adapter := mock.NewMockAdapter(ctrl)
	f := newFixture(t, adapter, time.Second)
	f.wallet(t)
	p := f.pledge(t, "backer-1", "1", "100")
	a := f.activity(t, "act-1", "10")

	adapter.EXPECT().Transfer(gomock.Any(), gomock.Any()).Return("0xonce", nil).Times(1)

	_, err := f.engine.Settle(context.Background(), a)
	require.NoError(t, err)

	results, err := f.engine.Settle(context.Background(), a)
	require.NoError(t, err)
	require.Equal(t, OutcomeTransferFailed, results[0].Outcome)
	require.Equal(t, ReasonPayoutRecorded, results[0].Reason)
	requireAmount(t, "90", f.reload(t, p.ID).AmountRemaining)
}

func TestConcurrentActivitiesNeverOverdraw(t *testing.T) {
	adapter := custody.NewSimulated(decimal.NewFromInt(1000), 1)
	f := newFixture(t, adapter, time.Second)
	f.wallet(t)
	p := f.pledge(t, "backer-1", "1", "100")
	first := f.activity(t, "act-1", "60")
	second := f.activity(t, "act-2", "60")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, a := range []*ledger.Activity{first, second} {
		wg.Add(1)
		go func(i int, a *ledger.Activity) {
			defer wg.Done()
			results, err := f.engine.Settle(context.Background(), a)
			if err == nil && len(results) == 1 {
				outcomes[i] = results[0].Outcome
			}
		}(i, a)
	}
	wg.Wait()

	require.ElementsMatch(t, []Outcome{OutcomeSuccess, OutcomeInsufficientFunds}, outcomes)

	got := f.reload(t, p.ID)
	requireAmount(t, "40", got.AmountRemaining)
	requireAmount(t, "60", got.AmountPaidOut)

	balance, err := adapter.Balance(context.Background())
	require.NoError(t, err)
	requireAmount(t, "940", balance)
}

func TestVerifyPayoutChainUnknownPledge(t *testing.T) {
	ctrl := gomock.NewController(t)
	f := newFixture(t, mock.NewMockAdapter(ctrl), time.Second)

	_, err := f.engine.VerifyPayoutChain(context.Background(), "missing")
	require.True(t, errors.Is(err, ledger.ErrNotFound))
}
