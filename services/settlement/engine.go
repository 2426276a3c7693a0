package settlement

import (
	"context"
	"errors"
	"time"

	"pledgerun/pkg/config"
	"pledgerun/pkg/kafka"
	"pledgerun/pkg/logger"
	"pledgerun/services/custody"
	"pledgerun/services/ledger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	EventPayoutSettled = "payout.settled"

	instrumentation = "pledgerun/services/settlement"
	repairBatchSize = 100
)

// Engine pays out every eligible pledge of an activity owner. Each pledge is reserved,
// transferred and finalized independently, so one failure never affects the others.
type Engine struct {
	store     *ledger.Store
	adapter   custody.Adapter
	publisher kafka.Publisher

	maxParallel     int
	transferTimeout time.Duration
	recoverAfter    time.Duration
	repairLookback  time.Duration

	tracer   trace.Tracer
	payouts  metric.Int64Counter
	duration metric.Float64Histogram
}

type EngineParams struct {
	fx.In

	Config         *config.Config
	Store          *ledger.Store
	Adapter        custody.Adapter
	Publisher      kafka.Publisher      `optional:"true"`
	TracerProvider trace.TracerProvider `optional:"true"`
	MeterProvider  metric.MeterProvider `optional:"true"`
}

func NewEngine(p EngineParams) (*Engine, error) {
	tp := p.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	mp := p.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = kafka.Nop()
	}

	meter := mp.Meter(instrumentation)
	payouts, err := meter.Int64Counter("settlement.payouts",
		metric.WithDescription("Settlement results by outcome"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("settlement.duration",
		metric.WithDescription("Time spent settling one activity"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	maxParallel := p.Config.Settlement.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 4
	}
	timeout := p.Config.Settlement.TransferTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	recoverAfter := p.Config.Settlement.RecoverAfter
	if recoverAfter <= 0 {
		recoverAfter = 10 * time.Minute
	}
	// a payout younger than two transfer timeouts may still be in flight
	if recoverAfter < 2*timeout {
		recoverAfter = 2 * timeout
	}
	lookback := p.Config.Settlement.RepairLookback
	if lookback <= 0 {
		lookback = 72 * time.Hour
	}

	return &Engine{
		store:           p.Store,
		adapter:         p.Adapter,
		publisher:       publisher,
		maxParallel:     maxParallel,
		transferTimeout: timeout,
		recoverAfter:    recoverAfter,
		repairLookback:  lookback,
		tracer:          tp.Tracer(instrumentation),
		payouts:         payouts,
		duration:        duration,
	}, nil
}

// Settle computes and executes the payouts for a newly recorded activity. The returned
// error covers loading the pledges only; per-pledge failures are reported as results,
// in pledge creation order. Settlement is detached from the caller's cancellation, each
// transfer is bounded by the transfer timeout instead. A run that reaches every pledge
// stamps the activity as settled.
func (e *Engine) Settle(ctx context.Context, activity *ledger.Activity) ([]Result, error) {
	ctx, span := e.tracer.Start(context.WithoutCancel(ctx), "settlement.Settle", trace.WithAttributes(
		attribute.String("activity.id", activity.ID),
		attribute.String("activity.owner_ref", activity.OwnerRef),
	))
	defer span.End()

	started := time.Now()
	zapLog := logger.FromContext(ctx).With(zap.String("activity_id", activity.ID), zap.String("owner_ref", activity.OwnerRef))

	pledges, err := e.store.EligiblePledges(ctx, activity.OwnerRef)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load pledges")
		zapLog.Error("failed to load eligible pledges", zap.Error(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("settlement.pledges", len(pledges)))

	results := make([]Result, len(pledges))
	if len(pledges) == 0 {
		zapLog.Info("no eligible pledges for activity")
		e.markSettled(ctx, activity, results)
		return results, nil
	}

	wallet, err := e.store.ActiveWallet(ctx, activity.OwnerRef)
	if err != nil {
		retry := !errors.Is(err, ledger.ErrNotFound)
		if retry {
			zapLog.Error("failed to load beneficiary wallet", zap.Error(err))
		}
		for i, p := range pledges {
			results[i] = transferFailed(p.ID, "", ReasonNoBeneficiary)
			results[i].retry = retry
		}
		e.record(ctx, activity, results, started)
		e.markSettled(ctx, activity, results)
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxParallel)
	for i, p := range pledges {
		g.Go(func() error {
			results[i] = e.settlePledge(gctx, activity, p, wallet.Address)
			return nil
		})
	}
	_ = g.Wait()

	e.record(ctx, activity, results, started)
	e.markSettled(ctx, activity, results)

	summary := Summarize(results)
	zapLog.Info("activity settled",
		zap.Int("attempted", summary.Attempted),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("insufficient_funds", summary.InsufficientFunds),
		zap.Int("failed", summary.Failed),
		zap.Duration("took", time.Since(started)),
	)
	return results, nil
}

// markSettled stamps the activity unless a pledge was never reached, in which case the
// unsettled sweep runs it again.
func (e *Engine) markSettled(ctx context.Context, activity *ledger.Activity, results []Result) {
	for _, r := range results {
		if r.retry {
			return
		}
	}
	if err := e.store.MarkActivitySettled(ctx, activity.ID); err != nil {
		logger.FromContext(ctx).Warn("failed to mark activity settled", zap.String("activity_id", activity.ID), zap.Error(err))
	}
}

func (e *Engine) settlePledge(ctx context.Context, activity *ledger.Activity, pledge *ledger.Pledge, beneficiary string) Result {
	ctx, span := e.tracer.Start(ctx, "settlement.settlePledge", trace.WithAttributes(
		attribute.String("pledge.id", pledge.ID),
	))
	defer span.End()

	zapLog := logger.FromContext(ctx).With(zap.String("activity_id", activity.ID), zap.String("pledge_id", pledge.ID))

	amount := ledger.RoundAmount(pledge.PerUnitRate.Mul(activity.Distance))
	if !amount.IsPositive() {
		return transferFailed(pledge.ID, "", ReasonAmountRoundsToZero)
	}

	payout, err := e.store.Reserve(ctx, pledge.ID, activity.ID, amount)
	if err != nil {
		if fundsErr, ok := ledger.IsInsufficientFunds(err); ok {
			zapLog.Info("insufficient pledge funds", zap.String("shortfall", fundsErr.Shortfall().String()))
			return insufficientFunds(pledge.ID, fundsErr.Shortfall())
		}
		span.RecordError(err)
		switch {
		case errors.Is(err, ledger.ErrPayoutExists):
			return transferFailed(pledge.ID, "", ReasonPayoutRecorded)
		case errors.Is(err, ledger.ErrPledgeInactive):
			return transferFailed(pledge.ID, "", ReasonPledgeInactive)
		}
		zapLog.Error("failed to reserve payout", zap.Error(err))
		r := transferFailed(pledge.ID, "", ReasonReservationFailed+": "+err.Error())
		r.retry = true
		return r
	}
	span.SetAttributes(attribute.String("payout.id", payout.ID))

	txRef, err := e.transfer(ctx, payout, beneficiary)
	if err != nil {
		reason := failureReason(err)
		span.RecordError(err)
		zapLog.Warn("payout transfer failed", zap.String("payout_id", payout.ID), zap.String("reason", reason), zap.Error(err))

		if ferr := e.store.FailPayout(ctx, payout.ID, reason); ferr != nil {
			// still pending, the repair sweep resolves it
			zapLog.Error("failed to release reservation", zap.String("payout_id", payout.ID), zap.Error(ferr))
			return transferFailed(pledge.ID, payout.ID, reason+"; "+ReasonFinalizeFailed+": "+ferr.Error())
		}
		return transferFailed(pledge.ID, payout.ID, reason)
	}

	if err := e.store.CompletePayout(ctx, payout.ID, txRef); err != nil {
		// the payout stays pending and is booked by the repair sweep
		span.RecordError(err)
		zapLog.Error("payout.finalize.deferred", zap.String("payout_id", payout.ID), zap.String("tx_ref", txRef), zap.Error(err))
		return transferFailed(pledge.ID, payout.ID, ReasonFinalizeFailed+": "+err.Error())
	}

	zapLog.Info("payout completed", zap.String("payout_id", payout.ID), zap.String("tx_ref", txRef), zap.String("amount", amount.String()))
	return success(pledge.ID, payout.ID, txRef, amount)
}

func (e *Engine) transfer(ctx context.Context, payout *ledger.Payout, to string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.transferTimeout)
	defer cancel()

	type reply struct {
		txRef string
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		txRef, err := e.adapter.Transfer(ctx, custody.TransferRequest{
			Reference: payout.ID,
			To:        to,
			Amount:    payout.Amount,
		})
		done <- reply{txRef: txRef, err: err}
	}()

	select {
	case r := <-done:
		return r.txRef, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func failureReason(err error) string {
	var transferErr *custody.TransferError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, custody.ErrInsufficientCustodyBalance):
		return ReasonCustodyInsufficient
	case errors.As(err, &transferErr):
		return transferErr.Reason
	default:
		return err.Error()
	}
}

func (e *Engine) record(ctx context.Context, activity *ledger.Activity, results []Result, started time.Time) {
	e.duration.Record(ctx, time.Since(started).Seconds())
	for _, r := range results {
		e.payouts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(r.Outcome))))
	}
	e.publish(ctx, activity.ID, activity.OwnerRef, results)
}

func (e *Engine) publish(ctx context.Context, activityID, ownerRef string, results []Result) {
	events := make([]kafka.Event, 0, len(results))
	for _, r := range results {
		events = append(events, kafka.Event{
			Type: EventPayoutSettled,
			Key:  r.PledgeID,
			Data: map[string]any{
				"activityId": activityID,
				"ownerRef":   ownerRef,
				"result":     r,
			},
		})
	}

	if err := e.publisher.Publish(ctx, events...); err != nil {
		logger.FromContext(ctx).Warn("failed to publish settlement events", zap.String("activity_id", activityID), zap.Error(err))
	}
}

// RepairSummary counts the outcome of one RepairTimedOutPayouts sweep.
type RepairSummary struct {
	Checked     int `json:"checked"`
	Repaired    int `json:"repaired"`
	Released    int `json:"released"`
	NeedsReview int `json:"needsReview"`
	Errors      int `json:"errors"`
}

// RepairTimedOutPayouts books transfers whose outcome was unknown when their payout was
// finalized. Failed payouts with an ambiguous reason are rebooked once the custody adapter
// reports the transfer. Payouts left pending past the recovery window are completed when
// the transfer landed and failed as timed out otherwise. The payout id is the transfer
// reference, so a transfer is booked at most once.
func (e *Engine) RepairTimedOutPayouts(ctx context.Context) (RepairSummary, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.RepairTimedOutPayouts")
	defer span.End()

	zapLog := logger.FromContext(ctx)
	now := ledger.Now()

	failed, err := e.store.FailedPayouts(ctx, unknownOutcomes, now.Add(-e.repairLookback), repairBatchSize)
	if err != nil {
		zapLog.Error("failed to list unresolved payouts", zap.Error(err))
		return RepairSummary{}, err
	}

	var summary RepairSummary
	for _, p := range failed {
		summary.Checked++

		txRef, found, err := e.adapter.LookupTransfer(ctx, p.ID)
		if err != nil {
			summary.Errors++
			zapLog.Warn("transfer lookup failed", zap.String("payout_id", p.ID), zap.Error(err))
			continue
		}
		if !found {
			continue
		}

		if err := e.store.RebookPayout(ctx, p.ID, txRef); err != nil {
			if _, ok := ledger.IsInsufficientFunds(err); ok {
				summary.NeedsReview++
				zapLog.Error("payout.repair.needs_review", zap.String("payout_id", p.ID), zap.String("pledge_id", p.PledgeID), zap.String("tx_ref", txRef), zap.Error(err))
				continue
			}
			summary.Errors++
			zapLog.Warn("failed to rebook payout", zap.String("payout_id", p.ID), zap.Error(err))
			continue
		}

		summary.Repaired++
		zapLog.Info("late transfer booked", zap.String("payout_id", p.ID), zap.String("tx_ref", txRef))
		e.publish(ctx, p.ActivityID, "", []Result{success(p.PledgeID, p.ID, txRef, p.Amount)})
	}

	stale, err := e.store.StalePendingPayouts(ctx, now.Add(-e.recoverAfter), repairBatchSize)
	if err != nil {
		zapLog.Error("failed to list stale pending payouts", zap.Error(err))
		return summary, err
	}

	for _, p := range stale {
		summary.Checked++

		txRef, found, err := e.adapter.LookupTransfer(ctx, p.ID)
		if err != nil {
			summary.Errors++
			zapLog.Warn("transfer lookup failed", zap.String("payout_id", p.ID), zap.Error(err))
			continue
		}

		if !found {
			if err := e.store.FailPayout(ctx, p.ID, ReasonTimeout); err != nil {
				if !errors.Is(err, ledger.ErrPayoutNotPending) {
					summary.Errors++
					zapLog.Warn("failed to release stale payout", zap.String("payout_id", p.ID), zap.Error(err))
				}
				continue
			}
			summary.Released++
			zapLog.Warn("stale payout released", zap.String("payout_id", p.ID), zap.String("pledge_id", p.PledgeID))
			continue
		}

		if err := e.store.CompletePayout(ctx, p.ID, txRef); err != nil {
			if !errors.Is(err, ledger.ErrPayoutNotPending) {
				summary.Errors++
				zapLog.Warn("failed to book stale payout", zap.String("payout_id", p.ID), zap.Error(err))
			}
			continue
		}

		summary.Repaired++
		zapLog.Info("stale payout booked", zap.String("payout_id", p.ID), zap.String("tx_ref", txRef))
		e.publish(ctx, p.ActivityID, "", []Result{success(p.PledgeID, p.ID, txRef, p.Amount)})
	}

	return summary, nil
}

// ResettleSummary counts the outcome of one SettleUnsettled sweep.
type ResettleSummary struct {
	Checked int `json:"checked"`
	Settled int `json:"settled"`
	Errors  int `json:"errors"`
}

// SettleUnsettled runs settlement again for activities whose first run never reached
// their pledges. Pledges already paid for an activity are refused by the payout
// uniqueness constraint, so a rerun only books what is missing.
func (e *Engine) SettleUnsettled(ctx context.Context) (ResettleSummary, error) {
	ctx, span := e.tracer.Start(ctx, "settlement.SettleUnsettled")
	defer span.End()

	zapLog := logger.FromContext(ctx)

	activities, err := e.store.UnsettledActivities(ctx, ledger.Now().Add(-e.recoverAfter), repairBatchSize)
	if err != nil {
		zapLog.Error("failed to list unsettled activities", zap.Error(err))
		return ResettleSummary{}, err
	}

	var summary ResettleSummary
	for _, a := range activities {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		summary.Checked++

		if _, err := e.Settle(ctx, a); err != nil {
			summary.Errors++
			continue
		}
		summary.Settled++
	}

	if summary.Checked > 0 {
		zapLog.Info("unsettled activities swept",
			zap.Int("checked", summary.Checked),
			zap.Int("settled", summary.Settled),
			zap.Int("errors", summary.Errors),
		)
	}
	return summary, nil
}

// VerifyPayoutChain recomputes the payout hash chain of a pledge.
func (e *Engine) VerifyPayoutChain(ctx context.Context, pledgeID string) (bool, error) {
	if _, err := e.store.GetPledge(ctx, pledgeID); err != nil {
		return false, err
	}
	return e.store.VerifyPayoutChain(ctx, pledgeID)
}
