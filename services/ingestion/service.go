package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pledgerun/pkg/celengine"
	"pledgerun/pkg/config"
	"pledgerun/pkg/errutil"
	"pledgerun/pkg/featureflags"
	"pledgerun/pkg/rediskey"
	"pledgerun/services/ledger"
	"pledgerun/services/settlement"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var ErrActivityAlreadyRecorded = errors.New("activity already recorded")

// Settler pays out a freshly recorded activity.
type Settler interface {
	Settle(ctx context.Context, activity *ledger.Activity) ([]settlement.Result, error)
}

type RecordActivityCommand struct {
	OwnerRef     string
	Distance     decimal.Decimal
	Source       string
	ExternalID   string
	ActivityDate time.Time
	RawPayload   []byte
}

type Service struct {
	store     *ledger.Store
	settler   Settler
	guard     Guard
	flags     featureflags.FeatureFlag
	policy    *celengine.Program
	dedupeTTL time.Duration
}

type Params struct {
	fx.In

	Config  *config.Config
	Store   *ledger.Store
	Settler Settler
	Guard   Guard
	Flags   featureflags.FeatureFlag `optional:"true"`
}

// policySample fixes the attribute types the acceptance policy is compiled against.
var policySample = map[string]any{
	"distance":  0.0,
	"source":    "",
	"owner_ref": "",
}

func NewService(p Params) (*Service, error) {
	s := &Service{
		store:     p.Store,
		settler:   p.Settler,
		guard:     p.Guard,
		flags:     p.Flags,
		dedupeTTL: p.Config.Ingestion.DedupeTTL,
	}
	if s.guard == nil {
		s.guard = NopGuard{}
	}
	if s.flags == nil {
		s.flags = featureflags.Static{}
	}
	if s.dedupeTTL <= 0 {
		s.dedupeTTL = 10 * time.Minute
	}

	if expr := strings.TrimSpace(p.Config.Ingestion.Policy); expr != "" {
		prg, err := celengine.Compile(expr, policySample)
		if err != nil {
			return nil, fmt.Errorf("INGESTION.POLICY: %w", err)
		}
		s.policy = prg
	}

	return s, nil
}

// RecordActivity stores a new activity and settles it once. A replay returns the stored
// activity together with a conflict error wrapping ErrActivityAlreadyRecorded.
func (s *Service) RecordActivity(ctx context.Context, cmd RecordActivityCommand) (*ledger.Activity, []settlement.Result, error) {
	zapLog := zap.L().With(
		zap.String("owner_ref", cmd.OwnerRef),
		zap.String("source", cmd.Source),
		zap.String("external_activity_id", cmd.ExternalID),
	)

	if err := validate(cmd); err != nil {
		return nil, nil, err
	}
	if err := s.accept(ctx, cmd); err != nil {
		return nil, nil, err
	}

	key := rediskey.BuildActivityDedupeKey(cmd.Source, cmd.ExternalID)
	acquired, err := s.guard.Acquire(ctx, key, s.dedupeTTL)
	if err != nil {
		zapLog.Warn("dedupe guard unavailable, relying on the database", zap.Error(err))
		acquired = true
	}
	if !acquired {
		existing, err := s.store.FindActivity(ctx, cmd.Source, cmd.ExternalID)
		if err != nil && !errors.Is(err, ledger.ErrNotFound) {
			return nil, nil, err
		}
		zapLog.Info("activity.replay.guarded")
		return existing, nil, duplicate(existing)
	}

	activityDate := cmd.ActivityDate
	if activityDate.IsZero() {
		activityDate = ledger.Now()
	}

	activity := &ledger.Activity{
		OwnerRef:           cmd.OwnerRef,
		Distance:           cmd.Distance,
		Source:             cmd.Source,
		ExternalActivityID: cmd.ExternalID,
		ActivityDate:       activityDate.UTC(),
	}
	if len(cmd.RawPayload) > 0 {
		activity.RawPayload = datatypes.JSON(cmd.RawPayload)
	}

	stored, created, err := s.store.RecordActivity(ctx, activity)
	if err != nil {
		if rerr := s.guard.Release(context.WithoutCancel(ctx), key); rerr != nil {
			zapLog.Warn("failed to release dedupe guard", zap.Error(rerr))
		}
		zapLog.Error("failed to record activity", zap.Error(err))
		return nil, nil, err
	}
	if !created {
		zapLog.Info("activity.duplicate", zap.String("activity_id", stored.ID))
		return stored, nil, duplicate(stored)
	}

	zapLog.Info("activity.recorded", zap.String("activity_id", stored.ID), zap.String("distance", stored.Distance.String()))

	results, err := s.settler.Settle(ctx, stored)
	if err != nil {
		// stays unsettled, settlement.SettleUnsettled picks it up
		zapLog.Error("settlement failed", zap.String("activity_id", stored.ID), zap.Error(err))
		return stored, nil, err
	}

	return stored, results, nil
}

func validate(cmd RecordActivityCommand) error {
	var details []errutil.Detail
	if strings.TrimSpace(cmd.OwnerRef) == "" {
		details = append(details, errutil.Detail{Field: "ownerRef", Message: "is required"})
	}
	if strings.TrimSpace(cmd.Source) == "" {
		details = append(details, errutil.Detail{Field: "source", Message: "is required"})
	}
	if strings.TrimSpace(cmd.ExternalID) == "" {
		details = append(details, errutil.Detail{Field: "externalActivityId", Message: "is required"})
	}
	if !cmd.Distance.IsPositive() {
		details = append(details, errutil.Detail{Field: "distance", Message: "must be greater than zero"})
	}
	if len(details) > 0 {
		return errutil.ValidationFailed("invalid activity", nil, errutil.WithDetails(details...))
	}
	return nil
}

func (s *Service) accept(ctx context.Context, cmd RecordActivityCommand) error {
	if s.policy == nil || !s.flags.IsEnabled(ctx, cmd.OwnerRef, featureflags.ActivityPolicy, true) {
		return nil
	}

	ok, err := s.policy.Evaluate(map[string]any{
		"distance":  cmd.Distance.InexactFloat64(),
		"source":    cmd.Source,
		"owner_ref": cmd.OwnerRef,
	})
	if err != nil {
		return errutil.Internal("failed to evaluate activity policy", err)
	}
	if !ok {
		return errutil.ValidationFailed("activity rejected by acceptance policy", nil,
			errutil.WithDetails(errutil.Detail{Field: "policy", Message: s.policy.String()}))
	}
	return nil
}

func duplicate(existing *ledger.Activity) error {
	if existing == nil {
		return errutil.Conflict("activity is already being processed", ErrActivityAlreadyRecorded)
	}
	return errutil.Conflict("activity already recorded", ErrActivityAlreadyRecorded,
		errutil.WithDetails(errutil.Detail{Field: "activityId", Message: existing.ID}))
}
