package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pledgerun/pkg/db/option"
	"pledgerun/pkg/logger"
	"pledgerun/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store owns the persistent ledger state. Every balance movement goes through a
// conditional UPDATE so the check and the debit are one statement.
type Store struct {
	db   *gorm.DB
	node *snowflake.Node

	campaigns  repository.Repository[Campaign]
	pledges    repository.Repository[Pledge]
	escrows    repository.Repository[EscrowTransaction]
	activities repository.Repository[Activity]
	payouts    repository.Repository[Payout]
	wallets    repository.Repository[Wallet]
	athletes   repository.Repository[AthleteLink]
}

type StoreParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewStore(p StoreParams) *Store {
	return &Store{
		db:   p.DB,
		node: p.Node,

		campaigns:  repository.ProvideStore[Campaign](p.DB),
		pledges:    repository.ProvideStore[Pledge](p.DB),
		escrows:    repository.ProvideStore[EscrowTransaction](p.DB),
		activities: repository.ProvideStore[Activity](p.DB),
		payouts:    repository.ProvideStore[Payout](p.DB),
		wallets:    repository.ProvideStore[Wallet](p.DB),
		athletes:   repository.ProvideStore[AthleteLink](p.DB),
	}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) NewID() string {
	return s.node.Generate().String()
}

// Migrate creates or updates every ledger table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(Models()...)
}

func (s *Store) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	c, err := s.campaigns.FindOne(ctx, &Campaign{ID: id})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("campaign %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (s *Store) GetPledge(ctx context.Context, id string) (*Pledge, error) {
	p, err := s.pledges.FindOne(ctx, &Pledge{ID: id})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pledge %s: %w", id, ErrNotFound)
	}
	return p, nil
}

func (s *Store) GetPayout(ctx context.Context, id string) (*Payout, error) {
	p, err := s.payouts.FindOne(ctx, &Payout{ID: id})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("payout %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// RecordActivity inserts the activity unless one with the same (source, external id)
// exists. created is false for duplicates, in which case the stored row is returned.
func (s *Store) RecordActivity(ctx context.Context, a *Activity) (stored *Activity, created bool, err error) {
	if a.ID == "" {
		a.ID = s.NewID()
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}, {Name: "external_activity_id"}},
			DoNothing: true,
		}).
		Create(a)
	if res.Error != nil && !errors.Is(res.Error, gorm.ErrDuplicatedKey) {
		return nil, false, res.Error
	}
	if res.Error == nil && res.RowsAffected == 1 {
		return a, true, nil
	}

	existing, err := s.FindActivity(ctx, a.Source, a.ExternalActivityID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) FindActivity(ctx context.Context, source, externalID string) (*Activity, error) {
	a, err := s.activities.FindOne(ctx, &Activity{Source: source, ExternalActivityID: externalID})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("activity %s/%s: %w", source, externalID, ErrNotFound)
	}
	return a, nil
}

// MarkActivitySettled stamps the activity as settled. Already settled activities keep
// their first stamp.
func (s *Store) MarkActivitySettled(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Activity{}).
		Where("id = ? AND settled_at IS NULL", id).
		Update("settled_at", Now()).Error
}

// UnsettledActivities lists activities recorded before the given time that never
// completed a settlement run, oldest first.
func (s *Store) UnsettledActivities(ctx context.Context, before time.Time, limit int) ([]*Activity, error) {
	var activities []*Activity
	err := s.db.WithContext(ctx).
		Where("settled_at IS NULL AND created_at < ?", before).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&activities).Error
	if err != nil {
		return nil, err
	}
	return activities, nil
}

// EligiblePledges returns the active, escrow confirmed pledges on the owner's campaigns
// in creation order.
func (s *Store) EligiblePledges(ctx context.Context, ownerRef string) ([]*Pledge, error) {
	var pledges []*Pledge
	err := s.db.WithContext(ctx).
		Model(&Pledge{}).
		Joins("JOIN campaigns ON campaigns.id = pledges.campaign_id").
		Where("campaigns.owner_ref = ? AND pledges.status = ? AND pledges.escrow_confirmed = ?", ownerRef, PledgeActive, true).
		Order("pledges.created_at ASC").
		Order("pledges.id ASC").
		Find(&pledges).Error
	if err != nil {
		return nil, err
	}
	return pledges, nil
}

// ActiveWallet returns the owner's active payout wallet, most recent first.
func (s *Store) ActiveWallet(ctx context.Context, ownerRef string) (*Wallet, error) {
	w, err := s.wallets.FindOne(ctx, &Wallet{OwnerRef: ownerRef, Status: WalletActive},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
	)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("wallet for %s: %w", ownerRef, ErrNotFound)
	}
	return w, nil
}

// SetActiveWallet deactivates the owner's current wallets and stores address as active.
func (s *Store) SetActiveWallet(ctx context.Context, ownerRef, address, provider string) (*Wallet, error) {
	w := &Wallet{
		ID:       s.NewID(),
		OwnerRef: ownerRef,
		Address:  address,
		Provider: provider,
		Status:   WalletActive,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Wallet{}).
			Where("owner_ref = ? AND status = ?", ownerRef, WalletActive).
			Update("status", WalletInactive).Error; err != nil {
			return err
		}
		return s.wallets.WithTrx(tx).Create(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// AthleteLink resolves a provider athlete to its owner.
func (s *Store) AthleteLink(ctx context.Context, source, athleteID string) (*AthleteLink, error) {
	link, err := s.athletes.FindOne(ctx, &AthleteLink{Source: source, AthleteID: athleteID})
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("athlete %s/%s: %w", source, athleteID, ErrNotFound)
	}
	return link, nil
}

func (s *Store) lastPayout(ctx context.Context, tx *gorm.DB, pledgeID string) (*Payout, error) {
	return s.payouts.WithTrx(tx).FindOne(ctx, &Payout{PledgeID: pledgeID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "desc", Allow: map[string]bool{"created_at": true}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
	)
}

func reserve(tx *gorm.DB, pledgeID string, amount decimal.Decimal) (int64, error) {
	res := tx.Model(&Pledge{}).
		Where("id = ? AND status = ? AND escrow_confirmed = ?", pledgeID, PledgeActive, true).
		Where("amount_remaining >= amount_reserved + ?", amount).
		Updates(map[string]any{
			"amount_reserved": gorm.Expr("amount_reserved + ?", amount),
			"updated_at":      Now(),
		})
	return res.RowsAffected, res.Error
}

// book moves amount from remaining to paid out. When reserved is set the amount is
// also released from the pledge's reservations.
func book(tx *gorm.DB, pledgeID string, amount decimal.Decimal, reserved bool) (int64, error) {
	updates := map[string]any{
		"amount_remaining": gorm.Expr("amount_remaining - ?", amount),
		"amount_paid_out":  gorm.Expr("amount_paid_out + ?", amount),
		"updated_at":       Now(),
	}

	q := tx.Model(&Pledge{}).Where("id = ?", pledgeID)
	if reserved {
		q = q.Where("amount_reserved >= ? AND amount_remaining >= ?", amount, amount)
		updates["amount_reserved"] = gorm.Expr("amount_reserved - ?", amount)
	} else {
		q = q.Where("amount_remaining >= amount_reserved + ?", amount)
	}

	res := q.Updates(updates)
	return res.RowsAffected, res.Error
}

func (s *Store) refusal(ctx context.Context, tx *gorm.DB, pledgeID string, amount decimal.Decimal) error {
	p, err := s.pledges.WithTrx(tx).FindOne(ctx, &Pledge{ID: pledgeID})
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("pledge %s: %w", pledgeID, ErrNotFound)
	}
	if available := p.Available(); available.LessThan(amount) {
		return &InsufficientFundsError{PledgeID: pledgeID, Requested: amount, Remaining: available}
	}
	return fmt.Errorf("pledge %s status %s: %w", pledgeID, p.Status, ErrPledgeInactive)
}

// Reserve holds amount against the pledge and records a pending payout in one transaction.
// Balances only move when the payout completes. It fails with InsufficientFundsError when
// the unreserved balance cannot cover amount, and with ErrPayoutExists when the pair
// (pledge, activity) was already booked.
func (s *Store) Reserve(ctx context.Context, pledgeID, activityID string, amount decimal.Decimal) (*Payout, error) {
	amount = RoundAmount(amount)
	zapLog := logger.FromContext(ctx).With(zap.String("pledge_id", pledgeID), zap.String("activity_id", activityID))

	var payout *Payout
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := reserve(tx, pledgeID, amount)
		if err != nil {
			return err
		}
		if rows == 0 {
			return s.refusal(ctx, tx, pledgeID, amount)
		}

		last, err := s.lastPayout(ctx, tx, pledgeID)
		if err != nil {
			return err
		}
		previousHash := GenesisHash
		if last != nil {
			previousHash = last.Hash
		}

		now := Now()
		p := &Payout{
			ID:           s.NewID(),
			PledgeID:     pledgeID,
			ActivityID:   activityID,
			Amount:       amount,
			Status:       PayoutPending,
			PreviousHash: previousHash,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		p.Hash = p.GenerateHash()

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pledge_id"}, {Name: "activity_id"}},
			DoNothing: true,
		}).Create(p)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return ErrPayoutExists
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrPayoutExists
		}

		payout = p
		return nil
	})
	if err != nil {
		zapLog.Debug("reservation refused", zap.Error(err))
		return nil, err
	}

	zapLog.Info("payout reserved", zap.String("payout_id", payout.ID), zap.String("amount", payout.Amount.String()))
	return payout, nil
}

func (s *Store) transition(ctx context.Context, tx *gorm.DB, payoutID string, from PayoutStatus, updates map[string]any) (*Payout, error) {
	p, err := s.payouts.WithTrx(tx).FindOne(ctx, &Payout{ID: payoutID})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("payout %s: %w", payoutID, ErrNotFound)
	}

	updates["updated_at"] = Now()
	res := tx.Model(&Payout{}).Where("id = ? AND status = ?", payoutID, from).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("payout %s: %w", payoutID, ErrPayoutNotPending)
	}
	return p, nil
}

// CompletePayout marks a pending payout completed with the custody tx reference and
// books its amount from remaining to paid out.
func (s *Store) CompletePayout(ctx context.Context, payoutID, txRef string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.transition(ctx, tx, payoutID, PayoutPending, map[string]any{
			"status":       PayoutCompleted,
			"tx_reference": txRef,
		})
		if err != nil {
			return err
		}

		rows, err := book(tx, p.PledgeID, p.Amount, true)
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("book payout %s: pledge %s holds less than the reservation", payoutID, p.PledgeID)
		}
		return nil
	})
}

// FailPayout marks a pending payout failed and drops its reservation. Remaining and
// paid out are left untouched.
func (s *Store) FailPayout(ctx context.Context, payoutID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.transition(ctx, tx, payoutID, PayoutPending, map[string]any{
			"status":         PayoutFailed,
			"failure_reason": truncate(reason, 255),
		})
		if err != nil {
			return err
		}

		res := tx.Model(&Pledge{}).
			Where("id = ? AND amount_reserved >= ?", p.PledgeID, p.Amount).
			Updates(map[string]any{
				"amount_reserved": gorm.Expr("amount_reserved - ?", p.Amount),
				"updated_at":      Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("release payout %s: pledge %s reserved below the payout amount", payoutID, p.PledgeID)
		}
		return nil
	})
}

// RebookPayout books a failed payout whose transfer later turned out to have landed.
// The debit is conditional on the unreserved balance, the pledge status is not checked
// since the funds already left custody.
func (s *Store) RebookPayout(ctx context.Context, payoutID, txRef string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.transition(ctx, tx, payoutID, PayoutFailed, map[string]any{
			"status":         PayoutCompleted,
			"tx_reference":   txRef,
			"failure_reason": "",
		})
		if err != nil {
			return err
		}

		rows, err := book(tx, p.PledgeID, p.Amount, false)
		if err != nil {
			return err
		}
		if rows == 0 {
			return s.refusal(ctx, tx, p.PledgeID, p.Amount)
		}
		return nil
	})
}

// FailedPayouts lists failed payouts created since the given time whose failure reason
// is one of reasons, oldest first.
func (s *Store) FailedPayouts(ctx context.Context, reasons []string, since time.Time, limit int) ([]*Payout, error) {
	return s.payouts.Find(ctx, &Payout{Status: PayoutFailed},
		option.ApplyOperator(option.Condition{Field: "failure_reason", Operator: option.IN, Value: reasons}),
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.GTE, Value: since}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
		option.WithLimit(limit),
	)
}

// StalePendingPayouts lists payouts still pending that were reserved before the given
// time, oldest first.
func (s *Store) StalePendingPayouts(ctx context.Context, before time.Time, limit int) ([]*Payout, error) {
	return s.payouts.Find(ctx, &Payout{Status: PayoutPending},
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: before}),
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
		option.WithLimit(limit),
	)
}

// PledgePayouts lists a pledge's payouts in booking order.
func (s *Store) PledgePayouts(ctx context.Context, pledgeID string) ([]*Payout, error) {
	return s.payouts.Find(ctx, &Payout{PledgeID: pledgeID},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "asc", Allow: map[string]bool{"id": true}}),
	)
}

// VerifyPayoutChain recomputes the hash chain of a pledge's payouts.
func (s *Store) VerifyPayoutChain(ctx context.Context, pledgeID string) (bool, error) {
	payouts, err := s.PledgePayouts(ctx, pledgeID)
	if err != nil {
		logger.FromContext(ctx).Error("failed to query payouts", zap.String("pledge_id", pledgeID), zap.Error(err))
		return false, err
	}

	lastHash := GenesisHash
	for _, p := range payouts {
		if p.PreviousHash != lastHash || p.Hash != p.GenerateHash() {
			logger.FromContext(ctx).Warn("payout chain broken", zap.String("pledge_id", pledgeID), zap.String("payout_id", p.ID))
			return false, nil
		}
		lastHash = p.Hash
	}
	return true, nil
}

// RecordEscrow stores a pending incoming transfer for a pledge awaiting funding and
// remembers the tx reference on the pledge.
func (s *Store) RecordEscrow(ctx context.Context, e *EscrowTransaction) error {
	if e.ID == "" {
		e.ID = s.NewID()
	}
	e.Status = EscrowPending

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.pledges.WithTrx(tx).FindOne(ctx, &Pledge{ID: e.PledgeID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("pledge %s: %w", e.PledgeID, ErrNotFound)
		}
		if p.Status != PledgePending || p.EscrowConfirmed {
			return fmt.Errorf("pledge %s status %s: %w", p.ID, p.Status, ErrPledgeNotPending)
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_reference"}},
			DoNothing: true,
		}).Create(e)
		if res.Error != nil {
			if errors.Is(res.Error, gorm.ErrDuplicatedKey) {
				return ErrEscrowExists
			}
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrEscrowExists
		}

		return tx.Model(&Pledge{}).Where("id = ?", p.ID).Updates(map[string]any{
			"escrow_tx_hash": e.TxReference,
			"updated_at":     Now(),
		}).Error
	})
}

// PendingEscrow lists pending escrow transactions, optionally for one pledge.
func (s *Store) PendingEscrow(ctx context.Context, pledgeID string) ([]*EscrowTransaction, error) {
	return s.escrows.Find(ctx, &EscrowTransaction{PledgeID: pledgeID, Status: EscrowPending},
		option.WithSortBy(option.QuerySortBy{SortBy: "created_at", OrderBy: "asc", Allow: map[string]bool{"created_at": true}}),
	)
}

// ConfirmEscrow moves a pending escrow transaction to confirmed and activates its pledge.
// confirmed is false when another reconciler got there first. activated is false when the
// pledge was no longer awaiting funding.
func (s *Store) ConfirmEscrow(ctx context.Context, escrowID string, blockNumber *int64) (confirmed, activated bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&EscrowTransaction{}).
			Where("id = ? AND status = ?", escrowID, EscrowPending).
			Updates(map[string]any{
				"status":       EscrowConfirmed,
				"block_number": blockNumber,
				"updated_at":   Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		confirmed = true

		e, err := s.escrows.WithTrx(tx).FindOne(ctx, &EscrowTransaction{ID: escrowID})
		if err != nil {
			return err
		}
		p, err := s.pledges.WithTrx(tx).FindOne(ctx, &Pledge{ID: e.PledgeID})
		if err != nil {
			return err
		}
		if p == nil || p.Status != PledgePending || p.EscrowConfirmed {
			return nil
		}

		var active int64
		q := tx.Model(&Pledge{}).Where("campaign_id = ? AND status = ? AND id <> ?", p.CampaignID, PledgeActive, p.ID)
		if p.BackerUserRef != nil {
			q = q.Where("backer_user_ref = ?", *p.BackerUserRef)
		} else {
			q = q.Where("backer_wallet_address = ?", *p.BackerWalletAddress)
		}
		if err := q.Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return fmt.Errorf("activate pledge %s: %w", p.ID, ErrDuplicateActivePledge)
		}

		res = tx.Model(&Pledge{}).
			Where("id = ? AND status = ? AND escrow_confirmed = ?", p.ID, PledgePending, false).
			Updates(map[string]any{
				"status":           PledgeActive,
				"escrow_confirmed": true,
				"updated_at":       Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		activated = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return confirmed, activated, nil
}

// FailEscrow moves a pending escrow transaction to failed. failed is false when it was
// no longer pending.
func (s *Store) FailEscrow(ctx context.Context, escrowID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&EscrowTransaction{}).
		Where("id = ? AND status = ?", escrowID, EscrowPending).
		Updates(map[string]any{"status": EscrowFailed, "updated_at": Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompleteExhaustedPledges moves active pledges with nothing left and no payout in
// flight to completed.
func (s *Store) CompleteExhaustedPledges(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Model(&Pledge{}).
		Where("status = ? AND amount_remaining <= ? AND amount_reserved <= ?", PledgeActive, decimal.Zero, decimal.Zero).
		Updates(map[string]any{"status": PledgeCompleted, "updated_at": Now()})
	return res.RowsAffected, res.Error
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
