package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type CampaignStatus string
type PledgeStatus string
type EscrowStatus string
type PayoutStatus string
type WalletStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignCompleted CampaignStatus = "completed"
	CampaignExpired   CampaignStatus = "expired"

	PledgePending   PledgeStatus = "pending"
	PledgeActive    PledgeStatus = "active"
	PledgeCompleted PledgeStatus = "completed"
	PledgeExpired   PledgeStatus = "expired"

	EscrowPending   EscrowStatus = "pending"
	EscrowConfirmed EscrowStatus = "confirmed"
	EscrowFailed    EscrowStatus = "failed"

	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"

	WalletActive   WalletStatus = "active"
	WalletInactive WalletStatus = "inactive"
)

// GenesisHash is the previous_hash of the first payout of a pledge.
const GenesisHash = "GENESIS"

// AmountScale is the number of fractional digits kept for money and distance.
const AmountScale = 8

type Campaign struct {
	ID           string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OwnerRef     string          `gorm:"column:owner_ref;index;not null" json:"ownerRef"`
	Code         string          `gorm:"column:code;type:varchar(32)" json:"code"`
	Slug         string          `gorm:"column:slug;uniqueIndex;type:varchar(160)" json:"shareableLink"`
	Title        string          `gorm:"column:title;type:varchar(255);not null" json:"title"`
	Description  string          `gorm:"column:description;type:text" json:"description"`
	TargetAmount decimal.Decimal `gorm:"column:target_amount;type:numeric(20,8);not null" json:"targetAmount"`
	Deadline     time.Time       `gorm:"column:deadline;not null" json:"deadline"`
	Status       CampaignStatus  `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	CreatedAt    time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt    time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// AcceptsPledges reports whether a new pledge may be attached at now.
func (c *Campaign) AcceptsPledges(now time.Time) bool {
	return c.Status == CampaignActive && now.Before(c.Deadline)
}

type Pledge struct {
	ID                  string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	CampaignID          string          `gorm:"column:campaign_id;index;not null" json:"campaignId"`
	BackerUserRef       *string         `gorm:"column:backer_user_ref;index" json:"backerUserRef,omitempty"`
	BackerWalletAddress *string         `gorm:"column:backer_wallet_address;type:varchar(64);index" json:"backerWalletAddress,omitempty"`
	PerUnitRate         decimal.Decimal `gorm:"column:per_unit_rate;type:numeric(20,8);not null" json:"perUnitRate"`
	TotalAmountPledged  decimal.Decimal `gorm:"column:total_amount_pledged;type:numeric(20,8);not null" json:"totalAmountPledged"`
	AmountRemaining     decimal.Decimal `gorm:"column:amount_remaining;type:numeric(20,8);not null" json:"amountRemaining"`
	AmountPaidOut       decimal.Decimal `gorm:"column:amount_paid_out;type:numeric(20,8);not null" json:"amountPaidOut"`
	AmountReserved      decimal.Decimal `gorm:"column:amount_reserved;type:numeric(20,8);not null;default:0" json:"amountReserved"`
	Status              PledgeStatus    `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	EscrowConfirmed     bool            `gorm:"column:escrow_confirmed;not null;default:false" json:"escrowConfirmed"`
	EscrowTxHash        *string         `gorm:"column:escrow_tx_hash;type:varchar(128)" json:"escrowTxHash,omitempty"`
	CreatedAt           time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// Backer returns the backer identity, user reference first.
func (p *Pledge) Backer() string {
	if p.BackerUserRef != nil && *p.BackerUserRef != "" {
		return *p.BackerUserRef
	}
	if p.BackerWalletAddress != nil {
		return *p.BackerWalletAddress
	}
	return ""
}

// Balanced reports whether remaining + paid out equals the pledged total.
func (p *Pledge) Balanced() bool {
	return p.AmountRemaining.Add(p.AmountPaidOut).Equal(p.TotalAmountPledged)
}

// Available is the part of the remaining balance not held by pending payouts.
func (p *Pledge) Available() decimal.Decimal {
	return p.AmountRemaining.Sub(p.AmountReserved)
}

type EscrowTransaction struct {
	ID             string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	PledgeID       string          `gorm:"column:pledge_id;index;not null" json:"pledgeId"`
	FromAddress    string          `gorm:"column:from_address;type:varchar(64);not null" json:"fromAddress"`
	CustodyAddress string          `gorm:"column:custody_address;type:varchar(64);not null" json:"custodyAddress"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(20,8);not null" json:"amount"`
	TxReference    string          `gorm:"column:tx_reference;uniqueIndex;type:varchar(128);not null" json:"txReference"`
	Status         EscrowStatus    `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	BlockNumber    *int64          `gorm:"column:block_number" json:"blockNumber,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

type Activity struct {
	ID                 string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OwnerRef           string          `gorm:"column:owner_ref;index;not null" json:"ownerRef"`
	Distance           decimal.Decimal `gorm:"column:distance;type:numeric(20,8);not null" json:"distance"`
	Source             string          `gorm:"column:source;type:varchar(32);not null;uniqueIndex:idx_activity_source_external" json:"source"`
	ExternalActivityID string          `gorm:"column:external_activity_id;type:varchar(128);not null;uniqueIndex:idx_activity_source_external" json:"externalActivityId"`
	ActivityDate       time.Time       `gorm:"column:activity_date;not null" json:"activityDate"`
	RawPayload         datatypes.JSON  `gorm:"column:raw_payload" json:"-"`
	SettledAt          *time.Time      `gorm:"column:settled_at;index" json:"settledAt,omitempty"`
	CreatedAt          time.Time       `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
}

type Payout struct {
	ID            string          `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	PledgeID      string          `gorm:"column:pledge_id;not null;uniqueIndex:idx_payout_pledge_activity" json:"pledgeId"`
	ActivityID    string          `gorm:"column:activity_id;not null;uniqueIndex:idx_payout_pledge_activity" json:"activityId"`
	Amount        decimal.Decimal `gorm:"column:amount;type:numeric(20,8);not null" json:"amount"`
	Status        PayoutStatus    `gorm:"column:status;type:varchar(20);index;not null" json:"status"`
	TxReference   *string         `gorm:"column:tx_reference;type:varchar(128)" json:"txReference,omitempty"`
	FailureReason string          `gorm:"column:failure_reason;type:varchar(255)" json:"failureReason,omitempty"`
	PreviousHash  string          `gorm:"column:previous_hash;type:varchar(64)" json:"previousHash"`
	Hash          string          `gorm:"column:hash;type:varchar(64)" json:"hash"`
	CreatedAt     time.Time       `gorm:"column:created_at" json:"createdAt"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// HashFields are the immutable booking fields covered by the payout hash chain.
// Status and tx reference move after creation and are audited by updated_at instead.
func (p *Payout) HashFields() map[string]string {
	return map[string]string{
		"id":            p.ID,
		"pledge_id":     p.PledgeID,
		"activity_id":   p.ActivityID,
		"amount":        p.Amount.StringFixed(AmountScale),
		"created_at":    p.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": p.PreviousHash,
	}
}

func (p *Payout) GenerateHash() string {
	fields := p.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

type Wallet struct {
	ID        string       `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	OwnerRef  string       `gorm:"column:owner_ref;index;not null" json:"ownerRef"`
	Address   string       `gorm:"column:address;type:varchar(64);not null" json:"address"`
	Provider  string       `gorm:"column:provider;type:varchar(32)" json:"provider"`
	Status    WalletStatus `gorm:"column:status;type:varchar(20);not null" json:"status"`
	CreatedAt time.Time    `gorm:"column:created_at;autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time    `gorm:"column:updated_at;autoUpdateTime" json:"updatedAt"`
}

// AthleteLink maps a fitness provider athlete to an owner. Rows are written by the
// account linking flow.
type AthleteLink struct {
	ID             string     `gorm:"column:id;primaryKey;type:varchar(32)"`
	OwnerRef       string     `gorm:"column:owner_ref;index;not null"`
	Source         string     `gorm:"column:source;type:varchar(32);not null;uniqueIndex:idx_athlete_source"`
	AthleteID      string     `gorm:"column:athlete_id;type:varchar(64);not null;uniqueIndex:idx_athlete_source"`
	AccessToken    string     `gorm:"column:access_token;type:text"`
	TokenExpiresAt *time.Time `gorm:"column:token_expires_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// Models lists every table owned by the ledger store, in migration order.
func Models() []any {
	return []any{
		&Campaign{},
		&Pledge{},
		&EscrowTransaction{},
		&Activity{},
		&Payout{},
		&Wallet{},
		&AthleteLink{},
	}
}

// GenerateReference returns a "YYYYMMDD-HEX" reference used for human facing codes.
func GenerateReference() (string, error) {
	datePart := time.Now().UTC().Format("20060102")

	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}

	return fmt.Sprintf("%s-%s", datePart, strings.ToUpper(hex.EncodeToString(r))), nil
}

// RoundAmount normalises an amount to AmountScale fractional digits.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountScale)
}

// Now returns the current time truncated to microseconds, the precision every
// supported database keeps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (p *Payout) String() string {
	return fmt.Sprintf("payout %s pledge=%s activity=%s amount=%s status=%s", p.ID, p.PledgeID, p.ActivityID, p.Amount, p.Status)
}
