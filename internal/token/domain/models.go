// Package domain contains persistence models for token accounts and the
// append-only token ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// RefillPeriod is the billing cadence of a subscription plan.
type RefillPeriod string

const (
	RefillPeriodMonthly RefillPeriod = "MONTHLY"
)

// LedgerReason tags every balance change with its cause. The pair
// (reason, reference_id) is unique whenever reference_id is set; replaying
// the same external event is a no-op, not a double posting.
type LedgerReason string

const (
	ReasonJobReserve     LedgerReason = "JOB_RESERVE"
	ReasonJobRefund      LedgerReason = "JOB_REFUND"
	ReasonSubsRefill     LedgerReason = "SUBS_REFILL"
	ReasonSubsActivation LedgerReason = "SUBS_ACTIVATION"
	ReasonInitialGrant   LedgerReason = "INITIAL_GRANT"
	ReasonAdminAdjust    LedgerReason = "ADMIN_ADJUST"

	topupReasonPrefix = "TOPUP_PURCHASE:"
)

// TopupReason folds the purchased SKU into the reason tag. Idempotency stays
// keyed per checkout session, so buying the same SKU twice still credits twice.
func TopupReason(sku string) LedgerReason {
	return LedgerReason(topupReasonPrefix + sku)
}

// TokenAccount holds one user's spendable credit balance and subscription
// metadata. Created lazily on the first payment event, never deleted.
type TokenAccount struct {
	UserID               string       `gorm:"primaryKey;column:user_id"`
	Balance              int64        `gorm:"not null;default:0"`
	PlanCode             string       `gorm:"type:text;not null;default:'free'"`
	Period               RefillPeriod `gorm:"type:text;not null;default:'MONTHLY'"`
	LastRefillAt         *time.Time   `gorm:""`
	NextRefillAt         *time.Time   `gorm:"index"`
	StripeCustomerID     *string      `gorm:"type:text;index"`
	StripeSubscriptionID *string      `gorm:"type:text"`
	SubscriptionStatus   *string      `gorm:"type:text"`
	CancellationTime     *time.Time   `gorm:""`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TokenAccount) TableName() string { return "token_accounts" }

// LedgerEntry is one immutable row of the audit trail. BalanceAfter snapshots
// the running total through this row and anchors reconciliation.
type LedgerEntry struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	UserID       string       `gorm:"not null;index"`
	OccurredAt   time.Time    `gorm:"not null"`
	Delta        int64        `gorm:"not null"`
	Reason       LedgerReason `gorm:"type:text;not null"`
	ReferenceID  *string      `gorm:"type:text"`
	BalanceAfter int64        `gorm:"not null"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (LedgerEntry) TableName() string { return "token_ledger" }
