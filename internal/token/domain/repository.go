package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SubscriptionUpdate carries the payment-provider correlation fields mutated
// by subscription lifecycle operations only.
type SubscriptionUpdate struct {
	PlanCode             string
	StripeCustomerID     *string
	StripeSubscriptionID *string
	SubscriptionStatus   *string
	CancellationTime     *time.Time
}

type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *TokenAccount) (bool, error)
	FindAccount(ctx context.Context, db *gorm.DB, userID string) (*TokenAccount, error)
	FindAccountForUpdate(ctx context.Context, db *gorm.DB, userID string) (*TokenAccount, error)
	FindAccountByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*TokenAccount, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, userID string, balance int64, now time.Time) error
	UpdateRefillSchedule(ctx context.Context, db *gorm.DB, userID string, lastRefillAt, nextRefillAt time.Time, now time.Time) error
	UpdateSubscription(ctx context.Context, db *gorm.DB, userID string, update SubscriptionUpdate, now time.Time) error
	ListAccountsDueForRefill(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]TokenAccount, error)

	InsertLedger(ctx context.Context, db *gorm.DB, entry *LedgerEntry) (bool, error)
	FindLedgerByReference(ctx context.Context, db *gorm.DB, reason LedgerReason, referenceID string) (*LedgerEntry, error)
	ListLedger(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]LedgerEntry, error)
	SumLedger(ctx context.Context, db *gorm.DB, userID string) (int64, error)
}
