package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"gorm.io/gorm"
)

const accountColumns = `user_id, balance, plan_code, period, last_refill_at, next_refill_at,
	 stripe_customer_id, stripe_subscription_id, subscription_status, cancellation_time,
	 created_at, updated_at`

const ledgerColumns = `id, user_id, occurred_at, delta, reason, reference_id, balance_after, created_at`

type repo struct{}

func Provide() tokendomain.Repository {
	return &repo{}
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *tokendomain.TokenAccount) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO token_accounts (
			user_id, balance, plan_code, period, last_refill_at, next_refill_at,
			stripe_customer_id, stripe_subscription_id, subscription_status, cancellation_time,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		account.UserID,
		account.Balance,
		account.PlanCode,
		account.Period,
		account.LastRefillAt,
		account.NextRefillAt,
		account.StripeCustomerID,
		account.StripeSubscriptionID,
		account.SubscriptionStatus,
		account.CancellationTime,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, userID string) (*tokendomain.TokenAccount, error) {
	var account tokendomain.TokenAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM token_accounts WHERE user_id = ?`,
		userID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.UserID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindAccountForUpdate(ctx context.Context, db *gorm.DB, userID string) (*tokendomain.TokenAccount, error) {
	var account tokendomain.TokenAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM token_accounts WHERE user_id = ?`+lockSuffix(db),
		userID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.UserID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) FindAccountByStripeCustomer(ctx context.Context, db *gorm.DB, customerID string) (*tokendomain.TokenAccount, error) {
	var account tokendomain.TokenAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM token_accounts WHERE stripe_customer_id = ? LIMIT 1`,
		customerID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.UserID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, userID string, balance int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE token_accounts SET balance = ?, updated_at = ? WHERE user_id = ?`,
		balance,
		now,
		userID,
	).Error
}

func (r *repo) UpdateRefillSchedule(ctx context.Context, db *gorm.DB, userID string, lastRefillAt, nextRefillAt time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE token_accounts SET last_refill_at = ?, next_refill_at = ?, updated_at = ? WHERE user_id = ?`,
		lastRefillAt,
		nextRefillAt,
		now,
		userID,
	).Error
}

func (r *repo) UpdateSubscription(ctx context.Context, db *gorm.DB, userID string, update tokendomain.SubscriptionUpdate, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE token_accounts SET
			plan_code = ?,
			stripe_customer_id = COALESCE(?, stripe_customer_id),
			stripe_subscription_id = COALESCE(?, stripe_subscription_id),
			subscription_status = COALESCE(?, subscription_status),
			cancellation_time = ?,
			updated_at = ?
		 WHERE user_id = ?`,
		update.PlanCode,
		update.StripeCustomerID,
		update.StripeSubscriptionID,
		update.SubscriptionStatus,
		update.CancellationTime,
		now,
		userID,
	).Error
}

func (r *repo) ListAccountsDueForRefill(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]tokendomain.TokenAccount, error) {
	var accounts []tokendomain.TokenAccount
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+`
		 FROM token_accounts
		 WHERE next_refill_at IS NOT NULL
		   AND next_refill_at <= ?
		   AND subscription_status = ?
		 ORDER BY next_refill_at ASC
		 LIMIT ?`,
		at,
		"active",
		limit,
	).Scan(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// InsertLedger writes one immutable ledger row. A duplicate
// (reason, reference_id) pair is absorbed by the unique index and reported
// as not inserted.
func (r *repo) InsertLedger(ctx context.Context, db *gorm.DB, entry *tokendomain.LedgerEntry) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO token_ledger (
			id, user_id, occurred_at, delta, reason, reference_id, balance_after, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		entry.ID,
		entry.UserID,
		entry.OccurredAt,
		entry.Delta,
		entry.Reason,
		entry.ReferenceID,
		entry.BalanceAfter,
		entry.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindLedgerByReference(ctx context.Context, db *gorm.DB, reason tokendomain.LedgerReason, referenceID string) (*tokendomain.LedgerEntry, error) {
	var entry tokendomain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT `+ledgerColumns+`
		 FROM token_ledger
		 WHERE reason = ? AND reference_id = ?
		 LIMIT 1`,
		reason,
		referenceID,
	).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

func (r *repo) ListLedger(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]tokendomain.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM token_ledger WHERE user_id = ?`
	args := []any{userID}
	if beforeID != 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var entries []tokendomain.LedgerEntry
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) SumLedger(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var sum *int64
	err := db.WithContext(ctx).Raw(
		`SELECT SUM(delta) FROM token_ledger WHERE user_id = ?`,
		userID,
	).Scan(&sum).Error
	if err != nil {
		return 0, err
	}
	if sum == nil {
		return 0, nil
	}
	return *sum, nil
}

// lockSuffix appends a row lock where the dialect supports it. SQLite
// serializes writers on its own.
func lockSuffix(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
