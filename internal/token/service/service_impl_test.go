package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/adforge/adforge/internal/clock"
	"github.com/adforge/adforge/internal/token/repository"

	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// Create tables manually to match production schema
	db.Exec(`CREATE TABLE IF NOT EXISTS token_accounts (
		user_id TEXT PRIMARY KEY,
		balance BIGINT NOT NULL DEFAULT 0,
		plan_code TEXT NOT NULL DEFAULT 'free',
		period TEXT NOT NULL DEFAULT 'MONTHLY',
		last_refill_at TIMESTAMP,
		next_refill_at TIMESTAMP,
		stripe_customer_id TEXT,
		stripe_subscription_id TEXT,
		subscription_status TEXT,
		cancellation_time TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)

	db.Exec(`CREATE TABLE IF NOT EXISTS token_ledger (
		id BIGINT PRIMARY KEY,
		user_id TEXT NOT NULL,
		occurred_at TIMESTAMP NOT NULL,
		delta BIGINT NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT,
		balance_after BIGINT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`)

	// SQLite requires the explicit UNIQUE index for ON CONFLICT to absorb
	// replayed references.
	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_token_ledger_reason_reference
		ON token_ledger(reason, reference_id) WHERE reference_id IS NOT NULL`)

	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *clock.FakeClock) {
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc.(*Service), db, clk
}

func seedAccount(t *testing.T, svc *Service, userID string, balance int64) {
	_, err := svc.EnsureAccount(context.Background(), tokendomain.EnsureAccountRequest{
		UserID:       userID,
		InitialGrant: balance,
	})
	require.NoError(t, err)
}

func ledgerRows(t *testing.T, svc *Service, userID string, reason tokendomain.LedgerReason) []tokendomain.LedgerEntry {
	entries, err := svc.repo.ListLedger(context.Background(), svc.db, userID, 0, 100)
	require.NoError(t, err)
	if reason == "" {
		return entries
	}
	var filtered []tokendomain.LedgerEntry
	for _, entry := range entries {
		if entry.Reason == reason {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}

func accountBalance(t *testing.T, svc *Service, userID string) int64 {
	account, err := svc.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return account.Balance
}

func TestEnsureAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.EnsureAccount(ctx, tokendomain.EnsureAccountRequest{
		UserID:       "user_1",
		InitialGrant: 25,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), account.Balance)
	assert.Equal(t, "free", account.PlanCode)

	// Replaying provisioning must not grant again.
	account, err = svc.EnsureAccount(ctx, tokendomain.EnsureAccountRequest{
		UserID:       "user_1",
		InitialGrant: 25,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), account.Balance)
	assert.Len(t, ledgerRows(t, svc, "user_1", tokendomain.ReasonInitialGrant), 1)
}

func TestReserveDebitsAndGuardsFloor(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 100)

	result, err := svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(20), result.Balance)

	rows := ledgerRows(t, svc, "user_1", tokendomain.ReasonJobReserve)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(-80), rows[0].Delta)
	assert.Equal(t, int64(20), rows[0].BalanceAfter)

	_, err = svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "user_1", Tokens: 50, JobID: "J2"})
	assert.ErrorIs(t, err, tokendomain.ErrInsufficientTokens)
	assert.Equal(t, int64(20), accountBalance(t, svc, "user_1"))
	assert.Len(t, ledgerRows(t, svc, "user_1", tokendomain.ReasonJobReserve), 1)
}

func TestReserveReplayIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 100)

	first, err := svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)

	replay, err := svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.Equal(t, int64(20), replay.Balance)
	assert.Equal(t, first.LedgerID, replay.LedgerID)
	assert.Len(t, ledgerRows(t, svc, "user_1", tokendomain.ReasonJobReserve), 1)
}

func TestRefundRestoresAndReplaysOnce(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 100)

	_, err := svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)

	result, err := svc.Refund(ctx, tokendomain.RefundRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(100), result.Balance)

	replay, err := svc.Refund(ctx, tokendomain.RefundRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.Equal(t, int64(100), replay.Balance)
	assert.Len(t, ledgerRows(t, svc, "user_1", tokendomain.ReasonJobRefund), 1)
}

func TestRefillFloorsToPlanAllotment(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 50)

	result, err := svc.Refill(ctx, tokendomain.RefillRequest{
		UserID:          "user_1",
		TokensPerPeriod: 300,
		RefillDate:      "2025-01-01",
	})
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.Equal(t, int64(300), result.Balance)

	rows := ledgerRows(t, svc, "user_1", tokendomain.ReasonSubsRefill)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(250), rows[0].Delta)

	// Same date replays as a no-op.
	replay, err := svc.Refill(ctx, tokendomain.RefillRequest{
		UserID:          "user_1",
		TokensPerPeriod: 300,
		RefillDate:      "2025-01-01",
	})
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.Len(t, ledgerRows(t, svc, "user_1", tokendomain.ReasonSubsRefill), 1)

	// Push the balance above the allotment; a new period must not top up, but
	// the schedule must still advance.
	_, err = svc.Topup(ctx, tokendomain.TopupRequest{
		UserID: "user_1", Tokens: 100, CheckoutSessionID: "cs_1", SKU: "pack_100",
	})
	require.NoError(t, err)

	clk.Advance(31 * 24 * time.Hour)
	result, err = svc.Refill(ctx, tokendomain.RefillRequest{
		UserID:          "user_1",
		TokensPerPeriod: 300,
		RefillDate:      "2025-02-01",
	})
	require.NoError(t, err)
	assert.False(t, result.Applied)
	assert.Equal(t, int64(400), result.Balance)
	assert.Len(t, ledgerRows(t, svc, "user_1", tokendomain.ReasonSubsRefill), 1)

	account, err := svc.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	require.NotNil(t, account.NextRefillAt)
	assert.WithinDuration(t, clk.Now().AddDate(0, 1, 0), *account.NextRefillAt, time.Second)
}

func TestRefillReferencesAreScopedPerUser(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 0)
	seedAccount(t, svc, "user_2", 0)

	// Two users renewing on the same date must both refill.
	for _, userID := range []string{"user_1", "user_2"} {
		result, err := svc.Refill(ctx, tokendomain.RefillRequest{
			UserID:          userID,
			TokensPerPeriod: 300,
			RefillDate:      "2025-01-01",
		})
		require.NoError(t, err)
		assert.True(t, result.Applied)
		assert.Equal(t, int64(300), result.Balance)
	}
}

func TestTopupIsPerSessionNotPerSKU(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 0)

	first, err := svc.Topup(ctx, tokendomain.TopupRequest{
		UserID: "user_1", Tokens: 100, CheckoutSessionID: "cs_1", SKU: "pack_100",
	})
	require.NoError(t, err)
	assert.True(t, first.Applied)

	// Same SKU, different checkout session: a second real purchase.
	second, err := svc.Topup(ctx, tokendomain.TopupRequest{
		UserID: "user_1", Tokens: 100, CheckoutSessionID: "cs_2", SKU: "pack_100",
	})
	require.NoError(t, err)
	assert.True(t, second.Applied)
	assert.Equal(t, int64(200), second.Balance)

	// Redelivered webhook for cs_2 credits nothing.
	replay, err := svc.Topup(ctx, tokendomain.TopupRequest{
		UserID: "user_1", Tokens: 100, CheckoutSessionID: "cs_2", SKU: "pack_100",
	})
	require.NoError(t, err)
	assert.False(t, replay.Applied)
	assert.Equal(t, int64(200), replay.Balance)
}

func TestActivate(t *testing.T) {
	svc, _, clk := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 50)

	t.Run("paid plan grants up to allotment", func(t *testing.T) {
		result, err := svc.Activate(ctx, tokendomain.ActivateRequest{
			UserID:               "user_1",
			PlanCode:             "pro",
			PlanTokens:           1500,
			StripeCustomerID:     "cus_1",
			StripeSubscriptionID: "sub_1",
			SubscriptionStatus:   "active",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1500), result.Balance)

		account, err := svc.GetAccount(ctx, "user_1")
		require.NoError(t, err)
		assert.Equal(t, "pro", account.PlanCode)
		require.NotNil(t, account.SubscriptionStatus)
		assert.Equal(t, "active", *account.SubscriptionStatus)
		require.NotNil(t, account.NextRefillAt)
		assert.WithinDuration(t, clk.Now().AddDate(0, 1, 0), *account.NextRefillAt, time.Second)
	})

	t.Run("replayed activation grants once", func(t *testing.T) {
		result, err := svc.Activate(ctx, tokendomain.ActivateRequest{
			UserID:               "user_1",
			PlanCode:             "pro",
			PlanTokens:           1500,
			StripeSubscriptionID: "sub_1",
			SubscriptionStatus:   "active",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1500), result.Balance)
		assert.Len(t, ledgerRows(t, svc, "user_1", tokendomain.ReasonSubsActivation), 1)
	})

	t.Run("downgrade to free keeps tokens", func(t *testing.T) {
		_, err := svc.Activate(ctx, tokendomain.ActivateRequest{
			UserID:             "user_1",
			PlanCode:           "free",
			SubscriptionStatus: "canceled",
		})
		require.NoError(t, err)

		account, err := svc.GetAccount(ctx, "user_1")
		require.NoError(t, err)
		assert.Equal(t, "free", account.PlanCode)
		assert.Equal(t, int64(1500), account.Balance)
	})
}

func TestMutationsRequireAnAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "ghost", Tokens: 10, JobID: "J1"})
	assert.ErrorIs(t, err, tokendomain.ErrAccountNotFound)

	_, err = svc.Refill(ctx, tokendomain.RefillRequest{UserID: "ghost", TokensPerPeriod: 300, RefillDate: "2025-01-01"})
	assert.ErrorIs(t, err, tokendomain.ErrAccountNotFound)
}

func TestLedgerReconstructsBalance(t *testing.T) {
	svc, db, _ := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 100)

	_, err := svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)
	_, err = svc.Refund(ctx, tokendomain.RefundRequest{UserID: "user_1", Tokens: 80, JobID: "J1"})
	require.NoError(t, err)
	_, err = svc.Topup(ctx, tokendomain.TopupRequest{UserID: "user_1", Tokens: 50, CheckoutSessionID: "cs_1", SKU: "pack_50"})
	require.NoError(t, err)
	_, err = svc.Refill(ctx, tokendomain.RefillRequest{UserID: "user_1", TokensPerPeriod: 300, RefillDate: "2025-01-01"})
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, tokendomain.ReserveRequest{UserID: "user_1", Tokens: 120, JobID: "J2"})
	require.NoError(t, err)

	sum, err := svc.repo.SumLedger(ctx, db, "user_1")
	require.NoError(t, err)
	assert.Equal(t, accountBalance(t, svc, "user_1"), sum)

	// balance_after on the latest row anchors the running total.
	rows := ledgerRows(t, svc, "user_1", "")
	require.NotEmpty(t, rows)
	assert.Equal(t, sum, rows[0].BalanceAfter)
}

func TestListLedgerPagination(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	seedAccount(t, svc, "user_1", 1000)

	for i := 0; i < 5; i++ {
		_, err := svc.Reserve(ctx, tokendomain.ReserveRequest{
			UserID: "user_1",
			Tokens: 10,
			JobID:  "J" + string(rune('1'+i)),
		})
		require.NoError(t, err)
	}

	page, err := svc.ListLedger(ctx, tokendomain.ListLedgerRequest{UserID: "user_1", PageSize: 4})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 4)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextPageToken)

	rest, err := svc.ListLedger(ctx, tokendomain.ListLedgerRequest{
		UserID:    "user_1",
		PageSize:  4,
		PageToken: page.NextPageToken,
	})
	require.NoError(t, err)
	assert.Len(t, rest.Entries, 2)
	assert.False(t, rest.HasMore)

	// Newest first, strictly descending ids.
	assert.Greater(t, int64(page.Entries[0].ID), int64(page.Entries[1].ID))
	assert.Greater(t, int64(page.Entries[3].ID), int64(rest.Entries[0].ID))
}
