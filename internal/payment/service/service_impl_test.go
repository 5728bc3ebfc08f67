package service

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/adforge/adforge/internal/clock"
	"github.com/adforge/adforge/internal/config"
	paymentdomain "github.com/adforge/adforge/internal/payment/domain"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	tokenrepository "github.com/adforge/adforge/internal/token/repository"
	tokenservice "github.com/adforge/adforge/internal/token/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stubAdapter replays canned events so dispatch is tested without real
// signatures.
type stubAdapter struct {
	verifyErr error
	event     *paymentdomain.PaymentEvent
	parseErr  error
}

func (s *stubAdapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	return s.verifyErr
}

func (s *stubAdapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	if s.parseErr != nil {
		return nil, s.parseErr
	}
	return s.event, nil
}

type fixture struct {
	db       *gorm.DB
	adapter  *stubAdapter
	tokenSvc tokendomain.Service
	svc      paymentdomain.Service
}

func newFixture(t *testing.T) *fixture {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

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

	db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_token_ledger_reason_reference
		ON token_ledger(reason, reference_id) WHERE reference_id IS NOT NULL`)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	logger := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))

	repo := tokenrepository.Provide()
	tokenSvc := tokenservice.NewService(tokenservice.Params{
		DB:    db,
		Log:   logger,
		GenID: node,
		Clock: clk,
		Repo:  repo,
	})

	holder, err := config.NewPlanCatalogHolder()
	require.NoError(t, err)

	adapter := &stubAdapter{}
	svc := NewService(Params{
		DB:        db,
		Log:       logger,
		Adapter:   adapter,
		Plans:     holder,
		TokenSvc:  tokenSvc,
		TokenRepo: repo,
	})

	return &fixture{db: db, adapter: adapter, tokenSvc: tokenSvc, svc: svc}
}

func (f *fixture) balance(t *testing.T, userID string) int64 {
	account, err := f.tokenSvc.GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return account.Balance
}

func (f *fixture) ingest(t *testing.T, event *paymentdomain.PaymentEvent) error {
	f.adapter.event = event
	return f.svc.IngestWebhook(context.Background(), []byte(`{}`), http.Header{})
}

func TestIngestTopup(t *testing.T) {
	f := newFixture(t)

	event := &paymentdomain.PaymentEvent{
		Provider:          "stripe",
		ProviderEventID:   "evt_1",
		Type:              paymentdomain.EventTypeCheckoutTopup,
		UserID:            "user_1",
		CheckoutSessionID: "cs_1",
		SKU:               "pack_500",
		Tokens:            500,
	}
	require.NoError(t, f.ingest(t, event))
	assert.Equal(t, int64(500), f.balance(t, "user_1"))

	// Stripe redelivery of the same checkout session.
	require.NoError(t, f.ingest(t, event))
	assert.Equal(t, int64(500), f.balance(t, "user_1"))
}

func TestIngestSubscriptionCheckout(t *testing.T) {
	f := newFixture(t)

	// The default catalog carries no stripe price ids, so the plan cannot
	// resolve and the provider should retry after the catalog is fixed.
	err := f.ingest(t, &paymentdomain.PaymentEvent{
		Type:           paymentdomain.EventTypeCheckoutSubscription,
		UserID:         "user_1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		PriceID:        "price_unmapped",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownPlan)
}

func TestIngestInvoicePaidRefills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Account already on the pro plan with a stripe customer.
	_, err := f.tokenSvc.EnsureAccount(ctx, tokendomain.EnsureAccountRequest{
		UserID:           "user_1",
		StripeCustomerID: "cus_1",
	})
	require.NoError(t, err)
	f.db.Exec(`UPDATE token_accounts SET plan_code = 'pro' WHERE user_id = 'user_1'`)

	event := &paymentdomain.PaymentEvent{
		Type:        paymentdomain.EventTypeInvoicePaid,
		CustomerID:  "cus_1",
		PeriodStart: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.ingest(t, event))
	assert.Equal(t, int64(1500), f.balance(t, "user_1"))

	// Redelivery refills nothing.
	require.NoError(t, f.ingest(t, event))
	assert.Equal(t, int64(1500), f.balance(t, "user_1"))
}

func TestIngestInvoicePaidUnknownCustomer(t *testing.T) {
	f := newFixture(t)

	err := f.ingest(t, &paymentdomain.PaymentEvent{
		Type:       paymentdomain.EventTypeInvoicePaid,
		CustomerID: "cus_ghost",
	})
	assert.ErrorIs(t, err, paymentdomain.ErrUnknownCustomer)
}

func TestIngestSubscriptionDeletedDowngrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tokenSvc.EnsureAccount(ctx, tokendomain.EnsureAccountRequest{
		UserID:           "user_1",
		StripeCustomerID: "cus_1",
		InitialGrant:     200,
	})
	require.NoError(t, err)

	canceledAt := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.ingest(t, &paymentdomain.PaymentEvent{
		Type:             paymentdomain.EventTypeSubscriptionDeleted,
		CustomerID:       "cus_1",
		SubscriptionID:   "sub_1",
		Status:           "canceled",
		CancellationTime: &canceledAt,
	}))

	account, err := f.tokenSvc.GetAccount(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, "free", account.PlanCode)
	// Downgrade keeps the tokens already purchased.
	assert.Equal(t, int64(200), account.Balance)
	require.NotNil(t, account.SubscriptionStatus)
	assert.Equal(t, "canceled", *account.SubscriptionStatus)
}

func TestIngestSignatureAndIgnoredErrors(t *testing.T) {
	f := newFixture(t)

	f.adapter.verifyErr = paymentdomain.ErrInvalidSignature
	err := f.svc.IngestWebhook(context.Background(), []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	f.adapter.verifyErr = nil
	f.adapter.parseErr = paymentdomain.ErrEventIgnored
	err = f.svc.IngestWebhook(context.Background(), []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}
