package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/adforge/adforge/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrInsufficientTokens = errors.New("insufficient_tokens")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidReference   = errors.New("invalid_reference")
	ErrInvalidPlan        = errors.New("invalid_plan")
)

type EnsureAccountRequest struct {
	UserID           string
	StripeCustomerID string
	// InitialGrant posts an INITIAL_GRANT ledger row when the account is
	// created. Zero means the account starts empty.
	InitialGrant int64
}

type ReserveRequest struct {
	UserID string
	Tokens int64
	JobID  string
}

type RefundRequest struct {
	UserID string
	Tokens int64
	JobID  string
}

type TopupRequest struct {
	UserID            string
	Tokens            int64
	CheckoutSessionID string
	SKU               string
}

type RefillRequest struct {
	UserID          string
	TokensPerPeriod int64
	// RefillDate identifies the billing period (e.g. "2025-01-01") and is the
	// idempotency reference for this refill.
	RefillDate string
}

type ActivateRequest struct {
	UserID               string
	PlanCode             string
	PlanTokens           int64
	StripeCustomerID     string
	StripeSubscriptionID string
	SubscriptionStatus   string
	CancellationTime     *time.Time
}

// MutationResult reports the account state after a ledger operation. Applied
// is false when the call was an idempotent replay or a no-op refill.
type MutationResult struct {
	Balance  int64
	LedgerID snowflake.ID
	Applied  bool
}

type ListLedgerRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListLedgerResponse struct {
	Entries []LedgerEntry `json:"entries"`
	pagination.PageInfo
}

// Service is the only legal way to mutate a token balance. Every method runs
// in a single database transaction; the account row lock is the sole
// concurrency control.
type Service interface {
	EnsureAccount(ctx context.Context, req EnsureAccountRequest) (*TokenAccount, error)
	GetAccount(ctx context.Context, userID string) (*TokenAccount, error)
	ListLedger(ctx context.Context, req ListLedgerRequest) (ListLedgerResponse, error)

	Reserve(ctx context.Context, req ReserveRequest) (MutationResult, error)
	Refund(ctx context.Context, req RefundRequest) (MutationResult, error)
	Topup(ctx context.Context, req TopupRequest) (MutationResult, error)
	Refill(ctx context.Context, req RefillRequest) (MutationResult, error)
	Activate(ctx context.Context, req ActivateRequest) (MutationResult, error)

	// ReserveIn and RefundIn run inside a caller-owned transaction so a job
	// row and its funding reservation commit or roll back together.
	ReserveIn(ctx context.Context, tx *gorm.DB, req ReserveRequest) (MutationResult, error)
	RefundIn(ctx context.Context, tx *gorm.DB, req RefundRequest) (MutationResult, error)

	ListAccountsDueForRefill(ctx context.Context, at time.Time, limit int) ([]TokenAccount, error)
}
