package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/adforge/adforge/internal/clock"
	"github.com/adforge/adforge/internal/config"
	obsmetrics "github.com/adforge/adforge/internal/observability/metrics"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"github.com/adforge/adforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    tokendomain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    tokendomain.Repository
	metrics *obsmetrics.Metrics
}

func NewService(p Params) tokendomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("token.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

func (s *Service) EnsureAccount(ctx context.Context, req tokendomain.EnsureAccountRequest) (*tokendomain.TokenAccount, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, tokendomain.ErrInvalidUser
	}
	if req.InitialGrant < 0 {
		return nil, tokendomain.ErrInvalidAmount
	}

	var account *tokendomain.TokenAccount
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock.Now()
		fresh := &tokendomain.TokenAccount{
			UserID:    userID,
			Balance:   0,
			PlanCode:  config.PlanFree,
			Period:    tokendomain.RefillPeriodMonthly,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if customerID := strings.TrimSpace(req.StripeCustomerID); customerID != "" {
			fresh.StripeCustomerID = &customerID
		}

		created, err := s.repo.InsertAccount(ctx, tx, fresh)
		if err != nil {
			return err
		}

		if created && req.InitialGrant > 0 {
			if _, err := s.applyIn(ctx, tx, userID, tokendomain.ReasonInitialGrant, "grant:"+userID, req.InitialGrant); err != nil {
				return err
			}
		}

		account, err = s.repo.FindAccount(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

func (s *Service) GetAccount(ctx context.Context, userID string) (*tokendomain.TokenAccount, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, tokendomain.ErrInvalidUser
	}
	account, err := s.repo.FindAccount(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, tokendomain.ErrAccountNotFound
	}
	return account, nil
}

func (s *Service) ListLedger(ctx context.Context, req tokendomain.ListLedgerRequest) (tokendomain.ListLedgerResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return tokendomain.ListLedgerResponse{}, tokendomain.ErrInvalidUser
	}

	limit := req.PageSize
	if limit <= 0 {
		limit = 25
	}
	if limit > 250 {
		limit = 250
	}

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return tokendomain.ListLedgerResponse{}, tokendomain.ErrInvalidReference
		}
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return tokendomain.ListLedgerResponse{}, tokendomain.ErrInvalidReference
		}
		beforeID = parsed
	}

	entries, err := s.repo.ListLedger(ctx, s.db, userID, beforeID, limit+1)
	if err != nil {
		return tokendomain.ListLedgerResponse{}, err
	}

	resp := tokendomain.ListLedgerResponse{Entries: entries}
	if len(entries) > limit {
		resp.Entries = entries[:limit]
		resp.HasMore = true
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: resp.Entries[limit-1].ID.String(),
		})
		if err != nil {
			return tokendomain.ListLedgerResponse{}, err
		}
		resp.NextPageToken = token
	}
	return resp, nil
}

func (s *Service) Reserve(ctx context.Context, req tokendomain.ReserveRequest) (tokendomain.MutationResult, error) {
	var result tokendomain.MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.ReserveIn(ctx, tx, req)
		return err
	})
	return result, err
}

func (s *Service) ReserveIn(ctx context.Context, tx *gorm.DB, req tokendomain.ReserveRequest) (tokendomain.MutationResult, error) {
	if err := validateMutation(req.UserID, req.Tokens, req.JobID); err != nil {
		return tokendomain.MutationResult{}, err
	}
	return s.applyIn(ctx, tx, strings.TrimSpace(req.UserID), tokendomain.ReasonJobReserve, strings.TrimSpace(req.JobID), -req.Tokens)
}

func (s *Service) Refund(ctx context.Context, req tokendomain.RefundRequest) (tokendomain.MutationResult, error) {
	var result tokendomain.MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.RefundIn(ctx, tx, req)
		return err
	})
	return result, err
}

func (s *Service) RefundIn(ctx context.Context, tx *gorm.DB, req tokendomain.RefundRequest) (tokendomain.MutationResult, error) {
	if err := validateMutation(req.UserID, req.Tokens, req.JobID); err != nil {
		return tokendomain.MutationResult{}, err
	}
	return s.applyIn(ctx, tx, strings.TrimSpace(req.UserID), tokendomain.ReasonJobRefund, strings.TrimSpace(req.JobID), req.Tokens)
}

func (s *Service) Topup(ctx context.Context, req tokendomain.TopupRequest) (tokendomain.MutationResult, error) {
	if err := validateMutation(req.UserID, req.Tokens, req.CheckoutSessionID); err != nil {
		return tokendomain.MutationResult{}, err
	}
	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidReference
	}

	var result tokendomain.MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		result, err = s.applyIn(ctx, tx, strings.TrimSpace(req.UserID), tokendomain.TopupReason(sku), strings.TrimSpace(req.CheckoutSessionID), req.Tokens)
		return err
	})
	return result, err
}

// Refill tops the balance up to the plan allotment; it never adds on top of a
// balance that already meets the plan and never removes rollover tokens. The
// refill schedule advances even when no tokens move.
func (s *Service) Refill(ctx context.Context, req tokendomain.RefillRequest) (tokendomain.MutationResult, error) {
	userID := strings.TrimSpace(req.UserID)
	refillDate := strings.TrimSpace(req.RefillDate)
	if userID == "" {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidUser
	}
	if req.TokensPerPeriod < 0 {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidAmount
	}
	if refillDate == "" {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidReference
	}

	// The reference scopes the refill date to the user so two users renewing
	// on the same day never collide on the unique index.
	refillRef := userID + ":" + refillDate

	var result tokendomain.MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindAccountForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return tokendomain.ErrAccountNotFound
		}

		existing, err := s.repo.FindLedgerByReference(ctx, tx, tokendomain.ReasonSubsRefill, refillRef)
		if err != nil {
			return err
		}
		if existing != nil {
			result = tokendomain.MutationResult{Balance: account.Balance, LedgerID: existing.ID}
			return nil
		}

		if delta := req.TokensPerPeriod - account.Balance; delta > 0 {
			result, err = s.postLedger(ctx, tx, account, delta, tokendomain.ReasonSubsRefill, refillRef)
			if err != nil {
				return err
			}
		} else {
			result = tokendomain.MutationResult{Balance: account.Balance}
		}

		now := s.clock.Now()
		return s.repo.UpdateRefillSchedule(ctx, tx, userID, now, now.AddDate(0, 1, 0), now)
	})
	return result, err
}

// Activate records the new subscription on the account, then ensures the
// balance meets the plan allotment. Downgrading to free never claws back
// tokens.
func (s *Service) Activate(ctx context.Context, req tokendomain.ActivateRequest) (tokendomain.MutationResult, error) {
	userID := strings.TrimSpace(req.UserID)
	planCode := strings.ToLower(strings.TrimSpace(req.PlanCode))
	subscriptionID := strings.TrimSpace(req.StripeSubscriptionID)
	if userID == "" {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidUser
	}
	if planCode == "" {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidPlan
	}
	if req.PlanTokens < 0 {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidAmount
	}
	if planCode != config.PlanFree && subscriptionID == "" {
		return tokendomain.MutationResult{}, tokendomain.ErrInvalidReference
	}

	var result tokendomain.MutationResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		account, err := s.repo.FindAccountForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return tokendomain.ErrAccountNotFound
		}

		now := s.clock.Now()
		update := tokendomain.SubscriptionUpdate{
			PlanCode:         planCode,
			CancellationTime: req.CancellationTime,
		}
		if v := strings.TrimSpace(req.StripeCustomerID); v != "" {
			update.StripeCustomerID = &v
		}
		if subscriptionID != "" {
			update.StripeSubscriptionID = &subscriptionID
		}
		if v := strings.TrimSpace(req.SubscriptionStatus); v != "" {
			update.SubscriptionStatus = &v
		}
		if err := s.repo.UpdateSubscription(ctx, tx, userID, update, now); err != nil {
			return err
		}

		result = tokendomain.MutationResult{Balance: account.Balance}
		if planCode != config.PlanFree {
			existing, err := s.repo.FindLedgerByReference(ctx, tx, tokendomain.ReasonSubsActivation, subscriptionID)
			if err != nil {
				return err
			}
			if existing != nil {
				result.LedgerID = existing.ID
			} else if delta := req.PlanTokens - account.Balance; delta > 0 {
				applied, err := s.postLedger(ctx, tx, account, delta, tokendomain.ReasonSubsActivation, subscriptionID)
				if err != nil {
					return err
				}
				result = applied
			}
		}

		return s.repo.UpdateRefillSchedule(ctx, tx, userID, now, now.AddDate(0, 1, 0), now)
	})
	return result, err
}

func (s *Service) ListAccountsDueForRefill(ctx context.Context, at time.Time, limit int) ([]tokendomain.TokenAccount, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.ListAccountsDueForRefill(ctx, s.db, at, limit)
}

/// applyIn is the shared mutation primitive: lock the account row, replay-check
// the idempotency reference, guard the zero floor, then append the ledger row
// and move the balance inside the caller's transaction.
func (s *Service) applyIn(ctx context.Context, tx *gorm.DB, userID string, reason tokendomain.LedgerReason, referenceID string, delta int64) (tokendomain.MutationResult, error) {
	account, err := s.repo.FindAccountForUpdate(ctx, tx, userID)
	if err != nil {
		return tokendomain.MutationResult{}, err
	}
	if account == nil {
		return tokendomain.MutationResult{}, tokendomain.ErrAccountNotFound
	}

	if referenceID != "" {
		existing, err := s.repo.FindLedgerByReference(ctx, tx, reason, referenceID)
		if err != nil {
			return tokendomain.MutationResult{}, err
		}
		if existing != nil {
			return tokendomain.MutationResult{Balance: account.Balance, LedgerID: existing.ID}, nil
		}
	}

	if account.Balance+delta < 0 {
		return tokendomain.MutationResult{}, tokendomain.ErrInsufficientTokens
	}

	return s.postLedger(ctx, tx, account, delta, reason, referenceID)
}

func (s *Service) postLedger(ctx context.Context, tx *gorm.DB, account *tokendomain.TokenAccount, delta int64, reason tokendomain.LedgerReason, referenceID string) (tokendomain.MutationResult, error) {
	now := s.clock.Now()
	newBalance := account.Balance + delta

	entry := &tokendomain.LedgerEntry{
		ID:           s.genID.Generate(),
		UserID:       account.UserID,
		OccurredAt:   now,
		Delta:        delta,
		Reason:       reason,
		BalanceAfter: newBalance,
		CreatedAt:    now,
	}
	if referenceID != "" {
		entry.ReferenceID = &referenceID
	}

	inserted, err := s.repo.InsertLedger(ctx, tx, entry)
	if err != nil {
		return tokendomain.MutationResult{}, err
	}
	if !inserted {
		// Unique index absorbed a concurrent replay of the same reference.
		existing, err := s.repo.FindLedgerByReference(ctx, tx, reason, referenceID)
		if err != nil {
			return tokendomain.MutationResult{}, err
		}
		result := tokendomain.MutationResult{Balance: account.Balance}
		if existing != nil {
			result.LedgerID = existing.ID
		}
		return result, nil
	}

	if err := s.repo.UpdateBalance(ctx, tx, account.UserID, newBalance, now); err != nil {
		return tokendomain.MutationResult{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordLedgerPosting(metricReason(reason))
	}
	s.log.Debug("ledger posting",
		zap.String("user_id", account.UserID),
		zap.String("reason", string(reason)),
		zap.String("reference_id", referenceID),
		zap.String("delta", strconv.FormatInt(delta, 10)),
		zap.Int64("balance_after", newBalance),
	)

	return tokendomain.MutationResult{Balance: newBalance, LedgerID: entry.ID, Applied: true}, nil
}

func validateMutation(userID string, tokens int64, referenceID string) error {
	if strings.TrimSpace(userID) == "" {
		return tokendomain.ErrInvalidUser
	}
	if tokens <= 0 {
		return tokendomain.ErrInvalidAmount
	}
	if strings.TrimSpace(referenceID) == "" {
		return tokendomain.ErrInvalidReference
	}
	return nil
}

// metricReason collapses per-SKU topup reasons into one label value.
func metricReason(reason tokendomain.LedgerReason) string {
	value := string(reason)
	if idx := strings.IndexByte(value, ':'); idx > 0 {
		value = value[:idx]
	}
	return value
}
