package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/adforge/adforge/internal/clock"
	"github.com/adforge/adforge/internal/config"
	"github.com/adforge/adforge/internal/ratelimit"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const refillSweepLockKey = "sched:refill_sweep"

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Plans    *config.PlanCatalogHolder
	TokenSvc tokendomain.Service
	Locker   *ratelimit.Locker `optional:"true"`
	Config   Config            `optional:"true"`
}

// Scheduler runs the periodic refill sweep: any account whose next_refill_at
// has passed gets its plan allotment applied, keyed by the scheduled date.
// This backstops missed or delayed invoice webhooks; when the webhook did
// arrive first, the sweep's refill replays as a no-op.
type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	clock    clock.Clock
	plans    *config.PlanCatalogHolder
	tokenSvc tokendomain.Service
	locker   *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Plans == nil || p.TokenSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		clock:    p.Clock,
		plans:    p.Plans,
		tokenSvc: p.TokenSvc,
		locker:   p.Locker,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("refill sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one sweep pass. With a locker configured, only one
// instance sweeps at a time; losing the lock race is not an error.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, refillSweepLockKey, s.cfg.LockTTL)
		if err != nil {
			s.log.Warn("refill sweep lock unavailable, proceeding unlocked", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, refillSweepLockKey, token); err != nil {
					s.log.Warn("refill sweep lock release failed", zap.Error(err))
				}
			}()
		}
	}

	return s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) error {
	now := s.clock.Now()
	accounts, err := s.tokenSvc.ListAccountsDueForRefill(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	var errs error
	applied := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			return errors.Join(errs, ctx.Err())
		}

		plan, ok := s.plans.FindPlan(account.PlanCode)
		if !ok {
			s.log.Warn("account on unknown plan, skipping refill",
				zap.String("user_id", account.UserID),
				zap.String("plan_code", account.PlanCode),
			)
			continue
		}

		// Key the refill by the date it was due, not the date the sweep ran,
		// so a sweep that lags past midnight cannot double-post.
		due := now
		if account.NextRefillAt != nil {
			due = *account.NextRefillAt
		}

		result, err := s.tokenSvc.Refill(ctx, tokendomain.RefillRequest{
			UserID:          account.UserID,
			TokensPerPeriod: plan.TokensPerPeriod,
			RefillDate:      due.UTC().Format("2006-01-02"),
		})
		if err != nil {
			errs = errors.Join(errs, err)
			s.log.Warn("refill failed",
				zap.String("user_id", account.UserID),
				zap.Error(err),
			)
			continue
		}
		if result.Applied {
			applied++
		}
	}

	s.log.Info("refill sweep finished",
		zap.Int("due", len(accounts)),
		zap.Int("applied", applied),
	)
	return errs
}
