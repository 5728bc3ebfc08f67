package service

import (
	"context"
	"net/http"
	"strings"

	"github.com/adforge/adforge/internal/config"
	obsmetrics "github.com/adforge/adforge/internal/observability/metrics"
	paymentdomain "github.com/adforge/adforge/internal/payment/domain"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Adapter   paymentdomain.Adapter
	Plans     *config.PlanCatalogHolder
	TokenSvc  tokendomain.Service
	TokenRepo tokendomain.Repository
	Metrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	adapter   paymentdomain.Adapter
	plans     *config.PlanCatalogHolder
	tokenSvc  tokendomain.Service
	tokenRepo tokendomain.Repository
	metrics   *obsmetrics.Metrics
}

func NewService(p Params) paymentdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("payment.service"),
		adapter:   p.Adapter,
		plans:     p.Plans,
		tokenSvc:  p.TokenSvc,
		tokenRepo: p.TokenRepo,
		metrics:   p.Metrics,
	}
}

// IngestWebhook verifies, parses and dispatches one webhook delivery. Every
// ledger operation it triggers carries an idempotency reference derived from
// the provider objects, so redelivered events settle as no-ops.
func (s *Service) IngestWebhook(ctx context.Context, payload []byte, headers http.Header) error {
	if err := s.adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := s.adapter.Parse(ctx, payload)
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordPaymentEvent(event.Type)
	}
	log := s.log.With(
		zap.String("provider", event.Provider),
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_type", event.Type),
	)

	switch event.Type {
	case paymentdomain.EventTypeCheckoutTopup:
		err = s.handleTopup(ctx, event)
	case paymentdomain.EventTypeCheckoutSubscription:
		err = s.handleSubscriptionCheckout(ctx, event)
	case paymentdomain.EventTypeInvoicePaid:
		err = s.handleInvoicePaid(ctx, event)
	case paymentdomain.EventTypeSubscriptionUpdated:
		err = s.handleSubscriptionUpdated(ctx, event)
	case paymentdomain.EventTypeSubscriptionDeleted:
		err = s.handleSubscriptionDeleted(ctx, event)
	default:
		return paymentdomain.ErrEventIgnored
	}
	if err != nil {
		log.Warn("webhook dispatch failed", zap.Error(err))
		return err
	}

	log.Info("webhook processed")
	return nil
}

func (s *Service) handleTopup(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	if _, err := s.tokenSvc.EnsureAccount(ctx, tokendomain.EnsureAccountRequest{
		UserID: event.UserID,
	}); err != nil {
		return err
	}

	_, err := s.tokenSvc.Topup(ctx, tokendomain.TopupRequest{
		UserID:            event.UserID,
		Tokens:            event.Tokens,
		CheckoutSessionID: event.CheckoutSessionID,
		SKU:               event.SKU,
	})
	return err
}

func (s *Service) handleSubscriptionCheckout(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	plan, err := s.resolvePlan(event)
	if err != nil {
		return err
	}

	if _, err := s.tokenSvc.EnsureAccount(ctx, tokendomain.EnsureAccountRequest{
		UserID:           event.UserID,
		StripeCustomerID: event.CustomerID,
	}); err != nil {
		return err
	}

	_, err = s.tokenSvc.Activate(ctx, tokendomain.ActivateRequest{
		UserID:               event.UserID,
		PlanCode:             plan.Code,
		PlanTokens:           plan.TokensPerPeriod,
		StripeCustomerID:     event.CustomerID,
		StripeSubscriptionID: event.SubscriptionID,
		SubscriptionStatus:   "active",
	})
	return err
}

func (s *Service) handleInvoicePaid(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	account, err := s.findAccountByCustomer(ctx, event.CustomerID)
	if err != nil {
		return err
	}

	plan, ok := s.plans.FindPlanByPriceID(event.PriceID)
	if !ok {
		plan, ok = s.plans.FindPlan(account.PlanCode)
		if !ok {
			return paymentdomain.ErrUnknownPlan
		}
	}

	_, err = s.tokenSvc.Refill(ctx, tokendomain.RefillRequest{
		UserID:          account.UserID,
		TokensPerPeriod: plan.TokensPerPeriod,
		RefillDate:      event.PeriodStart.Format("2006-01-02"),
	})
	return err
}

// handleSubscriptionUpdated re-activates with the current plan and status.
// The activation grant is keyed by the subscription id, so repeated updates
// on the same subscription only move metadata, never tokens.
func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	account, err := s.findAccountByCustomer(ctx, event.CustomerID)
	if err != nil {
		return err
	}

	plan, err := s.resolvePlan(event)
	if err != nil {
		return err
	}

	_, err = s.tokenSvc.Activate(ctx, tokendomain.ActivateRequest{
		UserID:               account.UserID,
		PlanCode:             plan.Code,
		PlanTokens:           plan.TokensPerPeriod,
		StripeCustomerID:     event.CustomerID,
		StripeSubscriptionID: event.SubscriptionID,
		SubscriptionStatus:   event.Status,
		CancellationTime:     event.CancellationTime,
	})
	return err
}

// handleSubscriptionDeleted drops the account back to the free plan. Tokens
// already on the balance stay: downgrades never claw back.
func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *paymentdomain.PaymentEvent) error {
	account, err := s.findAccountByCustomer(ctx, event.CustomerID)
	if err != nil {
		return err
	}

	_, err = s.tokenSvc.Activate(ctx, tokendomain.ActivateRequest{
		UserID:             account.UserID,
		PlanCode:           config.PlanFree,
		PlanTokens:         0,
		StripeCustomerID:   event.CustomerID,
		SubscriptionStatus: "canceled",
		CancellationTime:   event.CancellationTime,
	})
	return err
}

func (s *Service) findAccountByCustomer(ctx context.Context, customerID string) (*tokendomain.TokenAccount, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	account, err := s.tokenRepo.FindAccountByStripeCustomer(ctx, s.db, customerID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, paymentdomain.ErrUnknownCustomer
	}
	return account, nil
}

func (s *Service) resolvePlan(event *paymentdomain.PaymentEvent) (config.Plan, error) {
	if plan, ok := s.plans.FindPlanByPriceID(event.PriceID); ok {
		return plan, nil
	}
	return config.Plan{}, paymentdomain.ErrUnknownPlan
}
