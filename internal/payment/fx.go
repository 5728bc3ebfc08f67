package payment

import (
	"github.com/adforge/adforge/internal/config"
	"github.com/adforge/adforge/internal/payment/adapters/stripe"
	paymentdomain "github.com/adforge/adforge/internal/payment/domain"
	"github.com/adforge/adforge/internal/payment/service"
	"go.uber.org/fx"
)

func provideAdapter(cfg config.Config) (paymentdomain.Adapter, error) {
	return stripe.NewAdapter(cfg.StripeWebhookSecret)
}

var Module = fx.Module("payment.service",
	fx.Provide(provideAdapter),
	fx.Provide(service.NewService),
)
