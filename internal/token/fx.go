package token

import (
	"github.com/adforge/adforge/internal/token/repository"
	"github.com/adforge/adforge/internal/token/service"
	"go.uber.org/fx"
)

var Module = fx.Module("token.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
