package generation

import (
	"github.com/adforge/adforge/internal/generation/repository"
	"github.com/adforge/adforge/internal/generation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("generation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
