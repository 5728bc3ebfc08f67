package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/adforge/adforge/internal/config"
	"github.com/adforge/adforge/internal/generation"
	generationdomain "github.com/adforge/adforge/internal/generation/domain"
	"github.com/adforge/adforge/internal/observability"
	obsmiddleware "github.com/adforge/adforge/internal/observability/logger"
	"github.com/adforge/adforge/internal/payment"
	paymentdomain "github.com/adforge/adforge/internal/payment/domain"
	"github.com/adforge/adforge/internal/ratelimit"
	"github.com/adforge/adforge/internal/token"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	token.Module,
	generation.Module,
	payment.Module,
	ratelimit.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	tokenSvc      tokendomain.Service
	generationSvc generationdomain.Service
	paymentSvc    paymentdomain.Service
	genLimiter    *ratelimit.GenerationLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	TokenSvc      tokendomain.Service
	GenerationSvc generationdomain.Service
	PaymentSvc    paymentdomain.Service
	GenLimiter    *ratelimit.GenerationLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		tokenSvc:      p.TokenSvc,
		generationSvc: p.GenerationSvc,
		paymentSvc:    p.PaymentSvc,
		genLimiter:    p.GenLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	v1 := s.engine.Group("/v1", s.UserRequired())

	// -------- Tokens --------
	v1.GET("/tokens/balance", s.GetTokenBalance)
	v1.GET("/tokens/ledger", s.ListTokenLedger)

	// -------- Generations --------
	v1.POST("/generations", s.GenerationRateLimit(), s.CreateGeneration)
	v1.GET("/generations", s.ListGenerations)
	v1.GET("/generations/:id", s.GetGeneration)
	v1.POST("/generations/:id/events", s.HandleGenerationEvent)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/v1/webhooks/stripe", s.HandleStripeWebhook)
}
