package http

import (
	"context"
	"net/http"
	"time"

	"github.com/jmehdipour/entitlements/internal/app"
	"github.com/jmehdipour/entitlements/internal/config"
	"github.com/jmehdipour/entitlements/internal/http/middleware"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

// NewServer mounts the public API over a. rds may be nil, which disables rate limiting.
func NewServer(cfg config.Config, a *app.App, rds *redis.Client, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(a.Repos.Projects)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:proj:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	h := &handlers{app: a}

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/entitlements/check", h.checkEntitlement)
	v1.POST("/usage", h.reportUsage)
	v1.PATCH("/customers/:id/acl", h.updateACL)
	v1.POST("/customers/:id/prewarm", h.prewarm)

	v1.POST("/subscriptions", h.createSubscription)
	v1.GET("/subscriptions/:id", h.getSubscription)
	v1.POST("/subscriptions/:id/phases", h.createPhase)
	v1.POST("/subscriptions/:id/change-plan", h.changePlan)
	v1.PATCH("/subscriptions/:id/phases/:phaseId", h.updatePhase)
	v1.DELETE("/subscriptions/:id/phases/:phaseId", h.removePhase)
	v1.POST("/subscriptions/:id/cancel", h.cancel)
	v1.POST("/subscriptions/:id/invoices", h.invoice)
	v1.POST("/subscriptions/:id/payments", h.recordPayment)

	v1.GET("/reports/usage", h.listUsage)

	return &Server{e: e, log: log.Named("http")}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
