package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
	"nowhere-ai/internal/security"
	"nowhere-ai/internal/usecase/agents"
	"nowhere-ai/internal/usecase/cache"
	"nowhere-ai/internal/usecase/collab"
	"nowhere-ai/internal/usecase/dispatch"
	"nowhere-ai/internal/usecase/insights"
	"nowhere-ai/internal/usecase/tenant"
)

// Deps bundles everything the HTTP surface decodes into.
type Deps struct {
	Auth       *security.AuthService
	Tenants    *tenant.Service
	Dispatcher *dispatch.Dispatcher
	Agents     *agents.Registry
	Collab     *collab.Coordinator
	Insights   *insights.Engine
	Cache      *cache.Cache
	Privacy    *security.PrivacyService
	Audit      domain.AuditLogger
	Clock      domain.Clock
	Logger     *slog.Logger
	Version    string
}

// Server is the HTTP decode/encode layer. No business logic lives here.
type Server struct {
	echo    *echo.Echo
	cfg     config.ServerConfig
	logger  *slog.Logger
	limiter *ipLimiter
	clock   domain.Clock
	started time.Time

	auth       *security.AuthService
	tenants    *tenant.Service
	dispatcher *dispatch.Dispatcher
	agents     *agents.Registry
	collab     *collab.Coordinator
	insights   *insights.Engine
	cache      *cache.Cache
	privacy    *security.PrivacyService
	audit      domain.AuditLogger
	version    string
}

// NewServer wires routes and middleware. Start must be called to serve.
func NewServer(cfg config.ServerConfig, d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	audit := d.Audit
	if audit == nil {
		audit = security.NopAuditLogger{}
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		clock:      d.Clock,
		auth:       d.Auth,
		tenants:    d.Tenants,
		dispatcher: d.Dispatcher,
		agents:     d.Agents,
		collab:     d.Collab,
		insights:   d.Insights,
		cache:      d.Cache,
		privacy:    d.Privacy,
		audit:      audit,
		version:    d.Version,
	}
	if cfg.RateLimit > 0 {
		s.limiter = newIPLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(securityHeaders)
	e.Use(metricsMiddleware)
	e.Use(s.rateLimitMiddleware)

	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.POST("/auth/login", s.handleLogin)
	e.POST("/auth/logout", s.handleLogout)
	e.POST("/users", s.handleCreateUser)

	e.POST("/tenants", s.handleCreateTenant)
	e.GET("/tenants", s.handleListTenants)
	e.POST("/tenants/reseller", s.handleCreateReseller)
	e.POST("/tenants/export", s.handleTenantExport)
	e.POST("/users/:id/redact", s.handleRedactUser)

	e.POST("/agents/:kind/tasks", s.handleSubmitTask)
	e.GET("/agents/status", s.handleAgentStatus)
	e.POST("/agents/:kind/control", s.handleAgentControl)

	e.GET("/tasks/:id", s.handleGetTask)
	e.GET("/tasks", s.handleListTasks)
	e.POST("/tasks/:id/cancel", s.handleCancelTask)

	e.POST("/collaborations", s.handleInitiateCollab)
	e.POST("/collaborations/:id/steps", s.handleAddStep)
	e.GET("/collaborations/:id", s.handleCollabStatus)
	e.GET("/collaborations", s.handleListCollabs)
	e.POST("/delegate", s.handleDelegate)

	e.GET("/insights/summary", s.handleInsightsSummary)
	e.POST("/insights/analyze", s.handleAnalyze)

	e.GET("/cache/stats", s.handleCacheStats)
	e.POST("/cache/clear", s.handleCacheClear)

	s.echo = e
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.started = s.clock.Now()
	s.logger.Info("http server listening", "addr", addr)
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the routing tree, used by tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) logAudit(c echo.Context, event domain.AuditEvent) {
	if err := s.audit.Log(c.Request().Context(), event); err != nil {
		s.logger.Warn("audit log failed", "action", event.Action, "error", err)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	uptime := time.Duration(0)
	if !s.started.IsZero() {
		uptime = s.clock.Since(s.started)
	}
	return ok(c, http.StatusOK, "ok", map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  uptime.String(),
	})
}
