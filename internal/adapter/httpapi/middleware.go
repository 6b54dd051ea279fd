package httpapi

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"nowhere-ai/internal/domain"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_http_requests_total",
		Help: "HTTP requests by method, path and status.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "controlplane_http_request_duration_seconds",
		Help:    "HTTP request latency by method and path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

func metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Response().Status)
		httpRequestsTotal.WithLabelValues(c.Request().Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request().Method, path).Observe(time.Since(start).Seconds())
		return err
	}
}

func securityHeaders(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		h := c.Response().Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		return next(c)
	}
}

// ipLimiter throttles per client address. Idle limiters are pruned so the
// map does not grow without bound.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	clients  map[string]*clientLimiter
	lastScan time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
}

func (l *ipLimiter) allow(addr string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastScan) > time.Minute {
		for ip, cl := range l.clients {
			if now.Sub(cl.lastSeen) > 10*time.Minute {
				delete(l.clients, ip)
			}
		}
		l.lastScan = now
	}

	cl, found := l.clients[addr]
	if !found {
		cl = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[addr] = cl
	}
	cl.lastSeen = now
	return cl.limiter.Allow()
}

func (s *Server) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	if s.limiter == nil {
		return next
	}
	return func(c echo.Context) error {
		if !s.limiter.allow(c.RealIP()) {
			return s.fail(c, domain.NewDomainError("http.rate_limit",
				domain.ErrRateLimited, "too many requests"))
		}
		return next(c)
	}
}

func bearerToken(c echo.Context) string {
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// authenticate resolves the bearer token, checks perm, and attaches the
// session to the request context. The tenant the request acts on comes from
// the X-Tenant header; only the platform operator may reach across tenants.
func (s *Server) authenticate(c echo.Context, perm domain.Permission) (*domain.Session, string, error) {
	const op = "http.authenticate"

	token := bearerToken(c)
	if token == "" {
		return nil, "", domain.NewDomainError(op, domain.ErrUnauthorized, "missing bearer token")
	}
	sess, err := s.auth.Validate(c.Request().Context(), token, perm, "")
	if err != nil {
		return nil, "", err
	}

	tenantID := c.Request().Header.Get("X-Tenant")
	if tenantID == "" {
		tenantID = sess.TenantID
	}
	if tenantID != sess.TenantID && sess.Role != domain.RoleSuperAdmin {
		// Cross-tenant requests look like a missing resource.
		return nil, "", domain.NewDomainError(op, domain.ErrNotFound, "unknown tenant")
	}

	ctx := domain.ContextWithSession(c.Request().Context(), sess)
	c.SetRequest(c.Request().WithContext(ctx))
	return sess, tenantID, nil
}

// requireRole gates endpoints that are restricted beyond a permission.
func requireRole(sess *domain.Session, role domain.Role) error {
	if sess.Role != role {
		return domain.NewDomainError("http.authorize", domain.ErrForbidden,
			"requires role "+string(role))
	}
	return nil
}
