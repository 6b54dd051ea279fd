package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"nowhere-ai/internal/domain"
)

func (s *Server) handleInsightsSummary(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermInsightRead)
	if err != nil {
		return s.fail(c, err)
	}
	ctx := c.Request().Context()
	reports, err := s.insights.List(ctx, tenantID, 1)
	if err != nil {
		return s.fail(c, err)
	}
	if len(reports) > 0 {
		return ok(c, http.StatusOK, "latest report", reports[0])
	}
	// No stored report yet, compute one on demand.
	report, err := s.insights.Analyze(ctx, tenantID, 0)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "latest report", report)
}

type analyzeRequest struct {
	Window string `json:"window"`
}

func (s *Server) handleAnalyze(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermInsightRead)
	if err != nil {
		return s.fail(c, err)
	}
	var req analyzeRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	var window time.Duration
	if req.Window != "" {
		window, err = time.ParseDuration(req.Window)
		if err != nil || window < 0 {
			return s.fail(c, domain.NewValidationError("http.analyze",
				"window is not a valid duration", "window"))
		}
	}
	report, err := s.insights.Analyze(c.Request().Context(), tenantID, window)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "analysis complete", report)
}

func (s *Server) handleCacheStats(c echo.Context) error {
	if _, _, err := s.authenticate(c, ""); err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "cache statistics", s.cache.Stats())
}

type cacheClearRequest struct {
	Prefix string `json:"prefix"`
}

func (s *Server) handleCacheClear(c echo.Context) error {
	sess, tenantID, err := s.authenticate(c, domain.PermCacheClear)
	if err != nil {
		return s.fail(c, err)
	}
	var req cacheClearRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	// Invalidation is always tenant scoped, the caller narrows within it.
	prefix := tenantID + ":" + req.Prefix
	removed := s.cache.Invalidate(prefix)
	s.logAudit(c, domain.AuditEvent{
		TenantID: tenantID, ActorID: sess.UserID,
		Action: domain.AuditCacheClear, Subject: prefix,
		Outcome: domain.OutcomeSuccess,
		Detail:  map[string]string{"removed": strconv.Itoa(removed)},
	})
	return ok(c, http.StatusOK, "cache cleared", map[string]int{"removed": removed})
}
