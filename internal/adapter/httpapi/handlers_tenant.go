package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/usecase/tenant"
)

type createTenantRequest struct {
	DisplayName   string          `json:"display_name"`
	PrimaryDomain string          `json:"primary_domain"`
	Branding      json.RawMessage `json:"branding"`
	Tier          string          `json:"tier"`
	Features      map[string]bool `json:"features"`
}

func (r createTenantRequest) params() tenant.CreateParams {
	return tenant.CreateParams{
		DisplayName:   r.DisplayName,
		PrimaryDomain: r.PrimaryDomain,
		Branding:      r.Branding,
		Tier:          domain.SubscriptionTier(r.Tier),
		Features:      r.Features,
	}
}

func (s *Server) handleCreateTenant(c echo.Context) error {
	sess, _, err := s.authenticate(c, domain.PermTenantWrite)
	if err != nil {
		return s.fail(c, err)
	}
	if err := requireRole(sess, domain.RoleSuperAdmin); err != nil {
		return s.fail(c, err)
	}
	var req createTenantRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	t, err := s.tenants.Create(c.Request().Context(), req.params())
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusCreated, "tenant created", t)
}

func (s *Server) handleListTenants(c echo.Context) error {
	sess, tenantID, err := s.authenticate(c, domain.PermTenantRead)
	if err != nil {
		return s.fail(c, err)
	}

	// Non-operators see their own tenant only.
	if sess.Role != domain.RoleSuperAdmin {
		t, err := s.tenants.Get(c.Request().Context(), tenantID)
		if err != nil {
			return s.fail(c, err)
		}
		return ok(c, http.StatusOK, "tenants", []domain.Tenant{*t})
	}

	f := tenant.ListFilter{
		Status: domain.TenantStatus(c.QueryParam("status")),
		Tier:   domain.SubscriptionTier(c.QueryParam("tier")),
	}
	list, err := s.tenants.List(c.Request().Context(), f, intQuery(c, "limit", 0))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "tenants", list)
}

func (s *Server) handleCreateReseller(c echo.Context) error {
	sess, _, err := s.authenticate(c, domain.PermTenantWrite)
	if err != nil {
		return s.fail(c, err)
	}
	if err := requireRole(sess, domain.RoleSuperAdmin); err != nil {
		return s.fail(c, err)
	}
	var req createTenantRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	pkg, err := s.tenants.CreateResellerPackage(c.Request().Context(), req.params())
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusCreated, "reseller package created", pkg)
}

func (s *Server) handleTenantExport(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermUserManage)
	if err != nil {
		return s.fail(c, err)
	}
	bundle, err := s.privacy.ExportTenant(c.Request().Context(), tenantID)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "tenant export", bundle)
}
