package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"nowhere-ai/internal/domain"
)

type loginRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	UserID    string      `json:"user_id"`
	TenantID  string      `json:"tenant_id"`
	Role      domain.Role `json:"role"`
	ExpiresAt string      `json:"expires_at"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	sess, err := s.auth.Authenticate(c.Request().Context(), req.TenantID, req.Email, req.Password)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "authenticated", loginResponse{
		Token:     sess.Token,
		UserID:    sess.UserID,
		TenantID:  sess.TenantID,
		Role:      sess.Role,
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleLogout(c echo.Context) error {
	token := bearerToken(c)
	if token == "" {
		return s.fail(c, domain.NewDomainError("http.logout", domain.ErrUnauthorized, "missing bearer token"))
	}
	if err := s.auth.Revoke(c.Request().Context(), token); err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "session revoked", nil)
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) handleCreateUser(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermUserManage)
	if err != nil {
		return s.fail(c, err)
	}
	var req createUserRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	if !domain.IsValidRole(req.Role) {
		return s.fail(c, domain.NewValidationError("http.create_user",
			"unknown role "+req.Role, "role"))
	}
	u, err := s.auth.CreateUser(c.Request().Context(), tenantID, req.Email,
		req.Password, domain.Role(req.Role))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusCreated, "user created", u)
}

func (s *Server) handleRedactUser(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermUserManage)
	if err != nil {
		return s.fail(c, err)
	}
	rewritten, err := s.privacy.RedactActor(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "actor redacted", map[string]int{"events": rewritten})
}
