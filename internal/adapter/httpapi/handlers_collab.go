package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"nowhere-ai/internal/domain"
)

type initiateCollabRequest struct {
	Participants []string `json:"participants"`
	Goal         string   `json:"goal"`
}

func (s *Server) handleInitiateCollab(c echo.Context) error {
	sess, tenantID, err := s.authenticate(c, domain.PermCollabInitiate)
	if err != nil {
		return s.fail(c, err)
	}
	var req initiateCollabRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	kinds := make([]domain.AgentKind, len(req.Participants))
	for i, p := range req.Participants {
		kinds[i] = domain.AgentKind(p)
	}
	collab, err := s.collab.Initiate(c.Request().Context(), tenantID, sess.UserID, kinds, req.Goal)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusCreated, "collaboration started", collab)
}

type addStepRequest struct {
	AgentKind string          `json:"agent_kind"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
}

func (s *Server) handleAddStep(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermCollabInitiate)
	if err != nil {
		return s.fail(c, err)
	}
	var req addStepRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	task, err := s.collab.AddStep(c.Request().Context(), tenantID, c.Param("id"),
		domain.AgentKind(req.AgentKind), req.Kind, req.Payload, req.Priority)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusAccepted, "step queued", task)
}

func (s *Server) handleCollabStatus(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, "")
	if err != nil {
		return s.fail(c, err)
	}
	report, err := s.collab.Status(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "collaboration status", report)
}

func (s *Server) handleListCollabs(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, "")
	if err != nil {
		return s.fail(c, err)
	}
	includeArchived := c.QueryParam("include_archived") == "true"
	list, err := s.collab.List(c.Request().Context(), tenantID, includeArchived,
		intQuery(c, "limit", 100))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "collaborations", list)
}

type delegateRequest struct {
	From            string          `json:"from"`
	To              string          `json:"to"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload"`
	CollaborationID string          `json:"collaboration_id"`
}

func (s *Server) handleDelegate(c echo.Context) error {
	// Delegation authorisation lives in the coordinator; the surface only
	// resolves the session.
	_, tenantID, err := s.authenticate(c, "")
	if err != nil {
		return s.fail(c, err)
	}
	var req delegateRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	task, err := s.collab.Delegate(c.Request().Context(), tenantID,
		domain.AgentKind(req.From), domain.AgentKind(req.To),
		req.Kind, req.Payload, req.CollaborationID)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusAccepted, "delegated", task)
}
