package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/usecase/dispatch"
)

type submitTaskRequest struct {
	Kind     string          `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Priority int             `json:"priority"`
	Deadline *time.Time      `json:"deadline"`
}

func (s *Server) handleSubmitTask(c echo.Context) error {
	sess, tenantID, err := s.authenticate(c, domain.PermAgentSubmit)
	if err != nil {
		return s.fail(c, err)
	}
	var req submitTaskRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	task, err := s.dispatcher.Submit(c.Request().Context(), dispatch.SubmitParams{
		TenantID:    tenantID,
		AgentKind:   domain.AgentKind(c.Param("kind")),
		SubmitterID: sess.UserID,
		Kind:        req.Kind,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Deadline:    req.Deadline,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusAccepted, "task queued", task)
}

func (s *Server) handleAgentStatus(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, "")
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "agent status", s.agents.Descriptors(tenantID))
}

type controlRequest struct {
	Op string `json:"op"`
}

func (s *Server) handleAgentControl(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermAgentControl)
	if err != nil {
		return s.fail(c, err)
	}
	var req controlRequest
	if err := bind(c, &req); err != nil {
		return s.fail(c, err)
	}
	kind := domain.AgentKind(c.Param("kind"))
	// The dispatcher applies the op to the agent and its queue, and audits it
	// with the session actor from the request context.
	if err := s.dispatcher.Control(c.Request().Context(), tenantID, kind, domain.ControlOp(req.Op)); err != nil {
		return s.fail(c, err)
	}
	agent, err := s.agents.Resolve(c.Request().Context(), tenantID, kind)
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "control applied", agent.Describe())
}

func (s *Server) handleGetTask(c echo.Context) error {
	sess, tenantID, err := s.authenticate(c, domain.PermTaskViewOwn)
	if err != nil {
		return s.fail(c, err)
	}
	task, err := s.dispatcher.Get(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	if task.SubmitterID != sess.UserID && !domain.HasPermission(sess.Role, domain.PermTaskViewAny) {
		return s.fail(c, domain.WrapOp("http.get_task",
			&domain.ForbiddenError{Missing: domain.PermTaskViewAny}))
	}
	return ok(c, http.StatusOK, "task", task)
}

func (s *Server) handleListTasks(c echo.Context) error {
	sess, tenantID, err := s.authenticate(c, domain.PermTaskViewOwn)
	if err != nil {
		return s.fail(c, err)
	}
	f := dispatch.ListFilter{
		AgentKind:   domain.AgentKind(c.QueryParam("agent_kind")),
		State:       domain.TaskState(c.QueryParam("state")),
		SubmitterID: c.QueryParam("submitter_id"),
	}
	if !domain.HasPermission(sess.Role, domain.PermTaskViewAny) {
		f.SubmitterID = sess.UserID
	}
	tasks, err := s.dispatcher.List(c.Request().Context(), tenantID, f, intQuery(c, "limit", 100))
	if err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "tasks", tasks)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	_, tenantID, err := s.authenticate(c, domain.PermAgentSubmit)
	if err != nil {
		return s.fail(c, err)
	}
	if err := s.dispatcher.Cancel(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return s.fail(c, err)
	}
	return ok(c, http.StatusOK, "task cancelled", nil)
}
