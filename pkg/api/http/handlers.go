package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aescanero/dagoflow/pkg/domain"
)

// StartExecutionRequest starts an execution of a workflow
type StartExecutionRequest struct {
	// Version 0 selects the latest registered version.
	Version int            `json:"version"`
	Input   map[string]any `json:"input"`
}

// CancelRequest carries an optional cancellation reason
type CancelRequest struct {
	Reason string `json:"reason"`
}

// ApprovalRequest resolves an approval gate
type ApprovalRequest struct {
	Decision string `json:"decision" binding:"required,oneof=approved rejected"`
	Note     string `json:"note"`
}

// ScheduleRequest registers a cron schedule
type ScheduleRequest struct {
	ID       string         `json:"id"`
	Workflow string         `json:"workflow" binding:"required"`
	Version  int            `json:"version"`
	Cron     string         `json:"cron" binding:"required"`
	CatchUp  string         `json:"catch_up"`
	Input    map[string]any `json:"input"`
}

// WorkflowResponse describes a registered definition
type WorkflowResponse struct {
	Name               string         `json:"name"`
	Version            int            `json:"version"`
	Description        string         `json:"description,omitempty"`
	MaxConcurrentSteps int            `json:"max_concurrent_steps,omitempty"`
	Order              []string       `json:"order"`
	Steps              []StepResponse `json:"steps"`
}

// StepResponse describes one step of a definition
type StepResponse struct {
	Name            string   `json:"name"`
	After           []string `json:"after,omitempty"`
	Handler         string   `json:"handler,omitempty"`
	Rollback        string   `json:"rollback,omitempty"`
	AwaitApproval   bool     `json:"await_approval,omitempty"`
	ApprovalTimeout string   `json:"approval_timeout,omitempty"`
	Timeout         string   `json:"timeout,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"engine": "ok"}
	healthy := true
	if s.health != nil {
		status := s.health.GetStatus()
		checks["workers"] = status
		healthy = status.Healthy
	}

	code := http.StatusOK
	state := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

// handleListWorkflows lists registered definitions
func (s *Server) handleListWorkflows(c *gin.Context) {
	graphs := s.engine.Definitions()
	out := make([]WorkflowResponse, 0, len(graphs))
	for _, g := range graphs {
		def := g.Definition
		wf := WorkflowResponse{
			Name:               def.Name,
			Version:            def.Version,
			Description:        def.Description,
			MaxConcurrentSteps: def.MaxConcurrentSteps,
			Order:              g.Order,
			Steps:              make([]StepResponse, 0, len(def.Steps)),
		}
		for _, step := range def.Steps {
			sr := StepResponse{
				Name:          step.Name,
				After:         step.After,
				Handler:       step.HandlerName,
				Rollback:      step.RollbackName,
				AwaitApproval: step.AwaitApproval,
			}
			if step.ApprovalTimeout > 0 {
				sr.ApprovalTimeout = step.ApprovalTimeout.String()
			}
			if step.Timeout > 0 {
				sr.Timeout = step.Timeout.String()
			}
			wf.Steps = append(wf.Steps, sr)
		}
		out = append(out, wf)
	}
	c.JSON(http.StatusOK, gin.H{"workflows": out, "total": len(out)})
}

// handleStartExecution starts a manual execution
func (s *Server) handleStartExecution(c *gin.Context) {
	var req StartExecutionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	ref := domain.DefinitionRef{Name: c.Param("name"), Version: req.Version}
	exec, err := s.engine.StartExecution(c.Request.Context(), ref, domain.Context(req.Input), domain.Trigger{Kind: domain.TriggerManual})
	if err != nil {
		s.writeError(c, "failed to start execution", err)
		return
	}

	c.JSON(http.StatusCreated, exec)
}

// handleListExecutions lists executions, filtered by ?status=a,b&definition=x&limit=n
func (s *Server) handleListExecutions(c *gin.Context) {
	var filter domain.ExecutionFilter
	filter.Definition = c.Query("definition")
	if statusParam := c.Query("status"); statusParam != "" {
		for _, st := range strings.Split(statusParam, ",") {
			filter.Statuses = append(filter.Statuses, domain.ExecutionStatus(strings.TrimSpace(st)))
		}
	}
	if limitParam := c.Query("limit"); limitParam != "" {
		limit, err := strconv.Atoi(limitParam)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error: ErrorDetail{Code: "INVALID_REQUEST", Message: "limit must be a non-negative integer"},
			})
			return
		}
		filter.Limit = limit
	}

	execs, err := s.engine.ListExecutions(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, "failed to list executions", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"executions": execs, "total": len(execs)})
}

// handleGetExecution returns one execution
func (s *Server) handleGetExecution(c *gin.Context) {
	exec, err := s.engine.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// handleCancelExecution cancels an execution
func (s *Server) handleCancelExecution(c *gin.Context) {
	var req CancelRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "requested via API"
	}

	exec, err := s.engine.CancelExecution(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		s.writeError(c, "failed to cancel execution", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// handleApproval approves or rejects a suspended step
func (s *Server) handleApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	exec, err := s.engine.SignalApproval(c.Request.Context(),
		c.Param("id"), c.Param("step"), domain.ApprovalDecision(req.Decision), req.Note)
	if err != nil {
		s.writeError(c, "failed to signal approval", err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// handleListSchedules lists registered schedules
func (s *Server) handleListSchedules(c *gin.Context) {
	if s.schedules == nil {
		s.schedulerUnavailable(c)
		return
	}
	list, err := s.schedules.List(c.Request.Context())
	if err != nil {
		s.writeError(c, "failed to list schedules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": list, "total": len(list)})
}

// handleRegisterSchedule creates or replaces a schedule
func (s *Server) handleRegisterSchedule(c *gin.Context) {
	if s.schedules == nil {
		s.schedulerUnavailable(c)
		return
	}
	var req ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	saved, err := s.schedules.Register(c.Request.Context(), domain.Schedule{
		ID:         req.ID,
		Definition: domain.DefinitionRef{Name: req.Workflow, Version: req.Version},
		Cron:       req.Cron,
		CatchUp:    domain.CatchUpPolicy(req.CatchUp),
		Input:      domain.Context(req.Input),
	})
	if err != nil {
		// Register only fails on bad input or storage.
		var perr *domain.PersistenceError
		if errors.As(err, &perr) {
			s.writeError(c, "failed to register schedule", err)
			return
		}
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: ErrorDetail{Code: "INVALID_SCHEDULE", Message: err.Error()},
		})
		return
	}
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.logger.Debug("invalid request", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
	})
}

func (s *Server) schedulerUnavailable(c *gin.Context) {
	c.JSON(http.StatusServiceUnavailable, ErrorResponse{
		Error: ErrorDetail{Code: "SCHEDULER_NOT_AVAILABLE", Message: "scheduler is not configured"},
	})
}

// writeError maps engine errors to status codes
func (s *Server) writeError(c *gin.Context, msg string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(msg, zap.Error(err))
	} else {
		s.logger.Debug(msg, zap.Error(err))
	}

	detail := ErrorDetail{Code: code, Message: err.Error()}
	var defErr *domain.DefinitionError
	if errors.As(err, &defErr) {
		detail.Details = gin.H{"kind": defErr.Kind, "step": defErr.Step, "cycle": defErr.Cycle}
	}
	c.JSON(status, ErrorResponse{Error: detail})
}

func classify(err error) (int, string) {
	var defErr *domain.DefinitionError
	var perr *domain.PersistenceError
	switch {
	case errors.Is(err, domain.ErrUnknownDefinition):
		return http.StatusNotFound, "DEFINITION_NOT_FOUND"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrNotAwaitingApproval):
		return http.StatusConflict, "NOT_AWAITING_APPROVAL"
	case errors.Is(err, domain.ErrExecutionTerminal):
		return http.StatusConflict, "EXECUTION_TERMINAL"
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.As(err, &defErr):
		return http.StatusUnprocessableEntity, "INVALID_DEFINITION"
	case errors.As(err, &perr):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}
