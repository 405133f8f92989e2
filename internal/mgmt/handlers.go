package mgmt

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/veridian-labs/prospector/internal/config"
	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/health"
	"github.com/veridian-labs/prospector/internal/pipeline"
	"github.com/veridian-labs/prospector/internal/session"
)

// Workflow is the slice of the pipeline orchestrator the API drives.
type Workflow interface {
	Start(ctx context.Context, rawDomain string) (*session.Session, error)
	Resume(ctx context.Context, sessionID, domain string) error
	Approve(ctx context.Context) error
	Reject(ctx context.Context, abort bool) error
	Retry(ctx context.Context) error
	Stop()
	Abort(ctx context.Context) error
	Snapshot() pipeline.Snapshot
}

// Handlers holds the API handler dependencies.
type Handlers struct {
	workflow Workflow
	checker  *health.Checker
	cfg      *config.Config
	logger   zerolog.Logger
	started  time.Time
}

// NewHandlers creates the handler set.
func NewHandlers(workflow Workflow, checker *health.Checker, cfg *config.Config, logger zerolog.Logger) *Handlers {
	return &Handlers{
		workflow: workflow,
		checker:  checker,
		cfg:      cfg,
		logger:   logger.With().Str("component", "mgmt_handlers").Logger(),
		started:  time.Now(),
	}
}

// pipelineError maps the error taxonomy onto problem responses.
func pipelineError(c *fiber.Ctx, err error) error {
	switch {
	case perrors.IsValidation(err):
		return problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", err.Error())
	case errors.Is(err, perrors.ErrPhaseInFlight):
		return problemResponse(c, fiber.StatusConflict, "phase_in_flight", "Conflict",
			"A phase is currently processing; wait for it to finish")
	case errors.Is(err, perrors.ErrNotFound):
		return problemResponse(c, fiber.StatusNotFound, "not_found", "Not Found", err.Error())
	case errors.Is(err, perrors.ErrNotAuthenticated):
		return problemResponse(c, fiber.StatusBadGateway, "backend_auth", "Bad Gateway",
			"The research backend rejected our credentials")
	default:
		var re *perrors.RemoteError
		if errors.As(err, &re) {
			return problemResponse(c, fiber.StatusBadGateway, "backend_error", "Bad Gateway", re.Error())
		}
		return problemResponse(c, fiber.StatusInternalServerError, "internal_error", "Internal Server Error", err.Error())
	}
}

// StartSession handles POST /api/v1/sessions.
func (h *Handlers) StartSession(c *fiber.Ctx) error {
	var req StartSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Request body must be JSON")
	}
	if req.Domain == "" {
		return problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", "domain is required")
	}

	sess, err := h.workflow.Start(c.Context(), req.Domain)
	if err != nil {
		return pipelineError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"session": sess})
}

// ResumeSession handles POST /api/v1/sessions/resume.
func (h *Handlers) ResumeSession(c *fiber.Ctx) error {
	var req ResumeSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Request body must be JSON")
	}
	if req.SessionID == "" {
		return problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", "session_id is required")
	}

	if err := h.workflow.Resume(c.Context(), req.SessionID, req.Domain); err != nil {
		return pipelineError(c, err)
	}
	return c.JSON(h.workflow.Snapshot())
}

// GetSession handles GET /api/v1/sessions/current.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	snap := h.workflow.Snapshot()
	if snap.SessionID == "" {
		return problemResponse(c, fiber.StatusNotFound, "no_session", "Not Found", "No active session")
	}
	return c.JSON(snap)
}

// Approve handles POST /api/v1/sessions/current/approve.
func (h *Handlers) Approve(c *fiber.Ctx) error {
	if err := h.workflow.Approve(c.Context()); err != nil {
		return pipelineError(c, err)
	}
	return c.JSON(h.workflow.Snapshot())
}

// Reject handles POST /api/v1/sessions/current/reject.
func (h *Handlers) Reject(c *fiber.Ctx) error {
	var req RejectRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Request body must be JSON")
		}
	}

	if err := h.workflow.Reject(c.Context(), req.Abort); err != nil {
		return pipelineError(c, err)
	}
	return c.JSON(h.workflow.Snapshot())
}

// Retry handles POST /api/v1/sessions/current/retry.
func (h *Handlers) Retry(c *fiber.Ctx) error {
	if err := h.workflow.Retry(c.Context()); err != nil {
		return pipelineError(c, err)
	}
	return c.JSON(h.workflow.Snapshot())
}

// StopPhase handles POST /api/v1/sessions/current/stop.
func (h *Handlers) StopPhase(c *fiber.Ctx) error {
	h.workflow.Stop()
	return c.JSON(h.workflow.Snapshot())
}

// AbortSession handles POST /api/v1/sessions/current/abort.
func (h *Handlers) AbortSession(c *fiber.Ctx) error {
	if err := h.workflow.Abort(c.Context()); err != nil {
		return pipelineError(c, err)
	}
	return c.JSON(h.workflow.Snapshot())
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "uptime": time.Since(h.started).String()})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker != nil && !h.checker.IsReady(c.Context()) {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": h.checker.Cached(),
		})
	}
	checks := map[string]health.Status{}
	if h.checker != nil {
		checks = h.checker.Cached()
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": checks})
}

// GetConfig handles GET /api/v1/config.
func (h *Handlers) GetConfig(c *fiber.Ctx) error {
	return c.JSON(ConfigResponse{
		Environment:    h.cfg.Environment,
		LogLevel:       h.cfg.LogLevel,
		MgmtListenAddr: h.cfg.MgmtListenAddr,
		AuthMode:       h.cfg.MgmtAuthMode,
		RateLimitRPS:   h.cfg.MgmtRateLimitRPS,
		RateLimitBurst: h.cfg.MgmtRateLimitBurst,
		CacheWindow:    h.cfg.CacheWindow,
		ScrapeMaxPages: h.cfg.ScrapeMaxPages,
	})
}

// PatchConfig handles PATCH /api/v1/config. Only the log level is mutable
// at runtime.
func (h *Handlers) PatchConfig(c *fiber.Ctx) error {
	var req ConfigPatchRequest
	if err := c.BodyParser(&req); err != nil {
		return problemResponse(c, fiber.StatusBadRequest, "invalid_body", "Bad Request", "Request body must be JSON")
	}

	if req.LogLevel != nil {
		lvl, err := zerolog.ParseLevel(*req.LogLevel)
		if err != nil {
			return problemResponse(c, fiber.StatusBadRequest, "validation_error", "Bad Request", "unknown log level")
		}
		zerolog.SetGlobalLevel(lvl)
		h.cfg.LogLevel = *req.LogLevel
		h.logger.Info().Str("level", *req.LogLevel).Msg("log level changed")
	}
	return h.GetConfig(c)
}
