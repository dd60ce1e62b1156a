// Package api contains the HTTP handlers for the credit approval service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"credit-approval/backend/internal/config"
	"credit-approval/backend/internal/domain"
	"credit-approval/backend/internal/engine"
	"credit-approval/backend/internal/logging"
	"credit-approval/backend/internal/notify"
	"credit-approval/backend/internal/repository"
	"credit-approval/backend/internal/workflows"
)

// Handler holds the dependencies for the API endpoints.
type Handler struct {
	engine *engine.Engine
	ops    repository.OperationStore
	queue  notify.Queue
	cfg    *config.Config
	logger *logging.Logger
}

// NewHandler creates a new Handler with required dependencies.
func NewHandler(eng *engine.Engine, ops repository.OperationStore, queue notify.Queue, cfg *config.Config, logger *logging.Logger) *Handler {
	return &Handler{engine: eng, ops: ops, queue: queue, cfg: cfg, logger: logger}
}

// Register mounts the handlers on the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	g := e.Group("/api/v1")
	g.POST("/analysis", h.StartAnalysis)
	g.POST("/confirm", h.ConfirmOperation)
	g.GET("/operations/:id", h.GetOperation)
	g.GET("/notifications", h.Notifications)
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
}

// Health returns basic health status (always returns 200 OK).
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "credit-approval",
	})
}

// AnalysisRequest is the body of a start-analysis request.
type AnalysisRequest struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Account    string `json:"account"`
}

func (r AnalysisRequest) validate() []string {
	var problems []string
	if r.Account == "" {
		problems = append(problems, "account is required")
	}
	return problems
}

// StartAnalysis validates the request and starts a new credit analysis
// workflow instance for the account.
// (POST /api/v1/analysis)
func (h *Handler) StartAnalysis(c echo.Context) error {
	ctx := c.Request().Context()

	var req AnalysisRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"errors": []string{"invalid request body"}})
	}
	if problems := req.validate(); len(problems) > 0 {
		h.addNotification(ctx, "An attempt to start a credit analysis with incorrect parameters was made.")
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"errors": problems})
	}

	operationID := uuid.New().String()
	op := domain.NewCreditOperation(operationID, req.Account)

	if _, err := h.engine.StartWorkflow(ctx, workflows.CreditAnalysis, op); err != nil {
		h.logger.Error("failed to start credit analysis", "operation", operationID, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to start analysis")
	}
	h.logger.Info("started credit analysis workflow", "operation", operationID)

	if h.cfg.Workflow.MonitorEnabled {
		if _, err := h.engine.StartWorkflow(ctx, workflows.CreditMonitor, operationID); err != nil {
			h.logger.Error("failed to start operation monitor", "operation", operationID, "error", err)
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"operationId": operationID})
}

// ConfirmRequest is the body of a confirm request.
type ConfirmRequest struct {
	Operation string `json:"operation"`
}

// ConfirmOperation marks the operation confirmed in the store, then locates
// the running confirmation workflow matching it and raises the confirmation
// signal on it.
// (POST /api/v1/confirm)
func (h *Handler) ConfirmOperation(c echo.Context) error {
	ctx := c.Request().Context()

	var req ConfirmRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Operation == "" {
		h.addNotification(ctx, "An attempt to confirm an operation without an identifier was made.")
		return echo.NewHTTPError(http.StatusBadRequest, "Operation identifier is required.")
	}

	op, err := h.confirmRecord(ctx, req.Operation)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			h.addNotification(ctx, "Attempt to confirm missing operation "+req.Operation+" failed.")
			return echo.NewHTTPError(http.StatusNotFound, "Operation does not exist.")
		}
		var illegal *domain.IllegalTransitionError
		if errors.As(err, &illegal) {
			return echo.NewHTTPError(http.StatusConflict, illegal.Error())
		}
		h.logger.Error("failed to confirm operation", "operation", req.Operation, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to confirm operation")
	}

	h.logger.Info("operation confirmed, searching for confirmation workflow", "operation", op.Identifier())

	window := h.cfg.Workflow.InstanceSearchWindow()
	now := time.Now().UTC()
	inst, err := h.engine.Find(ctx, workflows.CreditConfirmation, now.Add(-window), now.Add(window),
		func(input json.RawMessage) bool {
			var in domain.CreditOperation
			if err := engine.Unmarshal(input, &in); err != nil {
				return false
			}
			return in.Equal(op)
		})
	if err != nil {
		if errors.Is(err, engine.ErrInstanceNotFound) {
			h.logger.Info("confirmation workflow not found", "operation", op.Identifier())
			return echo.NewHTTPError(http.StatusNotFound, "Confirmation workflow not found.")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to search workflow instances")
	}

	if err := h.engine.Signal(ctx, inst.ID, workflows.ConfirmEvent, true); err != nil {
		if errors.Is(err, engine.ErrNoPendingEvent) {
			return echo.NewHTTPError(http.StatusConflict, "Confirmation window already closed.")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to signal workflow")
	}
	h.logger.Info("confirmation signal raised", "operation", op.Identifier(), "instance", inst.ID)

	return c.JSON(http.StatusOK, map[string]string{"status": "confirmed"})
}

// confirmRecord applies the Confirmed transition with a short re-read loop
// so a concurrent write does not surface as a user-visible failure.
func (h *Handler) confirmRecord(ctx context.Context, id string) (*domain.CreditOperation, error) {
	for attempt := 0; ; attempt++ {
		op, err := h.ops.Get(ctx, id, id)
		if err != nil {
			return nil, err
		}
		if err := op.Confirm(); err != nil {
			return nil, err
		}
		err = h.ops.Replace(ctx, op)
		if err == nil {
			return op, nil
		}
		if !errors.Is(err, repository.ErrConflict) || attempt >= 2 {
			return nil, err
		}
	}
}

// GetOperation returns the stored record of an operation.
// (GET /api/v1/operations/:id)
func (h *Handler) GetOperation(c echo.Context) error {
	id := c.Param("id")
	op, err := h.ops.Get(c.Request().Context(), id, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Operation does not exist.")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load operation")
	}
	return c.JSON(http.StatusOK, op)
}

// Notifications drains and returns the queued notification lines.
// (GET /api/v1/notifications)
func (h *Handler) Notifications(c echo.Context) error {
	messages, err := h.queue.Drain(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to drain notifications")
	}
	if messages == nil {
		messages = []string{}
	}
	return c.JSON(http.StatusOK, map[string][]string{"notifications": messages})
}

func (h *Handler) addNotification(ctx context.Context, message string) {
	if err := h.queue.Add(ctx, message); err != nil {
		h.logger.Warn("failed to append notification", "error", err)
	}
}
