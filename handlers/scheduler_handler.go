package handlers

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/atlasworks/broadcast-dispatch-service/internal/scheduler"
	"github.com/atlasworks/broadcast-dispatch-service/internal/service"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/response"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/validator"
)

// SchedulerHandler holds the application context, not the request context:
// the poll loop and manual dispatch cycles must outlive the HTTP request
// that triggered them.
type SchedulerHandler struct {
	scheduler *scheduler.Scheduler
	service   *service.BroadcastService
	ctx       context.Context
}

func NewSchedulerHandler(sched *scheduler.Scheduler, svc *service.BroadcastService, ctx context.Context) *SchedulerHandler {
	return &SchedulerHandler{scheduler: sched, service: svc, ctx: ctx}
}

type StartSchedulerRequest struct {
	IntervalSeconds int `json:"intervalSeconds" validate:"omitempty,min=1,max=3600"`
}

// Start godoc
// @Summary Start the scheduler
// @Description Starts the polling loop; an optional interval override applies to this run
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for scheduler control"
// @Param options body StartSchedulerRequest false "Start options"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/scheduler/start [post]
func (h *SchedulerHandler) Start(c echo.Context) error {
	var req StartSchedulerRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	if req.IntervalSeconds > 0 {
		h.scheduler.SetInterval(time.Duration(req.IntervalSeconds) * time.Second)
	}

	if err := h.scheduler.Start(h.ctx); err != nil {
		return response.InternalServerError(c, err)
	}

	return response.OkWithMessage(c, "Scheduler started", h.scheduler.GetStatus())
}

// Stop godoc
// @Summary Stop the scheduler
// @Description Stops the polling loop, waiting for any in-flight tick to finish
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for scheduler control"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/scheduler/stop [post]
func (h *SchedulerHandler) Stop(c echo.Context) error {
	if err := h.scheduler.Stop(); err != nil {
		return response.InternalServerError(c, err)
	}

	return response.OkWithMessage(c, "Scheduler stopped", h.scheduler.GetStatus())
}

// Status godoc
// @Summary Get scheduler status
// @Description Returns the scheduler's running state and tick statistics
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for scheduler control"
// @Success 200 {object} response.SuccessResponse
// @Router /api/v1/scheduler/status [get]
func (h *SchedulerHandler) Status(c echo.Context) error {
	return response.Ok(c, h.scheduler.GetStatus())
}

// Trigger godoc
// @Summary Trigger a tick immediately
// @Description Runs a single scan-and-dispatch cycle now; reports whether the tick ran or was skipped
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for scheduler control"
// @Success 200 {object} response.SuccessResponse
// @Router /api/v1/scheduler/trigger [post]
func (h *SchedulerHandler) Trigger(c echo.Context) error {
	ran := h.scheduler.RunOnce(h.ctx)

	message := "Tick completed"
	if !ran {
		message = "Tick skipped, previous tick still in progress"
	}

	return response.OkWithMessage(c, message, map[string]any{"ran": ran})
}

// Reconcile godoc
// @Summary Requeue stuck broadcasts
// @Description Finds broadcasts stuck in processing past the configured age and returns them to the pending queue
// @Tags scheduler
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for scheduler control"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/admin/reconcile [post]
func (h *SchedulerHandler) Reconcile(c echo.Context) error {
	requeued, err := h.service.ReconcileStuck(h.ctx, time.Now())
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.OkWithMessage(c, "Reconciliation completed", map[string]any{"requeued": requeued})
}
