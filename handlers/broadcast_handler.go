package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/atlasworks/broadcast-dispatch-service/internal/domain"
	"github.com/atlasworks/broadcast-dispatch-service/internal/service"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/response"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/validator"
)

type BroadcastHandler struct {
	service *service.BroadcastService
}

func NewBroadcastHandler(service *service.BroadcastService) *BroadcastHandler {
	return &BroadcastHandler{service: service}
}

type CreateBroadcastRequest struct {
	Title       string    `json:"title" validate:"required,max=255"`
	Body        string    `json:"body" validate:"required"`
	Channel     string    `json:"channel" validate:"omitempty,oneof=email sms push"`
	Audience    string    `json:"audience" validate:"omitempty,max=100"`
	ScheduledAt time.Time `json:"scheduledAt" validate:"required"`
}

// CreateBroadcast godoc
// @Summary Schedule a broadcast
// @Description Creates a pending broadcast that the scheduler will dispatch once due
// @Tags broadcasts
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Param broadcast body CreateBroadcastRequest true "Broadcast to schedule"
// @Success 201 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/broadcasts [post]
func (h *BroadcastHandler) CreateBroadcast(c echo.Context) error {
	var req CreateBroadcastRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, err)
	}

	if err := c.Validate(&req); err != nil {
		return validator.HandleValidationError(c, err)
	}

	b, err := h.service.CreateBroadcast(
		c.Request().Context(),
		req.Title, req.Body, req.Channel, req.Audience,
		req.ScheduledAt,
	)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Created(c, "Broadcast scheduled successfully", b)
}

// GetBroadcasts godoc
// @Summary List broadcasts
// @Description Retrieves a paginated list of broadcasts with optional status filter
// @Tags broadcasts
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Param page query int false "Page number (default: 1)"
// @Param pageSize query int false "Page size (default: 20, max: 100)"
// @Param status query string false "Filter by status (pending, processing, sent, partially_sent, failed, cancelled)"
// @Success 200 {object} response.PaginatedResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/broadcasts [get]
func (h *BroadcastHandler) GetBroadcasts(c echo.Context) error {
	page, pageSize, err := parsePaginationParams(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	statusStr := c.QueryParam("status")

	var status *domain.BroadcastStatus
	if statusStr != "" {
		parsedStatus := domain.BroadcastStatus(statusStr)
		status = &parsedStatus
	}

	broadcasts, totalCount, err := h.service.GetBroadcasts(c.Request().Context(), status, page, pageSize)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Paginated(c, broadcasts, page, pageSize, totalCount)
}

// GetBroadcast godoc
// @Summary Get one broadcast
// @Description Returns a single broadcast including its current status and result reference
// @Tags broadcasts
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Param id path int true "Broadcast ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/v1/broadcasts/{id} [get]
func (h *BroadcastHandler) GetBroadcast(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	b, err := h.service.GetBroadcast(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return response.NotFound(c, err.Error())
		}
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, b)
}

// CancelBroadcast godoc
// @Summary Cancel a pending broadcast
// @Description Cancels a broadcast that has not been claimed yet; processing or terminal broadcasts report a conflict
// @Tags broadcasts
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Param id path int true "Broadcast ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Failure 409 {object} response.ErrorResponse
// @Router /api/v1/broadcasts/{id}/cancel [post]
func (h *BroadcastHandler) CancelBroadcast(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	if err := h.service.CancelBroadcast(c.Request().Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return response.NotFound(c, err.Error())
		case errors.Is(err, domain.ErrNotPending):
			return response.Conflict(c, err)
		default:
			return response.InternalServerError(c, err)
		}
	}

	return response.OkWithMessage(c, "Broadcast cancelled", map[string]any{"id": id})
}

// GetMessageLogs godoc
// @Summary List message logs for a broadcast
// @Description Returns the audit records of every dispatch attempt for a broadcast, newest first
// @Tags broadcasts
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Param id path int true "Broadcast ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/broadcasts/{id}/logs [get]
func (h *BroadcastHandler) GetMessageLogs(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	logs, err := h.service.GetMessageLogs(c.Request().Context(), id)
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, logs)
}

// GetMessageLog godoc
// @Summary Get one message log
// @Description Returns a single audit record with its per-recipient outcomes
// @Tags logs
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Param id path int true "Message log ID"
// @Success 200 {object} response.SuccessResponse
// @Failure 400 {object} response.ErrorResponse
// @Failure 404 {object} response.ErrorResponse
// @Router /api/v1/logs/{id} [get]
func (h *BroadcastHandler) GetMessageLog(c echo.Context) error {
	id, err := parseIDParam(c)
	if err != nil {
		return response.BadRequest(c, err)
	}

	log, err := h.service.GetMessageLog(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return response.NotFound(c, err.Error())
		}
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, log)
}

// GetStats godoc
// @Summary Get broadcast statistics
// @Description Returns broadcast counts grouped by status
// @Tags broadcasts
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/broadcasts/stats [get]
func (h *BroadcastHandler) GetStats(c echo.Context) error {
	stats, err := h.service.GetStats(c.Request().Context())
	if err != nil {
		return response.InternalServerError(c, err)
	}

	var total int64
	for _, count := range stats {
		total += count
	}

	return response.Ok(c, map[string]any{
		"byStatus": stats,
		"total":    total,
	})
}

// GetCachedReports godoc
// @Summary Get cached dispatch reports
// @Description Returns the latest dispatch summary per broadcast from the report cache
// @Tags broadcasts
// @Accept json
// @Produce json
// @Param x-api-key header string true "API key for broadcasts"
// @Success 200 {object} response.SuccessResponse
// @Failure 500 {object} response.ErrorResponse
// @Router /api/v1/broadcasts/reports [get]
func (h *BroadcastHandler) GetCachedReports(c echo.Context) error {
	reports, err := h.service.GetCachedReports(c.Request().Context())
	if err != nil {
		return response.InternalServerError(c, err)
	}

	return response.Ok(c, reports)
}

func parseIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id")
	}
	return id, nil
}

func parsePaginationParams(c echo.Context) (int, int, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)

	pageStr := c.QueryParam("page")
	pageSizeStr := c.QueryParam("pageSize")

	page := defaultPage
	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p <= 0 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
		page = p
	}

	pageSize := defaultPageSize
	if pageSizeStr != "" {
		ps, err := strconv.Atoi(pageSizeStr)
		if err != nil || ps <= 0 || ps > maxPageSize {
			return 0, 0, fmt.Errorf("pageSize must be between 1 and %d", maxPageSize)
		}

		pageSize = ps
	}

	return page, pageSize, nil
}
