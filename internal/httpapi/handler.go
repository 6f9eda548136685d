// Package httpapi exposes the queue over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"vetclinic/queue-service/internal/models"
	"vetclinic/queue-service/internal/queue"
	"vetclinic/queue-service/internal/store"
)

// QueueService is the part of queue.Service the handlers call.
type QueueService interface {
	CheckIn(ctx context.Context, clinicID, appointmentID string) (queue.Projection, error)
	WalkIn(ctx context.Context, clinicID string, req queue.WalkInRequest) (queue.Projection, error)
	UpdateStatus(ctx context.Context, clinicID, entryID string, status models.QueueStatus) (queue.Projection, error)
	Assign(ctx context.Context, clinicID, entryID, providerID string, room *string) (queue.Projection, error)
	TodayQueue(ctx context.Context, clinicID string) ([]queue.Projection, error)
	ActiveQueue(ctx context.Context, clinicID string) ([]queue.Projection, error)
	NextForProvider(ctx context.Context, clinicID, providerID string) (queue.Projection, bool, error)
	EstimatedWait(ctx context.Context, clinicID, entryID string) (int, error)
	History(ctx context.Context, clinicID, entryID string) (queue.History, error)
	ClinicExists(ctx context.Context, clinicID string) (bool, error)
}

type Handler struct {
	svc  QueueService
	ping func(ctx context.Context) error
}

type walkInRequest struct {
	AnimalID        string `json:"animalId"`
	AppointmentType string `json:"appointmentType"`
	Priority        string `json:"priority"`
	Notes           string `json:"notes"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type assignRequest struct {
	VeterinarianID string  `json:"veterinarianId"`
	Room           *string `json:"room"`
}

type waitResponse struct {
	EstimatedWaitMinutes int `json:"estimatedWaitMinutes"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewHandler wires svc behind the routes. ping backs /healthz and may be nil.
func NewHandler(svc QueueService, ping func(ctx context.Context) error) *Handler {
	return &Handler{svc: svc, ping: ping}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.handleHealth)

	api := e.Group("/api/queue", h.resolveClinic)
	api.POST("/check-in/:appointmentId", h.handleCheckIn)
	api.POST("/walk-in", h.handleWalkIn)
	api.GET("/today", h.handleToday)
	api.GET("/active", h.handleActive)
	api.GET("/next/:veterinarianId", h.handleNext)
	api.PATCH("/:id/status", h.handleStatus)
	api.PATCH("/:id/assign", h.handleAssign)
	api.GET("/:id/wait", h.handleWait)
	api.GET("/:id/events", h.handleEvents)
}

func (h *Handler) handleHealth(c echo.Context) error {
	if h.ping != nil {
		if err := h.ping(c.Request().Context()); err != nil {
			return writeError(c, http.StatusServiceUnavailable, "unavailable", "store unavailable")
		}
	}
	return c.NoContent(http.StatusOK)
}

func (h *Handler) handleCheckIn(c echo.Context) error {
	appointmentID, ok := pathUUID(c, "appointmentId")
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request", "appointmentId must be a UUID")
	}
	projection, err := h.svc.CheckIn(c.Request().Context(), clinicID(c), appointmentID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, projection)
}

func (h *Handler) handleWalkIn(c echo.Context) error {
	var req walkInRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
	}
	req.AnimalID = strings.TrimSpace(req.AnimalID)
	if req.AnimalID == "" {
		return writeError(c, http.StatusBadRequest, "invalid_request", "animalId is required")
	}
	if !isValidUUID(req.AnimalID) {
		return writeError(c, http.StatusBadRequest, "invalid_request", "animalId must be a UUID")
	}

	projection, err := h.svc.WalkIn(c.Request().Context(), clinicID(c), queue.WalkInRequest{
		AnimalID:        req.AnimalID,
		AppointmentType: req.AppointmentType,
		Priority:        req.Priority,
		Notes:           strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusCreated, projection)
}

func (h *Handler) handleToday(c echo.Context) error {
	list, err := h.svc.TodayQueue(c.Request().Context(), clinicID(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) handleActive(c echo.Context) error {
	list, err := h.svc.ActiveQueue(c.Request().Context(), clinicID(c))
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) handleNext(c echo.Context) error {
	providerID, ok := pathUUID(c, "veterinarianId")
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request", "veterinarianId must be a UUID")
	}
	projection, found, err := h.svc.NextForProvider(c.Request().Context(), clinicID(c), providerID)
	if err != nil {
		return writeServiceError(c, err)
	}
	if !found {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, projection)
}

func (h *Handler) handleStatus(c echo.Context) error {
	entryID, ok := pathUUID(c, "id")
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request", "queue entry id must be a UUID")
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
	}
	status, ok := models.ParseQueueStatus(req.Status)
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request", "status must be one of WAITING, IN_PROGRESS, COMPLETED, CANCELLED, NO_SHOW")
	}

	projection, err := h.svc.UpdateStatus(c.Request().Context(), clinicID(c), entryID, status)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, projection)
}

func (h *Handler) handleAssign(c echo.Context) error {
	entryID, ok := pathUUID(c, "id")
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request", "queue entry id must be a UUID")
	}
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
	}
	req.VeterinarianID = strings.TrimSpace(req.VeterinarianID)
	if !isValidUUID(req.VeterinarianID) {
		return writeError(c, http.StatusBadRequest, "invalid_request", "veterinarianId must be a UUID")
	}

	projection, err := h.svc.Assign(c.Request().Context(), clinicID(c), entryID, req.VeterinarianID, req.Room)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, projection)
}

func (h *Handler) handleWait(c echo.Context) error {
	entryID, ok := pathUUID(c, "id")
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request", "queue entry id must be a UUID")
	}
	minutes, err := h.svc.EstimatedWait(c.Request().Context(), clinicID(c), entryID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, waitResponse{EstimatedWaitMinutes: minutes})
}

func (h *Handler) handleEvents(c echo.Context) error {
	entryID, ok := pathUUID(c, "id")
	if !ok {
		return writeError(c, http.StatusBadRequest, "invalid_request", "queue entry id must be a UUID")
	}
	history, err := h.svc.History(c.Request().Context(), clinicID(c), entryID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func pathUUID(c echo.Context, name string) (string, bool) {
	value := strings.TrimSpace(c.Param(name))
	return value, isValidUUID(value)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrClinicNotFound):
		return http.StatusNotFound, "clinic_not_found", "clinic not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrAppointmentNotFound):
		return http.StatusNotFound, "appointment_not_found", "appointment not found"
	case errors.Is(err, store.ErrAnimalNotFound):
		return http.StatusNotFound, "animal_not_found", "animal not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, queue.ErrConflict):
		return http.StatusConflict, "conflict", conflictMessage(err)
	case errors.Is(err, queue.ErrNoClinic):
		return http.StatusBadRequest, "no_clinic", "animal has no clinic"
	case errors.Is(err, queue.ErrIllegalTransition):
		return http.StatusBadRequest, "invalid_state", "queue entry state does not allow this transition"
	case errors.Is(err, queue.ErrInvalidState):
		return http.StatusBadRequest, "invalid_state", "queue entry state does not allow this action"
	case errors.Is(err, queue.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

// conflictMessage keeps the detail after the sentinel, e.g. the existing
// queue number of a duplicate check-in.
func conflictMessage(err error) string {
	msg := err.Error()
	if _, detail, ok := strings.Cut(msg, queue.ErrConflict.Error()+": "); ok {
		return detail
	}
	return msg
}

func writeServiceError(c echo.Context, err error) error {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		c.Set("error", err)
	}
	return writeError(c, status, code, msg)
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, errorResponse{
		RequestID: requestID(c),
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}
