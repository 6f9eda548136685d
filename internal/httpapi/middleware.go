package httpapi

import (
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"vetclinic/queue-service/internal/metrics"
)

const (
	ClinicHeader = "X-Clinic-ID"
	clinicQuery  = "clinic_id"
	clinicKey    = "clinic_id"
	requestKey   = "request_id"
)

func RequestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			c.Set(requestKey, id)
		},
	})
}

func requestID(c echo.Context) string {
	if id, ok := c.Get(requestKey).(string); ok {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}

func clinicID(c echo.Context) string {
	id, _ := c.Get(clinicKey).(string)
	return id
}

func clinicFromRequest(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClinicHeader)); id != "" {
		return id
	}
	return strings.TrimSpace(r.URL.Query().Get(clinicQuery))
}

// resolveClinic scopes every queue route to the caller's clinic.
func (h *Handler) resolveClinic(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := clinicFromRequest(c.Request())
		if id == "" {
			return writeError(c, http.StatusBadRequest, "clinic_required", "X-Clinic-ID header or clinic_id query is required")
		}
		if !isValidUUID(id) {
			return writeError(c, http.StatusBadRequest, "invalid_request", "clinic id must be a UUID")
		}
		exists, err := h.svc.ClinicExists(c.Request().Context(), id)
		if err != nil {
			return writeServiceError(c, err)
		}
		if !exists {
			return writeError(c, http.StatusNotFound, "clinic_not_found", "clinic not found")
		}
		c.Set(clinicKey, id)
		return next(c)
	}
}

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			evt := logger.Info()
			if err != nil {
				evt = logger.Error().Err(err)
			} else if cause, ok := c.Get("error").(error); ok {
				evt = logger.Error().Err(cause)
			}

			evt.
				Str("request_id", requestID(c)).
				Str("clinic_id", clinicFromRequest(req)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", c.Response().Status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}

func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					var stack [4096]byte
					n := runtime.Stack(stack[:], false)

					logger.Error().
						Str("request_id", requestID(c)).
						Str("panic", fmt.Sprintf("%v", r)).
						Str("stack", string(stack[:n])).
						Msg("panic recovered")

					err = writeError(c, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			return next(c)
		}
	}
}

// Metrics records one observation per request, labelled by route template.
func Metrics(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.ObserveRequest(c.Request().Method, route, status, time.Since(start))
			return err
		}
	}
}
