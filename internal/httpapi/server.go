package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"vetclinic/queue-service/internal/metrics"
)

type ServerOptions struct {
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Limiter *RateLimiter
	// Realtime serves the SockJS board feed under /realtime when set.
	Realtime http.Handler
}

// NewServer builds the echo instance with the middleware chain and every route.
func NewServer(h *Handler, opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(RequestID())
	e.Use(Recovery(opts.Logger))
	e.Use(Logger(opts.Logger))
	e.Use(Metrics(opts.Metrics))
	if opts.Limiter != nil {
		e.Use(opts.Limiter.Middleware())
	}

	h.Register(e)
	if opts.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(opts.Metrics.Handler()))
	}
	if opts.Realtime != nil {
		e.Any("/realtime/*", echo.WrapHandler(opts.Realtime))
	}
	return e
}
