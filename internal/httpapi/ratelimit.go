package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// sweepInterval bounds how often idle keys are evicted from a keyedLimiter.
const sweepInterval = time.Minute

type RateLimitConfig struct {
	IPPerMinute     int
	IPBurst         int
	ClinicPerMinute int
	ClinicBurst     int
}

type RateLimiter struct {
	ipLimiter     *keyedLimiter
	clinicLimiter *keyedLimiter
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:     newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst),
		clinicLimiter: newKeyedLimiter(cfg.ClinicPerMinute, cfg.ClinicBurst),
	}
}

func (l *RateLimiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if ip := c.RealIP(); ip != "" && !l.ipLimiter.allow(ip) {
				return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			}
			if clinic := clinicFromRequest(c.Request()); clinic != "" && !l.clinicLimiter.allow(clinic) {
				return writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
			}
			return next(c)
		}
	}
}

// keyedLimiter keeps one token bucket per key. A bucket that has refilled to
// its burst is indistinguishable from a new one, so the sweep drops it.
type keyedLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	limiters  map[string]*rate.Limiter
	lastSweep time.Time
	now       func() time.Time
}

func newKeyedLimiter(perMinute, burst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = 20
	}
	return &keyedLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= sweepInterval {
		l.sweep(now)
	}
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = limiter
	}
	return limiter.AllowN(now, 1)
}

func (l *keyedLimiter) sweep(now time.Time) {
	for key, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

func (l *keyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
