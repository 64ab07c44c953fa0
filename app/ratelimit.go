package nexus

import (
	"net/http"
	"time"

	"github.com/putto11262002/nexus/core"
	"github.com/putto11262002/nexus/pkg/router"
	"github.com/putto11262002/nexus/pkg/syncmap"
	"golang.org/x/time/rate"
)

var errRateLimited = router.NewJsonError(http.StatusTooManyRequests, "rate limit exceeded")

// writeLimiter throttles writes per signed in user with a token bucket.
type writeLimiter struct {
	limiters *syncmap.SyncMap[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newWriteLimiter(perMinute, burst int) *writeLimiter {
	if burst < 1 {
		burst = 1
	}
	return &writeLimiter{
		limiters: syncmap.New[string, *rate.Limiter](),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    burst,
	}
}

func (l *writeLimiter) get(userID string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(userID); ok {
		return limiter
	}
	limiter, _ := l.limiters.LoadOrStore(userID, rate.NewLimiter(l.limit, l.burst))
	return limiter
}

// Middleware must run after the JWT middleware.
func (l *writeLimiter) Middleware(next http.Handler) router.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) error {
		session := core.SessionFromRequest(r)
		if !l.get(session.UserID).Allow() {
			w.Header().Set("Retry-After", "1")
			return errRateLimited
		}
		next.ServeHTTP(w, r)
		return nil
	}
}
