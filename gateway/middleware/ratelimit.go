package middleware

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"governator/session"
)

// ErrRateLimited is passed to the ErrorWriter when a caller exceeds a limit.
var ErrRateLimited = errors.New("rate limit exceeded")

type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-route token buckets keyed by the signed-in user,
// or by client IP for anonymous callers.
type RateLimiter struct {
	limits  map[string]RateLimit
	onError ErrorWriter
	idle    time.Duration
	nowFn   func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
	swept    time.Time
}

// NewRateLimiter builds per-route token buckets from limits.
func NewRateLimiter(limits map[string]RateLimit, onError ErrorWriter) *RateLimiter {
	return &RateLimiter{
		limits:   limits,
		onError:  onError,
		idle:     10 * time.Minute,
		nowFn:    time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware limits the named route. Unknown names pass through.
func (l *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limit, ok := l.limits[route]
		if !ok || limit.RequestsPerMinute <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.allow(route+"|"+callerKey(r), limit) {
				w.Header().Set("Retry-After", "60")
				l.onError(w, r, ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *RateLimiter) allow(key string, limit RateLimit) bool {
	now := l.nowFn()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) >= l.idle {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) >= l.idle {
				delete(l.visitors, k)
			}
		}
		l.swept = now
	}
	v, ok := l.visitors[key]
	if !ok {
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(limit.RequestsPerMinute/60.0), burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func callerKey(r *http.Request) string {
	if p, ok := session.FromContext(r.Context()); ok {
		return "user:" + p.UserID.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + strings.TrimSpace(host)
}
