package rest

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const visitorTTL = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps a token bucket per client address. Buckets idle for visitorTTL are dropped.
type IPRateLimiter struct {
	limit rate.Limit
	burst int
	clock clockwork.Clock

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastPrune time.Time
}

// NewIPRateLimiter allows rps requests per second per address with bursts of burst.
// A non-positive rps disables limiting.
func NewIPRateLimiter(rps float64, burst int, clock clockwork.Clock) *IPRateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &IPRateLimiter{
		limit:     rate.Limit(rps),
		burst:     max(burst, 1),
		clock:     clock,
		visitors:  make(map[string]*visitor),
		lastPrune: clock.Now(),
	}
}

// Allow reports whether a request from ip may proceed now.
func (l *IPRateLimiter) Allow(ip string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}

	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastPrune) > visitorTTL {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, k)
			}
		}

		l.lastPrune = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}

	v.lastSeen = now

	return v.limiter.AllowN(now, 1)
}

// Middleware rejects requests over the limit with 429. It keys on RemoteAddr, so it belongs after
// chi's RealIP middleware when running behind a proxy.
func (l *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Code: codeRateLimited, Message: "too many requests"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
