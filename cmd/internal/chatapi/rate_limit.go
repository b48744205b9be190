package chatapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults for the per-user write limit.
const (
	DefaultWriteEvents = 30
	DefaultWriteWindow = 10 * time.Second

	limiterIdleTTL = 10 * time.Minute
)

// WriteLimiter is a per-user token bucket for mutating requests: events per window,
// bursting up to events.
type WriteLimiter struct {
	every rate.Limit
	burst int

	mu    sync.Mutex
	users map[string]*userLimiter
	swept time.Time
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewWriteLimiter builds a limiter; non-positive inputs use the defaults.
func NewWriteLimiter(events int, window time.Duration) *WriteLimiter {
	if events <= 0 {
		events = DefaultWriteEvents
	}
	if window <= 0 {
		window = DefaultWriteWindow
	}
	return &WriteLimiter{
		every: rate.Every(window / time.Duration(events)),
		burst: events,
		users: make(map[string]*userLimiter),
	}
}

// Allow reports whether userID may write at now. When it may not, retryAfter is how long
// until the next token.
func (l *WriteLimiter) Allow(userID string, now time.Time) (ok bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.swept) > limiterIdleTTL {
		for id, u := range l.users {
			if now.Sub(u.seen) > limiterIdleTTL {
				delete(l.users, id)
			}
		}
		l.swept = now
	}

	u := l.users[userID]
	if u == nil {
		u = &userLimiter{lim: rate.NewLimiter(l.every, l.burst)}
		l.users[userID] = u
	}
	u.seen = now

	r := u.lim.ReserveN(now, 1)
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// limitWrites rejects POST, PUT, PATCH and DELETE from a caller over their budget.
// It runs after RequireSession.
func limitWrites(l *WriteLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			sess, _ := SessionFrom(r.Context())
			if ok, retry := l.Allow(sess.UserID, time.Now()); !ok {
				writeRateLimited(w, retry)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many writes")
}
