package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeviceHeader carries the scanning terminal's device fingerprint.
const DeviceHeader = "X-Device-Fingerprint"

// RateLimit configures the per-terminal token bucket.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
	// IdleTTL evicts limiters for terminals that have gone quiet.
	IdleTTL time.Duration
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per terminal before they reach the scan
// pipeline. Terminals are identified by device fingerprint, falling back to
// the client address.
type RateLimiter struct {
	limit    RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	lastGC   time.Time
	clockNow func() time.Time
}

// NewRateLimiter constructs a limiter. Non-positive values fall back to one
// request per second with a burst of one.
func NewRateLimiter(limit RateLimit) *RateLimiter {
	if limit.RequestsPerMinute <= 0 {
		limit.RequestsPerMinute = 60
	}
	if limit.Burst <= 0 {
		limit.Burst = 1
	}
	if limit.IdleTTL <= 0 {
		limit.IdleTTL = 5 * time.Minute
	}
	return &RateLimiter{
		limit:    limit,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// SetNowFunc overrides the limiter clock.
func (r *RateLimiter) SetNowFunc(now func() time.Time) {
	if now != nil {
		r.clockNow = now
	}
}

// Middleware rejects requests once the terminal's bucket is empty.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		now := r.clockNow()
		reservation := r.obtainLimiter(terminalID(req), now).ReserveN(now, 1)
		if !reservation.OK() {
			writeRateLimited(w, time.Minute)
			return
		}
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			writeRateLimited(w, delay)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtainLimiter(id string, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.lastGC) > r.limit.IdleTTL {
		for key, entry := range r.visitors {
			if now.Sub(entry.lastSeen) > r.limit.IdleTTL {
				delete(r.visitors, key)
			}
		}
		r.lastGC = now
	}
	entry, ok := r.visitors[id]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(r.limit.RequestsPerMinute/60.0), r.limit.Burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success":           false,
		"errorCode":         "RATE_LIMIT_EXCEEDED",
		"message":           "Too many requests from this terminal. Try again shortly.",
		"retryAfterSeconds": seconds,
	})
}

func terminalID(r *http.Request) string {
	if device := strings.TrimSpace(r.Header.Get(DeviceHeader)); device != "" {
		return "device:" + device
	}
	return "ip:" + ClientIP(r)
}

// ClientIP resolves the caller address, honouring proxy headers.
func ClientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		first = strings.TrimSpace(first)
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
