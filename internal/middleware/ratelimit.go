package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// maxClients bounds the tracked clients. The least recently seen client is
// evicted first.
const maxClients = 10000

// RateLimiter is a fixed-window limiter keyed by client IP.
type RateLimiter struct {
	mu         sync.Mutex
	clients    *lru.Cache[string, *client]
	rate       int
	window     time.Duration
	trustProxy bool
}

type client struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter allows rate requests per window for each client. With
// trustProxy, X-Forwarded-For and X-Real-IP identify the client.
func NewRateLimiter(rate int, window time.Duration, trustProxy bool) *RateLimiter {
	clients, err := lru.New[string, *client](maxClients)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &RateLimiter{
		clients:    clients,
		rate:       rate,
		window:     window,
		trustProxy: trustProxy,
	}
}

// Allow reports whether a request from ip fits in its window, and how long
// until the window resets when it does not.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, ok := rl.clients.Get(ip)
	if !ok || now.Sub(c.lastReset) >= rl.window {
		rl.clients.Add(ip, &client{tokens: rl.rate - 1, lastReset: now})
		return true, 0
	}

	if c.tokens > 0 {
		c.tokens--
		return true, 0
	}
	return false, rl.window - now.Sub(c.lastReset)
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	return rl.clients.Len()
}

// GetClientIP extracts the client IP from the request.
func (rl *RateLimiter) GetClientIP(r *http.Request) string {
	return getClientIP(r, rl.trustProxy)
}

// RateLimit returns middleware that rejects clients over requestsPerMinute
// with 429. Create it once and share it across routes; each call has its
// own counters.
func RateLimit(requestsPerMinute int, trustProxy bool) func(http.Handler) http.Handler {
	if trustProxy {
		log.Warn().Msg("Rate limiter trusts X-Forwarded-For; only enable behind a reverse proxy")
	}
	limiter := NewRateLimiter(requestsPerMinute, time.Minute, trustProxy)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			startTime := time.Now()
			if r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			ok, wait := limiter.Allow(limiter.GetClientIP(r))
			if !ok {
				secs := int(wait.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.", startTime)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// normalizeIP returns the canonical form of an IP, folding IPv4-mapped IPv6
// into IPv4, or the trimmed input when it does not parse.
func normalizeIP(ipStr string) string {
	ipStr = strings.TrimSpace(ipStr)
	if ipStr == "" {
		return ""
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ipStr
	}
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String()
	}
	return ip.String()
}

func getClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if normalized := normalizeIP(first); normalized != "" {
				return normalized
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if normalized := normalizeIP(xri); normalized != "" {
				return normalized
			}
		}
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return normalizeIP(ip)
}
