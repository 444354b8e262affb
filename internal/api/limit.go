package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/zyn-codes/somatic/internal/ipintel"
)

const limiterIdleTTL = 30 * time.Minute

// RateLimit allows Requests per Window for each client IP. A zero value
// disables limiting.
type RateLimit struct {
	Requests int
	Window   time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPLimiter is a token bucket per client IP. Idle buckets are pruned.
type IPLimiter struct {
	limit RateLimit
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewIPLimiter returns nil when the limit is disabled.
func NewIPLimiter(limit RateLimit, now func() time.Time) *IPLimiter {
	if limit.Requests <= 0 || limit.Window <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	return &IPLimiter{limit: limit, now: now, clients: make(map[string]*clientLimiter)}
}

// Allow consumes one token for ip. When refused it also returns how long
// until the next token.
func (l *IPLimiter) Allow(ip string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > limiterIdleTTL {
			delete(l.clients, key)
		}
	}

	c, ok := l.clients[ip]
	if !ok {
		every := l.limit.Window / time.Duration(l.limit.Requests)
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Every(every), l.limit.Requests)}
		l.clients[ip] = c
	}
	c.lastSeen = now

	r := c.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Middleware answers 429 with Retry-After once a client exceeds the limit.
func (l *IPLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retry := l.Allow(clientKey(c.Request))
		if !ok {
			c.Header("Retry-After", strconv.Itoa(retrySeconds(retry)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"success":             false,
				"error":               "rate limit exceeded",
				"retry_after_seconds": retrySeconds(retry),
			})
			return
		}
		c.Next()
	}
}

func clientKey(r *http.Request) string {
	if ip := ipintel.ClientIP(r); ip != "" {
		return ip
	}
	return "unknown"
}

func retrySeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
