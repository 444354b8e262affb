package api

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminPasswordHeader = "X-Admin-Password"

	DefaultMaxFailedAttempts = 5
	DefaultLockoutDuration   = 15 * time.Minute
)

type loginAttempt struct {
	failed      int
	lockedUntil time.Time
	lastAttempt time.Time
}

// AdminAuth checks admin requests against a bcrypt hash computed at startup
// and locks a client IP out after repeated failures.
type AdminAuth struct {
	hash      []byte
	maxFailed int
	lockout   time.Duration
	now       func() time.Time

	mu       sync.Mutex
	attempts map[string]loginAttempt
}

// NewAdminAuth returns nil when password is empty, which disables admin routes.
func NewAdminAuth(password string) (*AdminAuth, error) {
	if strings.TrimSpace(password) == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminAuth{
		hash:      hash,
		maxFailed: DefaultMaxFailedAttempts,
		lockout:   DefaultLockoutDuration,
		now:       time.Now,
		attempts:  make(map[string]loginAttempt),
	}, nil
}

// WithLockout overrides the failure threshold and lockout length. Non-positive
// values keep the defaults.
func (a *AdminAuth) WithLockout(maxFailed int, lockout time.Duration) *AdminAuth {
	if a == nil {
		return nil
	}
	if maxFailed > 0 {
		a.maxFailed = maxFailed
	}
	if lockout > 0 {
		a.lockout = lockout
	}
	return a
}

func (a *AdminAuth) Verify(password string) bool {
	if a == nil || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(a.hash, []byte(password)) == nil
}

// Locked reports whether ip is locked out and for how long.
func (a *AdminAuth) Locked(ip string) (bool, time.Duration) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	for key, st := range a.attempts {
		if st.lockedUntil.Before(now) && now.Sub(st.lastAttempt) > a.lockout {
			delete(a.attempts, key)
		}
	}
	st, ok := a.attempts[ip]
	if ok && st.lockedUntil.After(now) {
		return true, st.lockedUntil.Sub(now)
	}
	return false, 0
}

func (a *AdminAuth) failed(ip string) (bool, time.Duration) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.attempts[ip]
	st.lastAttempt = now
	st.failed++
	if st.failed >= a.maxFailed {
		st.failed = 0
		st.lockedUntil = now.Add(a.lockout)
		a.attempts[ip] = st
		return true, a.lockout
	}
	a.attempts[ip] = st
	return false, 0
}

func (a *AdminAuth) succeeded(ip string) {
	a.mu.Lock()
	delete(a.attempts, ip)
	a.mu.Unlock()
}

// Middleware accepts the password from X-Admin-Password or HTTP basic auth.
func (a *AdminAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientKey(c.Request)
		if locked, retry := a.Locked(ip); locked {
			tooManyAttempts(c, retry)
			return
		}

		password := c.GetHeader(adminPasswordHeader)
		if password == "" {
			_, password, _ = c.Request.BasicAuth()
		}
		if !a.Verify(password) {
			if locked, retry := a.failed(ip); locked {
				tooManyAttempts(c, retry)
				return
			}
			c.Header("WWW-Authenticate", `Basic realm="admin"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		a.succeeded(ip)
		c.Next()
	}
}

func tooManyAttempts(c *gin.Context, retry time.Duration) {
	c.Header("Retry-After", strconv.Itoa(retrySeconds(retry)))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":               "too many failed attempts",
		"retry_after_seconds": retrySeconds(retry),
	})
}
