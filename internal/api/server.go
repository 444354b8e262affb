package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zyn-codes/somatic/internal/ipintel"
	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/metrics"
	"github.com/zyn-codes/somatic/internal/publisher"
	"github.com/zyn-codes/somatic/internal/visits"
)

const (
	DefaultMaxPayloadSize = 256 << 10
	defaultListLimit      = 50
	retryAttemptHeader    = "X-Retry-Attempt"
)

// IPIntel is the part of the aggregator the handlers need.
type IPIntel interface {
	GetIPInfo(ctx context.Context, ip string, opts ipintel.Options) ipintel.Result
}

type Deps struct {
	Visits    visits.Repository
	Intel     IPIntel // nil disables lookups
	Publisher publisher.Publisher
	Hub       *Hub
	Auth      *AdminAuth // nil disables admin routes
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// MaxPayloadSize bounds the ingestion body in bytes.
	MaxPayloadSize int
	// APILimit throttles ingestion and AdminLimit the admin routes, per
	// client IP. Zero values disable throttling.
	APILimit   RateLimit
	AdminLimit RateLimit
	Now        func() time.Time
}

type server struct {
	Deps
	logger *slog.Logger
}

// NewRouter wires every HTTP route of the ingestion service.
func NewRouter(d Deps) *gin.Engine {
	if d.MaxPayloadSize <= 0 {
		d.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Publisher == nil {
		d.Publisher = publisher.NewNop(d.Logger)
	}
	s := &server{Deps: d, logger: logging.OrDefault(d.Logger).With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	r.POST("/api/log-visit", limitWith(NewIPLimiter(d.APILimit, nil)), s.logVisit)

	if d.Auth != nil {
		admin := r.Group("/", limitWith(NewIPLimiter(d.AdminLimit, nil)), d.Auth.Middleware())
		admin.GET("/api/clicks", s.listVisits)
		admin.GET("/api/ip-info/:ip", s.ipInfo)
		admin.GET("/admin/visit/:id", s.getVisit)
		if d.Hub != nil {
			admin.GET("/admin/ws", d.Hub.ServeWS)
		}
	}
	return r
}

// scoringHints are the optional client-collected fields used for scoring.
type scoringHints struct {
	TechnicalData struct {
		Timezone  string   `json:"timezone"`
		WebRTCIPs []string `json:"webrtcIps"`
		RTT       float64  `json:"rtt"`
	} `json:"technicalData"`
}

func (s *server) logVisit(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, int64(s.MaxPayloadSize)))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "cannot read body"})
		return
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(body, &object); err != nil || object == nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "body must be a JSON object"})
		return
	}

	now := s.Now()
	v := visits.Visit{
		ID:         visits.NewID(now),
		ReceivedAt: now,
		ClientIP:   ipintel.ClientIP(c.Request),
		UserAgent:  c.Request.UserAgent(),
		Payload:    json.RawMessage(body),
	}
	if raw := c.GetHeader(retryAttemptHeader); raw != "" {
		v.RetryAttempt, _ = strconv.Atoi(raw)
		s.logger.Info("retried submission received", "attempt", v.RetryAttempt, "ip", v.ClientIP)
	}

	if s.Intel != nil && v.ClientIP != "" {
		var hints scoringHints
		_ = json.Unmarshal(body, &hints)
		info := s.Intel.GetIPInfo(c.Request.Context(), v.ClientIP, ipintel.Options{
			UserAgent:      v.UserAgent,
			ClientTimezone: hints.TechnicalData.Timezone,
			WebRTCIPs:      hints.TechnicalData.WebRTCIPs,
			RTT:            time.Duration(hints.TechnicalData.RTT * float64(time.Millisecond)),
		})
		v.IPInfo = &info
	}

	if err := s.Visits.Save(c.Request.Context(), v); err != nil {
		s.logger.Error("visit not stored", "visit_id", v.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "could not store visit"})
		return
	}
	s.Metrics.IncVisits()

	if err := s.Publisher.PublishVisit(c.Request.Context(), v); err != nil {
		s.logger.Warn("visit event not published", "visit_id", v.ID, "error", err)
	}
	s.Hub.Publish(Message{Type: "visit", Data: v})

	attrs := []any{"visit_id", v.ID, "ip", v.ClientIP}
	if v.IPInfo != nil {
		attrs = append(attrs, "score", v.IPInfo.Score, "risk", v.IPInfo.RiskLevel)
	}
	s.logger.Info("visit logged", attrs...)

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"visit_id": v.ID,
		"message":  "Visit logged successfully",
	})
}

func (s *server) listVisits(c *gin.Context) {
	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, visits.MaxListLimit)
	}

	list, err := s.Visits.List(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("list visits failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visits": list, "count": len(list)})
}

func (s *server) getVisit(c *gin.Context) {
	v, err := s.Visits.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, visits.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "visit not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *server) ipInfo(c *gin.Context) {
	ip := c.Param("ip")
	if net.ParseIP(ip) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid ip address"})
		return
	}
	if s.Intel == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ip intelligence disabled"})
		return
	}
	c.JSON(http.StatusOK, s.Intel.GetIPInfo(c.Request.Context(), ip, ipintel.Options{
		UserAgent: c.Request.UserAgent(),
		NoStore:   true,
	}))
}

// health reports broker reachability when the publisher can tell. The
// service still answers ingestion without a broker, so the status stays 200.
func (s *server) health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if p, ok := s.Publisher.(publisher.Pinger); ok {
		resp["rabbitmq_connection"] = "ok"
		if err := p.Ping(); err != nil {
			resp["status"] = "degraded"
			resp["rabbitmq_connection"] = "failed"
		}
	}
	c.JSON(http.StatusOK, resp)
}

func limitWith(l *IPLimiter) gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return l.Middleware()
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
