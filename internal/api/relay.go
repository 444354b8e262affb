package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/metrics"
	"github.com/zyn-codes/somatic/internal/queue"
)

// Submitter is the queue manager as seen by the relay endpoints.
type Submitter interface {
	Enqueue(ctx context.Context, payload json.RawMessage) (queue.Outcome, error)
	Pending(ctx context.Context) []queue.Envelope
}

// NewRelayRouter serves the local endpoints of the relay worker. A submission
// answers 200 when delivered, 202 when queued for retry, 413 when oversize
// and 422 when the backend rejected it.
func NewRelayRouter(sub Submitter, maxPayload int, m *metrics.Metrics, logger *slog.Logger) *gin.Engine {
	if maxPayload <= 0 {
		maxPayload = queue.DefaultMaxPayloadSize
	}
	logger = logging.OrDefault(logger).With("component", "relay")

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	r.POST("/submit", func(c *gin.Context) {
		// one extra byte lets the queue classify oversize bodies itself
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, int64(maxPayload)+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"status": "invalid", "error": err.Error()})
			return
		}

		out, err := sub.Enqueue(c.Request.Context(), json.RawMessage(body))
		switch {
		case errors.Is(err, queue.ErrPayloadTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"status": "rejected", "error": err.Error()})
		case errors.Is(err, queue.ErrInvalidPayload):
			c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "error": err.Error()})
		case errors.Is(err, queue.ErrFatal):
			resp := gin.H{"status": "rejected", "error": err.Error()}
			var fe *queue.FatalError
			if errors.As(err, &fe) && fe.StatusCode > 0 {
				resp["upstream_status"] = fe.StatusCode
			}
			c.JSON(http.StatusUnprocessableEntity, resp)
		case err != nil:
			logger.Error("submission failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "error": err.Error()})
		case out.Delivered:
			c.JSON(http.StatusOK, gin.H{"status": "delivered", "data": out.Data})
		default:
			c.JSON(http.StatusAccepted, gin.H{"status": "queued", "id": out.ID})
		}
	})

	r.GET("/queue", func(c *gin.Context) {
		items := sub.Pending(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
	})

	return r
}
