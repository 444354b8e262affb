package visits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zyn-codes/somatic/internal/ipintel"
)

var ErrNotFound = errors.New("visit not found")

// MaxListLimit caps List.
const MaxListLimit = 500

// Visit is one accepted submission with the intelligence gathered for its
// source address. Payload is stored as received.
type Visit struct {
	ID           string          `json:"id"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	ClientIP     string          `json:"clientIp"`
	UserAgent    string          `json:"userAgent"`
	RetryAttempt int             `json:"retryAttempt,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	IPInfo       *ipintel.Result `json:"ipInfo,omitempty"`
}

type Repository interface {
	Save(ctx context.Context, v Visit) error
	Get(ctx context.Context, id string) (Visit, error)
	// List returns the most recent visits, newest first.
	List(ctx context.Context, limit int) ([]Visit, error)
}

// NewID returns an identifier of the form VISIT-<unix>-<HEX8>.
func NewID(now time.Time) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("VISIT-%d-%s", now.Unix(), strings.ToUpper(raw[:8]))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
