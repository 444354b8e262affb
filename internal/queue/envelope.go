package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
)

// Envelope is one queued submission plus its retry bookkeeping. Payload is
// carried as-is and never inspected.
type Envelope struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"createdAt"`
	Attempts    int             `json:"attempts"`
	Status      Status          `json:"status"`
	LastAttempt *time.Time      `json:"lastAttempt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

var (
	// ErrFatal marks submissions that must not be queued or retried.
	ErrFatal           = errors.New("non-retryable submission")
	ErrPayloadTooLarge = fmt.Errorf("%w: payload exceeds maximum size", ErrFatal)
	ErrInvalidPayload  = fmt.Errorf("%w: payload is not valid JSON", ErrFatal)
)

// FatalError carries the delivery failure that made a submission fatal.
type FatalError struct {
	StatusCode int
	Err        error
}

func (e *FatalError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("submission rejected (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("submission rejected: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }
