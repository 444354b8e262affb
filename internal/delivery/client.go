package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"
)

const (
	// DefaultTimeout bounds one delivery attempt, cold starts included.
	DefaultTimeout = 25 * time.Second
	ingestPath     = "/api/log-visit"
	maxBodyBytes   = 1 << 20
)

var (
	ErrTimeout           = errors.New("delivery timed out")
	ErrOffline           = errors.New("network offline")
	ErrMalformedResponse = errors.New("malformed response body")
)

// Connectivity reports whether the network is believed to be up.
type Connectivity interface {
	Online() bool
}

// Result is the outcome of one attempt. Exactly one of Success or Err is set.
type Result struct {
	Success    bool
	Data       json.RawMessage
	Retryable  bool
	StatusCode int
	Err        error
}

// Outcome labels the result as success, retryable or fatal.
func (r Result) Outcome() string {
	switch {
	case r.Success:
		return "success"
	case r.Retryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Client posts opaque submission payloads to the ingestion endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	conn     Connectivity
}

// NewClient builds a client for baseURL. conn may be nil.
func NewClient(baseURL string, timeout time.Duration, conn Connectivity) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		endpoint: baseURL + ingestPath,
		// the per-attempt deadline comes from the request context
		http:    &http.Client{},
		timeout: timeout,
		conn:    conn,
	}
}

// Send performs a single attempt. attempt > 0 is reported in X-Retry-Attempt.
func (c *Client) Send(ctx context.Context, payload json.RawMessage, attempt int) Result {
	if c.conn != nil && !c.conn.Online() {
		return Result{Retryable: true, Err: ErrOffline}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{Err: fmt.Errorf("new request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if attempt > 0 {
		req.Header.Set("X-Retry-Attempt", strconv.Itoa(attempt))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		res := classifyError(err)
		res.StatusCode = resp.StatusCode
		return res
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			StatusCode: resp.StatusCode,
			Retryable:  RetryableStatus(resp.StatusCode),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return Result{Success: true, StatusCode: resp.StatusCode}
	}
	if !json.Valid(body) {
		return Result{StatusCode: resp.StatusCode, Err: ErrMalformedResponse}
	}
	return Result{Success: true, StatusCode: resp.StatusCode, Data: json.RawMessage(body)}
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func classifyError(err error) Result {
	inner := err
	var ue *url.Error
	if errors.As(err, &ue) {
		// *url.Error satisfies net.Error itself; classify what it wraps
		inner = ue.Err
	}

	switch {
	case errors.Is(inner, context.DeadlineExceeded):
		return Result{Retryable: true, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	case errors.Is(inner, context.Canceled):
		return Result{Retryable: true, Err: err}
	case errors.Is(inner, io.EOF), errors.Is(inner, io.ErrUnexpectedEOF):
		return Result{Retryable: true, Err: err}
	case errors.Is(inner, syscall.ECONNREFUSED),
		errors.Is(inner, syscall.ECONNRESET),
		errors.Is(inner, syscall.ENETUNREACH),
		errors.Is(inner, syscall.EHOSTUNREACH):
		return Result{Retryable: true, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(inner, &dnsErr) {
		return Result{Retryable: true, Err: err}
	}
	var opErr *net.OpError
	if errors.As(inner, &opErr) {
		return Result{Retryable: true, Err: err}
	}
	var netErr net.Error
	if errors.As(inner, &netErr) && netErr.Timeout() {
		return Result{Retryable: true, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return Result{Err: err}
}
