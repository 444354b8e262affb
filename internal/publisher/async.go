package publisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/visits"
)

const (
	DefaultBacklog        = 256
	DefaultPublishTimeout = 10 * time.Second
)

// ErrBacklogFull is returned when the async buffer cannot take another event.
var ErrBacklogFull = errors.New("publisher backlog full")

// Pinger is implemented by publishers that can report broker health.
type Pinger interface {
	Ping() error
}

// Async hands visit events to a background worker so callers never block
// on the broker. Events queued when Run exits are discarded.
type Async struct {
	next    Publisher
	timeout time.Duration
	events  chan visits.Visit
	logger  *slog.Logger
}

func NewAsync(next Publisher, backlog int, timeout time.Duration, logger *slog.Logger) *Async {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	return &Async{
		next:    next,
		timeout: timeout,
		events:  make(chan visits.Visit, backlog),
		logger:  logging.OrDefault(logger).With("component", "publisher-async"),
	}
}

// PublishVisit enqueues v without waiting. ctx is ignored; each event gets
// its own timeout inside Run.
func (a *Async) PublishVisit(_ context.Context, v visits.Visit) error {
	select {
	case a.events <- v:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Run publishes queued events one at a time until ctx is done.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			if n := len(a.events); n > 0 {
				a.logger.Warn("discarding unpublished visit events", "count", n)
			}
			return nil
		case v := <-a.events:
			pubCtx, cancel := context.WithTimeout(ctx, a.timeout)
			if err := a.next.PublishVisit(pubCtx, v); err != nil {
				a.logger.Warn("visit event not published", "visit_id", v.ID, "error", err)
			}
			cancel()
		}
	}
}

// Pending reports how many events wait for the worker.
func (a *Async) Pending() int { return len(a.events) }

// Ping forwards to the wrapped publisher when it supports health checks.
func (a *Async) Ping() error {
	if p, ok := a.next.(Pinger); ok {
		return p.Ping()
	}
	return nil
}

func (a *Async) Close() error { return a.next.Close() }
