package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zyn-codes/somatic/internal/delivery"
	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/metrics"
)

const (
	DefaultMaxRetries      = 5
	DefaultSweepInterval   = 30 * time.Second
	DefaultInitialDelay    = 3 * time.Second
	DefaultCleanupInterval = time.Hour
	DefaultMaxAge          = 7 * 24 * time.Hour
)

// Sender performs one delivery attempt.
type Sender interface {
	Send(ctx context.Context, payload json.RawMessage, attempt int) delivery.Result
}

type Config struct {
	MaxRetries      int
	SweepInterval   time.Duration
	InitialDelay    time.Duration
	CleanupInterval time.Duration
	MaxAge          time.Duration
	Backoff         BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:      DefaultMaxRetries,
		SweepInterval:   DefaultSweepInterval,
		InitialDelay:    DefaultInitialDelay,
		CleanupInterval: DefaultCleanupInterval,
		MaxAge:          DefaultMaxAge,
		Backoff:         DefaultBackoff(),
	}
}

type Deps struct {
	Store   *Store
	Sender  Sender
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
	Rand    func() float64
}

// Outcome tells the caller what happened to a submission.
type Outcome struct {
	Delivered bool
	Queued    bool
	ID        string
	Data      json.RawMessage
}

// SweepStats summarises one pass over the queue.
type SweepStats struct {
	Sent      int
	Retried   int
	Dropped   int
	Skipped   int
	Coalesced bool
}

// Manager sends submissions immediately when it can and otherwise keeps them
// in the Store, retrying with backoff from a single background loop.
type Manager struct {
	store   *Store
	sender  Sender
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	random  func() float64

	startOnce sync.Once
	sweepMu   sync.Mutex
	trigger   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(deps Deps, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.Backoff.MaxDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Manager{
		store:   deps.Store,
		sender:  deps.Sender,
		cfg:     cfg,
		logger:  logging.OrDefault(deps.Logger).With("component", "queue"),
		metrics: deps.Metrics,
		now:     deps.Now,
		random:  deps.Rand,
		trigger: make(chan struct{}, 1),
	}
}

// Enqueue tries to deliver payload right away. Only a retryable failure puts
// it on the queue; a fatal failure is returned to the caller and nothing is
// stored.
func (m *Manager) Enqueue(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	if err := m.store.Validate(payload); err != nil {
		return Outcome{}, err
	}

	res := m.sender.Send(ctx, payload, 0)
	m.metrics.ObserveDelivery(res.Outcome())

	if res.Success {
		return Outcome{Delivered: true, Data: res.Data}, nil
	}
	if !res.Retryable {
		m.logger.Warn("submission rejected", "status", res.StatusCode, "error", res.Err)
		return Outcome{}, &FatalError{StatusCode: res.StatusCode, Err: res.Err}
	}

	now := m.now()
	env := Envelope{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		Status:      StatusPending,
		LastAttempt: &now,
		LastError:   errString(res.Err),
		Payload:     payload,
	}
	if err := m.store.Push(context.WithoutCancel(ctx), env); err != nil {
		return Outcome{}, err
	}
	m.metrics.SetQueueDepth(m.store.Len(ctx))
	m.logger.Info("submission queued", "id", env.ID, "error", env.LastError)

	m.Start(context.WithoutCancel(ctx))
	return Outcome{Queued: true, ID: env.ID}, nil
}

// Start launches the background loop once per Manager; later calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})

		m.mu.Lock()
		m.cancel = cancel
		m.done = done
		m.mu.Unlock()

		go m.run(runCtx, done)
	})
}

// Stop cancels the background loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// NotifyReconnect asks for a sweep after the network came back.
func (m *Manager) NotifyReconnect() { m.kick("reconnect") }

// NotifyResume asks for a sweep after the application became active again.
func (m *Manager) NotifyResume() { m.kick("resume") }

func (m *Manager) kick(reason string) {
	select {
	case m.trigger <- struct{}{}:
		m.logger.Debug("sweep requested", "reason", reason)
	default:
	}
}

// Pending returns a snapshot of the stored queue.
func (m *Manager) Pending(ctx context.Context) []Envelope {
	return m.store.Read(ctx)
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	if n := m.recoverInFlight(ctx); n > 0 {
		m.logger.Info("reset submissions left in flight", "count", n)
	}

	initial := time.NewTimer(m.cfg.InitialDelay)
	defer initial.Stop()
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(m.cfg.CleanupInterval)
	defer cleanup.Stop()

	m.logger.Info("queue loop started", "interval", m.cfg.SweepInterval, "max_retries", m.cfg.MaxRetries)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("queue loop stopping", "reason", ctx.Err())
			return
		case <-initial.C:
			m.Cleanup(ctx)
			m.Sweep(ctx)
		case <-sweep.C:
			m.Sweep(ctx)
		case <-m.trigger:
			m.Sweep(ctx)
		case <-cleanup.C:
			m.Cleanup(ctx)
		}
	}
}

// recoverInFlight returns envelopes a previous process left in processing
// back to pending; nothing can be sending them before the loop starts.
func (m *Manager) recoverInFlight(ctx context.Context) int {
	return m.store.UpdateWhere(ctx,
		func(e Envelope) bool { return e.Status == StatusProcessing },
		func(e *Envelope) { e.Status = StatusPending },
	)
}

// Sweep makes one pass over the queue. A call made while another sweep is
// running returns immediately with Coalesced set.
func (m *Manager) Sweep(ctx context.Context) SweepStats {
	if !m.sweepMu.TryLock() {
		return SweepStats{Coalesced: true}
	}
	defer m.sweepMu.Unlock()

	var stats SweepStats
	for _, item := range m.store.Read(ctx) {
		if ctx.Err() != nil {
			break
		}

		switch {
		case item.Status == StatusProcessing:
			stats.Skipped++
		case item.Attempts >= m.cfg.MaxRetries:
			m.drop(ctx, item, "max_retries")
			stats.Dropped++
		case !m.due(item):
			stats.Skipped++
		default:
			switch m.process(ctx, item) {
			case "success":
				stats.Sent++
			case "retryable":
				stats.Retried++
			case "dropped":
				stats.Dropped++
			}
		}
	}

	m.metrics.SetQueueDepth(m.store.Len(ctx))
	if stats.Sent+stats.Retried+stats.Dropped > 0 {
		m.logger.Info("sweep finished", "sent", stats.Sent, "retried", stats.Retried, "dropped", stats.Dropped, "skipped", stats.Skipped)
	} else {
		m.logger.Debug("sweep finished", "skipped", stats.Skipped)
	}
	return stats
}

func (m *Manager) due(item Envelope) bool {
	if item.LastAttempt == nil {
		return true
	}
	return m.now().Sub(*item.LastAttempt) >= m.cfg.Backoff.Delay(item.Attempts, m.random)
}

func (m *Manager) process(ctx context.Context, item Envelope) string {
	// queue state must be persisted even if ctx is cancelled mid-send
	persistCtx := context.WithoutCancel(ctx)

	attempts := item.Attempts + 1
	stamp := m.now()
	claimed := m.store.Update(persistCtx, item.ID, func(e *Envelope) {
		e.Status = StatusProcessing
		e.LastAttempt = &stamp
		e.Attempts = attempts
	})
	if !claimed {
		return "gone"
	}

	res := m.sender.Send(ctx, item.Payload, attempts)
	m.metrics.ObserveDelivery(res.Outcome())

	switch {
	case res.Success:
		m.store.Remove(persistCtx, item.ID)
		m.logger.Info("submission delivered", "id", item.ID, "attempts", attempts)
		return "success"
	case !res.Retryable:
		m.store.Remove(persistCtx, item.ID)
		m.metrics.ObserveDrop("fatal")
		m.logger.Warn("submission rejected, dropping", "id", item.ID, "status", res.StatusCode, "error", res.Err)
		return "dropped"
	case attempts >= m.cfg.MaxRetries:
		m.store.Remove(persistCtx, item.ID)
		m.metrics.ObserveDrop("max_retries")
		m.logger.Warn("submission exhausted retries, dropping", "id", item.ID, "attempts", attempts, "error", res.Err)
		return "dropped"
	default:
		lastErr := errString(res.Err)
		m.store.Update(persistCtx, item.ID, func(e *Envelope) {
			e.Status = StatusPending
			e.LastError = lastErr
		})
		m.logger.Debug("delivery failed, will retry", "id", item.ID, "attempts", attempts, "error", lastErr)
		return "retryable"
	}
}

func (m *Manager) drop(ctx context.Context, item Envelope, reason string) {
	m.store.Remove(ctx, item.ID)
	m.metrics.ObserveDrop(reason)
	m.logger.Warn("dropping submission", "id", item.ID, "attempts", item.Attempts, "reason", reason, "last_error", item.LastError)
}

// Cleanup removes envelopes older than MaxAge whatever their attempt count.
func (m *Manager) Cleanup(ctx context.Context) int {
	cutoff := m.now().Add(-m.cfg.MaxAge)
	n := m.store.RemoveWhere(ctx, func(e Envelope) bool {
		return e.CreatedAt.Before(cutoff)
	})
	if n > 0 {
		for i := 0; i < n; i++ {
			m.metrics.ObserveDrop("expired")
		}
		m.logger.Info("expired submissions removed", "count", n, "max_age", m.cfg.MaxAge)
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
