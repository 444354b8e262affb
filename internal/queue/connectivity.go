package queue

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zyn-codes/somatic/internal/logging"
)

// ConnectivityMonitor probes a health URL and tracks whether the backend is
// reachable at the network level. Any HTTP response counts as online; only
// transport errors count as offline.
type ConnectivityMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
	online   atomic.Bool

	mu          sync.Mutex
	onReconnect func()
}

func NewConnectivityMonitor(probeURL string, interval, timeout time.Duration, logger *slog.Logger) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c := &ConnectivityMonitor{
		url:      probeURL,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.OrDefault(logger).With("component", "connectivity"),
	}
	c.online.Store(true)
	return c
}

// OnReconnect registers fn to run on every offline to online transition.
func (c *ConnectivityMonitor) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

func (c *ConnectivityMonitor) Online() bool {
	return c.online.Load()
}

// Probe checks reachability once and updates the online state.
func (c *ConnectivityMonitor) Probe(ctx context.Context) bool {
	up := c.check(ctx)
	was := c.online.Swap(up)

	switch {
	case up && !was:
		c.logger.Info("network reachable again")
		c.mu.Lock()
		fn := c.onReconnect
		c.mu.Unlock()
		if fn != nil {
			fn()
		}
	case !up && was:
		c.logger.Warn("network unreachable", "url", c.url)
	}
	return up
}

// Run probes on every interval until ctx is done.
func (c *ConnectivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Probe(ctx)
		}
	}
}

func (c *ConnectivityMonitor) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}
