package ipintel

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/zyn-codes/somatic/internal/logging"
	"github.com/zyn-codes/somatic/internal/metrics"
)

const (
	DefaultProviderTimeout = 3 * time.Second
	DefaultDeadline        = 8 * time.Second

	privateReputation = 60
	flagReputation    = 100
	hostingASN        = 80
	cloudASN          = 70
)

type Config struct {
	CacheTTL        time.Duration
	ProviderTimeout time.Duration
	// Deadline bounds one whole aggregation across all providers.
	Deadline    time.Duration
	IPAPIURL    string
	IPInfoURL   string
	IPInfoToken string
	IPWhoURL    string
}

// Options carries per-request scoring inputs.
type Options struct {
	// APIKeys overrides configured provider keys, by provider name.
	APIKeys        map[string]string
	UserAgent      string
	ClientTimezone string
	WebRTCIPs      []string
	RTT            time.Duration
	// NoStore serves a live cache entry but keeps a fresh result out of
	// the cache. Set for lookups not made on behalf of the visitor.
	NoStore bool
}

// Aggregator consults providers in a fixed fallback order, merges their
// answers and scores the result. Results are cached per IP.
type Aggregator struct {
	providers       []Provider
	cache           *Cache
	providerTimeout time.Duration
	deadline        time.Duration
	now             func() time.Time
	logger          *slog.Logger
	metrics         *metrics.Metrics
}

// New builds an Aggregator over ip-api, ipinfo and ipwho.
func New(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	client := &http.Client{}
	providers := []Provider{
		NewIPAPI(cfg.IPAPIURL, client),
		NewIPInfo(cfg.IPInfoURL, cfg.IPInfoToken, client),
		NewIPWho(cfg.IPWhoURL, client),
	}
	return NewWithProviders(providers, NewCache(cfg.CacheTTL, nil), cfg, logger, m)
}

// NewWithProviders builds an Aggregator over an explicit provider chain.
func NewWithProviders(providers []Provider, cache *Cache, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	if cache == nil {
		cache = NewCache(cfg.CacheTTL, nil)
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	return &Aggregator{
		providers:       providers,
		cache:           cache,
		providerTimeout: cfg.ProviderTimeout,
		deadline:        cfg.Deadline,
		now:             time.Now,
		logger:          logging.OrDefault(logger).With("component", "ipintel"),
		metrics:         m,
	}
}

func (a *Aggregator) Cache() *Cache { return a.cache }

// GetIPInfo returns the cached result for ip if live, otherwise looks it up.
// It never fails: provider errors become reasons on the result.
func (a *Aggregator) GetIPInfo(ctx context.Context, ip string, opts Options) Result {
	if cached, ok := a.cache.Get(ip); ok {
		a.metrics.ObserveCache(true)
		a.logger.Debug("cache hit", "ip", ip)
		return cached
	}
	a.metrics.ObserveCache(false)

	res := a.lookup(ctx, ip, opts)
	if !opts.NoStore {
		a.cache.Set(ip, res)
	}
	a.metrics.ObserveScore(res.Score)
	return res
}

type merged struct {
	res     Result
	proxy   bool
	vpn     bool
	tor     bool
	hosting bool
}

func (a *Aggregator) lookup(ctx context.Context, ip string, opts Options) Result {
	m := &merged{res: Result{IP: ip, Reasons: []string{}, CheckedAt: a.now().UTC()}}
	parsed := net.ParseIP(strings.TrimSpace(ip))

	switch {
	case parsed == nil:
		m.res.Reasons = append(m.res.Reasons, "Invalid IP address")
	case IsPrivateIP(parsed):
		m.res.SubScores.Reputation = privateReputation
		m.res.Reasons = append(m.res.Reasons, "Private IP detected")
	default:
		a.runProviders(ctx, ip, opts, m)
	}

	a.applyNetworkSignals(m)
	a.applyClientSignals(m, opts)

	m.res.IsProxy = m.proxy || m.vpn || m.tor
	finalize(&m.res, m.vpn)

	a.logger.Debug("ip scored", "ip", ip, "score", m.res.Score, "level", m.res.RiskLevel, "providers", m.res.Providers)
	return m.res
}

func (a *Aggregator) runProviders(ctx context.Context, ip string, opts Options, m *merged) {
	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	for _, p := range a.providers {
		key := opts.APIKeys[p.Name()]
		if kp, ok := p.(KeyedProvider); ok && key == "" && !kp.HasKey() {
			a.metrics.ObserveProvider(p.Name(), "skipped")
			continue
		}
		if ctx.Err() != nil {
			m.res.Reasons = append(m.res.Reasons, "Lookup deadline exceeded")
			a.logger.Warn("aggregation deadline reached", "ip", ip, "next_provider", p.Name())
			return
		}

		pctx, pcancel := context.WithTimeout(ctx, a.providerTimeout)
		part, err := p.Lookup(pctx, ip, key)
		pcancel()

		if err != nil {
			outcome := "error"
			if errors.Is(err, ErrNoData) {
				outcome = "no_data"
			}
			a.metrics.ObserveProvider(p.Name(), outcome)
			a.logger.Warn("provider failed", "provider", p.Name(), "ip", ip, "error", err)
			m.res.Reasons = append(m.res.Reasons, p.Name()+" failed")
			continue
		}

		a.metrics.ObserveProvider(p.Name(), "ok")
		m.merge(p.Name(), part)
		if part.Flagged() {
			return
		}
	}
}

// merge: first writer wins for identity fields, flags are OR'd.
func (m *merged) merge(provider string, p Partial) {
	r := &m.res
	r.Providers = append(r.Providers, provider)

	fill(&r.Geo.Country, p.Geo.Country)
	fill(&r.Geo.CountryCode, p.Geo.CountryCode)
	fill(&r.Geo.Region, p.Geo.Region)
	fill(&r.Geo.City, p.Geo.City)
	fill(&r.Geo.Timezone, p.Geo.Timezone)
	fill(&r.ASN, p.ASN)
	fill(&r.ISP, p.ISP)

	if p.Proxy && !m.proxy {
		r.Reasons = append(r.Reasons, "Proxy flagged by "+provider)
	}
	if p.VPN && !m.vpn {
		r.Reasons = append(r.Reasons, "VPN flagged by "+provider)
	}
	if p.Tor && !m.tor {
		r.Reasons = append(r.Reasons, "Tor exit flagged by "+provider)
	}
	if p.Hosting && !m.hosting {
		r.Reasons = append(r.Reasons, "Hosting network flagged by "+provider)
	}

	m.proxy = m.proxy || p.Proxy
	m.vpn = m.vpn || p.VPN
	m.tor = m.tor || p.Tor
	m.hosting = m.hosting || p.Hosting

	if p.Flagged() {
		r.SubScores.Reputation = max(r.SubScores.Reputation, flagReputation)
	}
	if p.Hosting {
		r.SubScores.ASN = max(r.SubScores.ASN, hostingASN)
	}
}

func (a *Aggregator) applyNetworkSignals(m *merged) {
	r := &m.res
	if (r.ISP != "" || r.ASN != "") && IsCloudProvider(r.ISP, r.ASN) {
		r.SubScores.ASN = max(r.SubScores.ASN, cloudASN)
		r.Reasons = append(r.Reasons, "Cloud provider detected: "+firstNonEmpty(r.ISP, r.ASN))
	}
}

func (a *Aggregator) applyClientSignals(m *merged, opts Options) {
	r := &m.res

	if timezoneMismatch(opts.ClientTimezone, r.Geo.Timezone, a.now()) {
		r.SubScores.Timezone = 100
		r.Reasons = append(r.Reasons, "Timezone mismatch: browser "+opts.ClientTimezone+", IP "+r.Geo.Timezone)
	}
	if webrtcMismatch(r.IP, opts.WebRTCIPs) {
		r.SubScores.WebRTC = 100
		r.Reasons = append(r.Reasons, "WebRTC IP differs from request IP")
	}
	if s := latencyScore(opts.RTT); s > 0 {
		r.SubScores.Latency = s
		r.Reasons = append(r.Reasons, "High network latency ("+opts.RTT.Round(time.Millisecond).String()+")")
	}
	if s, reason := userAgentScore(opts.UserAgent); s > 0 {
		r.SubScores.UserAgent = s
		r.Reasons = append(r.Reasons, reason)
	}
}

func fill(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}
