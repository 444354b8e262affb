package ipintel

import (
	"context"
	"errors"
	"time"
)

// ErrNoData is returned by a provider that answered but had nothing usable.
var ErrNoData = errors.New("no usable data")

type GeoInfo struct {
	Country     string `json:"country,omitempty"`
	CountryCode string `json:"countryCode,omitempty"`
	Region      string `json:"region,omitempty"`
	City        string `json:"city,omitempty"`
	Timezone    string `json:"timezone,omitempty"`
}

// SubScores are the independent risk components, each in [0,100].
type SubScores struct {
	Reputation float64 `json:"reputation"`
	ASN        float64 `json:"asn"`
	Timezone   float64 `json:"timezone"`
	WebRTC     float64 `json:"webrtc"`
	Latency    float64 `json:"latency"`
	UserAgent  float64 `json:"userAgent"`
}

// Result is the merged and scored intelligence for one IP address.
type Result struct {
	IP           string    `json:"ip"`
	Score        float64   `json:"score"`
	RiskLevel    string    `json:"riskLevel"`
	Reasons      []string  `json:"reasons"`
	VPNDetected  bool      `json:"vpnDetected"`
	IsProxy      bool      `json:"isProxy"`
	IsSuspicious bool      `json:"isSuspicious"`
	Geo          GeoInfo   `json:"geoInfo"`
	ASN          string    `json:"asn,omitempty"`
	ISP          string    `json:"isp,omitempty"`
	SubScores    SubScores `json:"subScores"`
	Providers    []string  `json:"providers,omitempty"`
	CheckedAt    time.Time `json:"checkedAt"`
}

// Partial is one provider's answer normalized to the common shape.
type Partial struct {
	Geo     GeoInfo
	ASN     string
	ISP     string
	Proxy   bool
	VPN     bool
	Tor     bool
	Hosting bool
}

// Flagged reports a positive proxy, VPN or Tor signal.
func (p Partial) Flagged() bool {
	return p.Proxy || p.VPN || p.Tor
}

// Provider is one external lookup service.
type Provider interface {
	Name() string
	// Lookup queries the service once. apiKey is empty unless the caller
	// supplied one for this provider.
	Lookup(ctx context.Context, ip, apiKey string) (Partial, error)
}

// KeyedProvider is only consulted when an API key is available for it.
type KeyedProvider interface {
	Provider
	HasKey() bool
}
