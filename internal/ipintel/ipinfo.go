package ipintel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// IPInfo queries ipinfo.io. It needs a token; the privacy block is only
// present on plans that include it.
type IPInfo struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewIPInfo(baseURL, token string, client *http.Client) *IPInfo {
	if client == nil {
		client = &http.Client{}
	}
	return &IPInfo{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   strings.TrimSpace(token),
		client:  client,
	}
}

func (p *IPInfo) Name() string { return "ipinfo" }

// HasKey reports whether a token was configured at construction.
func (p *IPInfo) HasKey() bool { return p.token != "" }

func (p *IPInfo) Lookup(ctx context.Context, ip, apiKey string) (Partial, error) {
	token := firstNonEmpty(apiKey, p.token)
	if token == "" {
		return Partial{}, fmt.Errorf("%w: no token", ErrNoData)
	}

	q := url.Values{}
	q.Set("token", token)
	endpoint := fmt.Sprintf("%s/%s?%s", p.baseURL, url.PathEscape(ip), q.Encode())

	payload, err := getJSON(ctx, p.client, endpoint)
	if err != nil {
		return Partial{}, err
	}
	if extractNestedBool(payload, "bogon") {
		return Partial{}, fmt.Errorf("%w: bogon address", ErrNoData)
	}
	if msg := extractNestedString(payload, "error", "message"); msg != "" {
		return Partial{}, fmt.Errorf("%w: %s", ErrNoData, msg)
	}

	asn, org := splitASOrg(extractNestedString(payload, "org"))
	return Partial{
		Geo: GeoInfo{
			CountryCode: extractNestedString(payload, "country"),
			Region:      extractNestedString(payload, "region"),
			City:        extractNestedString(payload, "city"),
			Timezone:    extractNestedString(payload, "timezone"),
		},
		ASN:     asn,
		ISP:     org,
		Proxy:   extractNestedBool(payload, "privacy", "proxy") || extractNestedBool(payload, "privacy", "relay"),
		VPN:     extractNestedBool(payload, "privacy", "vpn"),
		Tor:     extractNestedBool(payload, "privacy", "tor"),
		Hosting: extractNestedBool(payload, "privacy", "hosting"),
	}, nil
}
