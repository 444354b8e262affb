package ipintel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// IPWho queries ipwho.is, the unconditional free fallback.
type IPWho struct {
	baseURL string
	client  *http.Client
}

func NewIPWho(baseURL string, client *http.Client) *IPWho {
	if client == nil {
		client = &http.Client{}
	}
	return &IPWho{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *IPWho) Name() string { return "ipwho" }

func (p *IPWho) Lookup(ctx context.Context, ip, _ string) (Partial, error) {
	endpoint := fmt.Sprintf("%s/%s", p.baseURL, url.PathEscape(ip))
	payload, err := getJSON(ctx, p.client, endpoint)
	if err != nil {
		return Partial{}, err
	}

	if ok, exists := asBool(payload["success"]); exists && !ok {
		return Partial{}, fmt.Errorf("%w: %s", ErrNoData, extractNestedString(payload, "message"))
	}

	asn := extractNestedString(payload, "connection", "asn")
	if asn != "" && !strings.HasPrefix(strings.ToUpper(asn), "AS") {
		asn = "AS" + asn
	}

	return Partial{
		Geo: GeoInfo{
			Country:     extractNestedString(payload, "country"),
			CountryCode: extractNestedString(payload, "country_code"),
			Region:      extractNestedString(payload, "region"),
			City:        extractNestedString(payload, "city"),
			Timezone: firstNonEmpty(
				extractNestedString(payload, "timezone", "id"),
				extractNestedString(payload, "timezone"),
			),
		},
		ASN: strings.ToUpper(asn),
		ISP: firstNonEmpty(
			extractNestedString(payload, "connection", "isp"),
			extractNestedString(payload, "connection", "org"),
		),
		Proxy:   extractNestedBool(payload, "security", "proxy"),
		VPN:     extractNestedBool(payload, "security", "vpn"),
		Tor:     extractNestedBool(payload, "security", "tor"),
		Hosting: extractNestedBool(payload, "security", "hosting"),
	}, nil
}
