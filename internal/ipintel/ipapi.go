package ipintel

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const ipAPIFields = "status,message,country,countryCode,regionName,city,timezone,isp,org,as,proxy,hosting"

// IPAPI queries ip-api.com, the primary provider.
type IPAPI struct {
	baseURL string
	client  *http.Client
}

func NewIPAPI(baseURL string, client *http.Client) *IPAPI {
	if client == nil {
		client = &http.Client{}
	}
	return &IPAPI{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (p *IPAPI) Name() string { return "ip-api" }

func (p *IPAPI) Lookup(ctx context.Context, ip, _ string) (Partial, error) {
	endpoint := fmt.Sprintf("%s/json/%s?fields=%s", p.baseURL, url.PathEscape(ip), ipAPIFields)
	payload, err := getJSON(ctx, p.client, endpoint)
	if err != nil {
		return Partial{}, err
	}

	if status := extractNestedString(payload, "status"); status != "success" {
		return Partial{}, fmt.Errorf("%w: %s", ErrNoData, firstNonEmpty(extractNestedString(payload, "message"), status))
	}

	asn, asOrg := splitASOrg(extractNestedString(payload, "as"))
	return Partial{
		Geo: GeoInfo{
			Country:     extractNestedString(payload, "country"),
			CountryCode: extractNestedString(payload, "countryCode"),
			Region:      extractNestedString(payload, "regionName"),
			City:        extractNestedString(payload, "city"),
			Timezone:    extractNestedString(payload, "timezone"),
		},
		ASN:     asn,
		ISP:     firstNonEmpty(extractNestedString(payload, "isp"), extractNestedString(payload, "org"), asOrg),
		Proxy:   extractNestedBool(payload, "proxy"),
		Hosting: extractNestedBool(payload, "hosting"),
	}, nil
}
