package ipintel

import (
	"net"
	"strings"
	"time"
	_ "time/tzdata"
)

var cloudKeywords = []string{
	"amazon", "aws", "google", "gcp", "ovh", "digitalocean", "azure",
	"microsoft", "linode", "vultr", "hetzner", "oracle", "alibaba",
	"upcloud", "scaleway", "contabo", "packet", "cloud", "data center",
	"datacenter",
}

var automationAgents = []string{
	"curl", "wget", "python", "bot", "headless", "phantomjs", "selenium",
	"go-http-client", "java/", "okhttp",
}

// IsCloudProvider matches the combined ISP and ASN against known hosting
// and cloud operators.
func IsCloudProvider(isp, asn string) bool {
	target := strings.ToLower(strings.TrimSpace(isp + " " + asn))
	if target == "" {
		return false
	}
	return hasAny(target, cloudKeywords...)
}

// IsPrivateIP reports loopback, private, link-local and unspecified
// addresses.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// userAgentScore rates a User-Agent header; reason is empty for a clean UA.
func userAgentScore(ua string) (float64, string) {
	ua = strings.ToLower(strings.TrimSpace(ua))
	if ua == "" {
		return 50, "Missing user agent"
	}
	for _, k := range automationAgents {
		if strings.Contains(ua, k) {
			return 100, "Automated client user agent (" + k + ")"
		}
	}
	return 0, ""
}

// timezoneMismatch compares the current UTC offsets of two IANA zones.
// Unknown zones never count as a mismatch.
func timezoneMismatch(client, ipZone string, now time.Time) bool {
	client, ipZone = strings.TrimSpace(client), strings.TrimSpace(ipZone)
	if client == "" || ipZone == "" || client == ipZone {
		return false
	}
	cl, err := time.LoadLocation(client)
	if err != nil {
		return false
	}
	il, err := time.LoadLocation(ipZone)
	if err != nil {
		return false
	}
	_, clientOff := now.In(cl).Zone()
	_, ipOff := now.In(il).Zone()
	return clientOff != ipOff
}

// webrtcMismatch reports public WebRTC candidates none of which is the
// request address.
func webrtcMismatch(requestIP string, candidates []string) bool {
	req := net.ParseIP(strings.TrimSpace(requestIP))
	public := 0
	for _, c := range candidates {
		ip := net.ParseIP(strings.TrimSpace(c))
		if ip == nil || IsPrivateIP(ip) {
			continue
		}
		if req != nil && ip.Equal(req) {
			return false
		}
		public++
	}
	return public > 0
}

func latencyScore(rtt time.Duration) float64 {
	switch {
	case rtt >= 500*time.Millisecond:
		return 100
	case rtt >= 250*time.Millisecond:
		return 50
	default:
		return 0
	}
}
