package ipintel

import "math"

// Composite weights. They sum to 1.
const (
	WeightReputation = 0.40
	WeightASN        = 0.20
	WeightTimezone   = 0.10
	WeightWebRTC     = 0.15
	WeightLatency    = 0.05
	WeightUserAgent  = 0.10
)

const (
	VPNThreshold        = 70.0
	SuspiciousThreshold = 50.0
)

const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Score returns the weighted composite of s, clamped to [0,100].
func Score(s SubScores) float64 {
	return round2(rawScore(s))
}

func rawScore(s SubScores) float64 {
	total := WeightReputation*clamp(s.Reputation) +
		WeightASN*clamp(s.ASN) +
		WeightTimezone*clamp(s.Timezone) +
		WeightWebRTC*clamp(s.WebRTC) +
		WeightLatency*clamp(s.Latency) +
		WeightUserAgent*clamp(s.UserAgent)
	return clamp(total)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func RiskLevel(score float64) string {
	switch {
	case score < 30:
		return RiskLow
	case score < 50:
		return RiskMedium
	case score <= VPNThreshold:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// finalize fills the derived fields of r from its sub-scores and raw flags.
func finalize(r *Result, rawVPN bool) {
	// thresholds apply to the unrounded composite
	raw := rawScore(r.SubScores)
	r.Score = round2(raw)
	r.RiskLevel = RiskLevel(raw)
	r.VPNDetected = raw > VPNThreshold || rawVPN
	r.IsSuspicious = raw > SuspiciousThreshold
}
