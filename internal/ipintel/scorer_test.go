package ipintel

import (
	"math"
	"math/rand"
	"testing"
)

func TestWeightsSumToOne(t *testing.T) {
	sum := WeightReputation + WeightASN + WeightTimezone + WeightWebRTC + WeightLatency + WeightUserAgent
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("weights sum to %v", sum)
	}
}

func TestScoreBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		s := SubScores{
			Reputation: rng.Float64() * 100,
			ASN:        rng.Float64() * 100,
			Timezone:   rng.Float64() * 100,
			WebRTC:     rng.Float64() * 100,
			Latency:    rng.Float64() * 100,
			UserAgent:  rng.Float64() * 100,
		}
		if got := Score(s); got < 0 || got > 100 {
			t.Fatalf("score %v out of range for %+v", got, s)
		}
	}

	all := SubScores{100, 100, 100, 100, 100, 100}
	if got := Score(all); got != 100 {
		t.Fatalf("all-max score = %v", got)
	}
	over := SubScores{500, -20, math.NaN(), 100, 100, 100}
	if got := Score(over); got < 0 || got > 100 {
		t.Fatalf("out-of-range inputs not clamped: %v", got)
	}
}

func TestRiskLevel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{0, RiskLow},
		{29.99, RiskLow},
		{30, RiskMedium},
		{49.99, RiskMedium},
		{50, RiskHigh},
		{70, RiskHigh},
		{70.01, RiskCritical},
		{100, RiskCritical},
	}
	for _, tt := range tests {
		if got := RiskLevel(tt.score); got != tt.want {
			t.Errorf("RiskLevel(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestFinalizeThresholds(t *testing.T) {
	r := Result{SubScores: SubScores{Reputation: 100, ASN: 100, WebRTC: 100}}
	finalize(&r, false)
	if r.Score != 75 || !r.VPNDetected || !r.IsSuspicious {
		t.Fatalf("unexpected %+v", r)
	}

	r = Result{}
	finalize(&r, true)
	if !r.VPNDetected || r.IsSuspicious {
		t.Fatalf("raw VPN flag should set vpnDetected only: %+v", r)
	}
}

func TestFinalizeThresholdsUseUnroundedScore(t *testing.T) {
	above := Result{SubScores: SubScores{Reputation: 100, ASN: 100, Timezone: 100, Latency: 0.08}}
	finalize(&above, false)
	if above.Score != 70 {
		t.Fatalf("displayed score = %v, want 70", above.Score)
	}
	if !above.VPNDetected || above.RiskLevel != RiskCritical {
		t.Fatalf("70.004 must count as VPN/critical: %+v", above)
	}

	below := Result{SubScores: SubScores{Reputation: 100, ASN: 100, Timezone: 99.96}}
	finalize(&below, false)
	if below.Score != 70 {
		t.Fatalf("displayed score = %v, want 70", below.Score)
	}
	if below.VPNDetected || below.RiskLevel != RiskHigh {
		t.Fatalf("69.996 must stay high without VPN: %+v", below)
	}
}
