package domain_test

import (
	"testing"

	"github.com/aidansoares23/city-insight-server/internal/domain"
)

func TestProjectOwned_MetricsSync(t *testing.T) {
	patch := domain.MetricsPatch{
		Population:        pf(50000),
		MedianRent:        pf(2100),
		SafetyScore:       pf(9.9), // not owned, must be dropped
		CrimeIndexPer100k: pf(120), // not owned, must be dropped
		Meta:              map[string]any{"source": "census"},
	}
	out := domain.ProjectOwned(patch, domain.OwnerMetricsSync)
	if out.Population == nil || *out.Population != 50000 {
		t.Fatalf("population: %v", out.Population)
	}
	if out.MedianRent == nil || *out.MedianRent != 2100 {
		t.Fatalf("medianRent: %v", out.MedianRent)
	}
	if out.SafetyScore != nil {
		t.Fatal("metricsSync must not write safetyScore")
	}
	if out.CrimeIndexPer100k != nil {
		t.Fatal("metricsSync must not write crimeIndexPer100k")
	}
	if out.Meta["source"] != "census" {
		t.Fatalf("meta: %v", out.Meta)
	}
}

func TestProjectOwned_SafetySyncNormalizes(t *testing.T) {
	out := domain.ProjectOwned(domain.MetricsPatch{SafetyScore: pf(73)}, domain.OwnerSafetySync)
	if out.SafetyScore == nil || *out.SafetyScore != 7.3 {
		t.Fatalf("legacy 0-100 score must divide by 10: %v", out.SafetyScore)
	}
}

func TestProjectOwned_AbsentStaysAbsent(t *testing.T) {
	out := domain.ProjectOwned(domain.MetricsPatch{MedianRent: pf(1800)}, domain.OwnerMetricsSync)
	if out.Population != nil {
		t.Fatal("absent field must stay nil, never zeroed")
	}
}

func TestMetricsOwner_Known(t *testing.T) {
	if !domain.OwnerMetricsSync.Known() || !domain.OwnerSafetySync.Known() {
		t.Fatal("registered owners must be known")
	}
	if domain.MetricsOwner("rogue").Known() {
		t.Fatal("unregistered owner must be rejected")
	}
}

func TestNormalizeSafetyScore(t *testing.T) {
	cases := []struct{ in, want float64 }{
		{7.3, 7.3},
		{73, 7.3},   // legacy 0-100 scale
		{10, 10},    // boundary stays as-is
		{105, 10},   // legacy above cap clamps
		{-2, 0},     // negative clamps
		{7.34, 7.3}, // rounds to 0.1
	}
	for _, c := range cases {
		if got := domain.NormalizeSafetyScore(c.in); got != c.want {
			t.Fatalf("NormalizeSafetyScore(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}
