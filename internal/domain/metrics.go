package domain

import (
	"math"
	"time"
)

// MetricsOwner names an external pipeline with exclusive write rights over a
// subset of the metrics document.
type MetricsOwner string

const (
	OwnerMetricsSync MetricsOwner = "metricsSync" // Census pipeline
	OwnerSafetySync  MetricsOwner = "safetySync"  // crime data pipeline
)

// MetricsField is a writable scalar of the metrics document.
type MetricsField string

const (
	FieldMedianRent        MetricsField = "medianRent"
	FieldPopulation        MetricsField = "population"
	FieldSafetyScore       MetricsField = "safetyScore"
	FieldCrimeIndexPer100k MetricsField = "crimeIndexPer100k"
)

// ownedFields is the closed ownership table. A write attributed to an owner
// may only touch the fields listed here plus its own meta namespace.
var ownedFields = map[MetricsOwner]map[MetricsField]bool{
	OwnerMetricsSync: {FieldPopulation: true, FieldMedianRent: true},
	OwnerSafetySync:  {FieldSafetyScore: true, FieldCrimeIndexPer100k: true},
}

// Known reports whether o is a registered owner.
func (o MetricsOwner) Known() bool { return ownedFields[o] != nil }

// Owns reports whether o has write rights over f.
func (o MetricsOwner) Owns(f MetricsField) bool { return ownedFields[o][f] }

// Metrics is the externally-populated objective document for one city.
// Nil means "unknown", never 0. SafetyScore is on the normalized 0-10 scale.
type Metrics struct {
	CityID            string
	MedianRent        *float64
	Population        *float64
	SafetyScore       *float64
	CrimeIndexPer100k *float64
	Meta              map[MetricsOwner]map[string]any
	UpdatedAt         time.Time
}

// MetricsPatch is a partial metrics write. Nil fields are "not provided" and
// must never erase what another writer stored.
type MetricsPatch struct {
	MedianRent        *float64
	Population        *float64
	SafetyScore       *float64
	CrimeIndexPer100k *float64
	Meta              map[string]any
}

// ProjectOwned strips from p every scalar the owner does not own. Unowned
// fields are dropped silently, not nulled. Meta passes through; the store
// writes it under the owner's namespace only.
func ProjectOwned(p MetricsPatch, owner MetricsOwner) MetricsPatch {
	out := MetricsPatch{Meta: p.Meta}
	if owner.Owns(FieldMedianRent) {
		out.MedianRent = p.MedianRent
	}
	if owner.Owns(FieldPopulation) {
		out.Population = p.Population
	}
	if owner.Owns(FieldSafetyScore) {
		out.SafetyScore = normalizedSafetyPtr(p.SafetyScore)
	}
	if owner.Owns(FieldCrimeIndexPer100k) {
		out.CrimeIndexPer100k = p.CrimeIndexPer100k
	}
	return out
}

// NormalizeSafetyScore maps a stored safety score to the 0-10 scale.
// Values above 10 are assumed to be on the legacy 0-100 scale and divided by
// 10. One-way read shim; the stored value is not migrated.
func NormalizeSafetyScore(raw float64) float64 {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return 0
	}
	v := raw
	if v > 10 {
		v = v / 10
	}
	if v < 0 {
		v = 0
	}
	if v > 10 {
		v = 10
	}
	return math.Round(v*10) / 10
}

func normalizedSafetyPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := NormalizeSafetyScore(*p)
	return &v
}
