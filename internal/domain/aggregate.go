package domain

import "time"

// sumEpsilon tolerates float error when checking the non-negativity invariant.
const sumEpsilon = 1e-6

// Livability is the cached derived score stored alongside the aggregate.
// Score is nil when neither input exists yet.
type Livability struct {
	Version string `json:"version"`
	Score   *int   `json:"score"`
}

// CityAggregate is the per-city running total over live reviews.
// Invariant: Count equals the number of Review records for the city and
// Sums[k] equals the sum of their ratings[k] for every key.
type CityAggregate struct {
	CityID     string
	Count      int
	Sums       Vector // aggregate domain: non-negative
	Livability Livability
	UpdatedAt  time.Time
}

// CheckSumsNonNegative guards against silent aggregate corruption. Sums are
// never clamped: clamping would hide the bug that produced the bad delta
// (double delete, lost update). Callers must abort the mutation on error.
func CheckSumsNonNegative(cityID string, sums Vector) error {
	s := NormalizeForAggregation(sums)
	for _, k := range RatingKeys {
		if s[k] < -sumEpsilon {
			return &CorruptionError{CityID: cityID, Key: k, Sum: s[k]}
		}
	}
	return nil
}
