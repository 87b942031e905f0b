package domain

import (
	"fmt"
	"math"
	"strings"
)

// RatingKey is one of the five fixed rating dimensions.
type RatingKey string

const (
	KeySafety      RatingKey = "safety"
	KeyCost        RatingKey = "cost"
	KeyTraffic     RatingKey = "traffic"
	KeyCleanliness RatingKey = "cleanliness"
	KeyOverall     RatingKey = "overall"
)

// RatingKeys is the canonical key order. Keep in sync with review validation.
var RatingKeys = []RatingKey{KeySafety, KeyCost, KeyTraffic, KeyCleanliness, KeyOverall}

const MaxCommentLen = 800

// Vector holds a value per rating key. Inputs carry integers in [1,10];
// aggregates carry non-negative sums.
type Vector map[RatingKey]float64

// NormalizeForAggregation coerces v to the fixed key set, substituting 0 for
// missing or non-finite keys. This is aggregation math only; input validation
// is stricter and lives in ValidateRatings.
func NormalizeForAggregation(v Vector) Vector {
	out := make(Vector, len(RatingKeys))
	for _, k := range RatingKeys {
		if x, ok := v[k]; ok && !math.IsNaN(x) && !math.IsInf(x, 0) {
			out[k] = x
		} else {
			out[k] = 0
		}
	}
	return out
}

// Add returns a+b elementwise under the normalize rule.
func Add(a, b Vector) Vector {
	aa, bb := NormalizeForAggregation(a), NormalizeForAggregation(b)
	out := make(Vector, len(RatingKeys))
	for _, k := range RatingKeys {
		out[k] = aa[k] + bb[k]
	}
	return out
}

// Sub returns a-b elementwise under the normalize rule.
func Sub(a, b Vector) Vector {
	aa, bb := NormalizeForAggregation(a), NormalizeForAggregation(b)
	out := make(Vector, len(RatingKeys))
	for _, k := range RatingKeys {
		out[k] = aa[k] - bb[k]
	}
	return out
}

// Averages computes per-key sums[k]/count. Nil per key when count == 0:
// "no reviews" must stay distinguishable from "average of zero".
func Averages(count int, sums Vector) map[RatingKey]*float64 {
	s := NormalizeForAggregation(sums)
	out := make(map[RatingKey]*float64, len(RatingKeys))
	for _, k := range RatingKeys {
		if count > 0 {
			avg := s[k] / float64(count)
			out[k] = &avg
		} else {
			out[k] = nil
		}
	}
	return out
}

// ValidateRatings checks an incoming rating payload: all five keys present,
// each a finite integer in [1,10]. Every violation is reported, not just the
// first. Keys outside the fixed set are ignored.
func ValidateRatings(ratings map[string]*float64) []string {
	var errs []string
	if ratings == nil {
		return []string{"ratings is required (object)"}
	}
	for _, k := range RatingKeys {
		val, ok := ratings[string(k)]
		if !ok || val == nil {
			errs = append(errs, fmt.Sprintf("ratings.%s must be a finite number", k))
			continue
		}
		v := *val
		if math.IsNaN(v) || math.IsInf(v, 0) {
			errs = append(errs, fmt.Sprintf("ratings.%s must be a finite number", k))
			continue
		}
		if v != math.Trunc(v) {
			errs = append(errs, fmt.Sprintf("ratings.%s must be an integer", k))
		}
		if v < 1 || v > 10 {
			errs = append(errs, fmt.Sprintf("ratings.%s must be between 1 and 10", k))
		}
	}
	return errs
}

// ValidateComment enforces the comment length cap. Nil comments are fine.
func ValidateComment(comment *string) []string {
	if comment == nil {
		return nil
	}
	if len([]rune(*comment)) > MaxCommentLen {
		return []string{fmt.Sprintf("comment must be <= %d chars", MaxCommentLen)}
	}
	return nil
}

// RatingsFromInput converts a validated payload into a stored Vector,
// rounding to integers and defaulting missing keys to 0.
func RatingsFromInput(ratings map[string]*float64) Vector {
	out := make(Vector, len(RatingKeys))
	for _, k := range RatingKeys {
		if v, ok := ratings[string(k)]; ok && v != nil && !math.IsNaN(*v) && !math.IsInf(*v, 0) {
			out[k] = math.Round(*v)
		} else {
			out[k] = 0
		}
	}
	return out
}

// NormalizeComment trims whitespace; empty comments become nil.
func NormalizeComment(comment *string) *string {
	if comment == nil {
		return nil
	}
	s := strings.TrimSpace(*comment)
	if s == "" {
		return nil
	}
	return &s
}
