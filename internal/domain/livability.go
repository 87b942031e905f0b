package domain

import "math"

// LivabilityVersion identifies the blend formula below. Any change to the
// weights or inputs must bump this so consumers can tell score epochs apart.
const LivabilityVersion = "v0"

func clamp0to100(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// ComputeLivability blends the subjective review average (overall, 1-10) with
// the objective safety score (0-10 normalized) into a 0-100 value.
//
// Missing inputs stay missing: nil is never treated as 0. With one input the
// score is that component alone; with both it is 0.55*review + 0.45*safety.
// Pure and deterministic; callers must pass fresh inputs every time.
func ComputeLivability(avgOverall *float64, safetyScore *float64) Livability {
	var review, safety *int

	if avgOverall != nil && !math.IsNaN(*avgOverall) && !math.IsInf(*avgOverall, 0) {
		v := clamp0to100(int(math.Round(*avgOverall / 10 * 100)))
		review = &v
	}
	if safetyScore != nil && !math.IsNaN(*safetyScore) && !math.IsInf(*safetyScore, 0) {
		v := clamp0to100(int(math.Round(*safetyScore * 10)))
		safety = &v
	}

	switch {
	case review == nil && safety == nil:
		return Livability{Version: LivabilityVersion, Score: nil}
	case review != nil && safety != nil:
		s := int(math.Round(0.55*float64(*review) + 0.45*float64(*safety)))
		return Livability{Version: LivabilityVersion, Score: &s}
	case review != nil:
		return Livability{Version: LivabilityVersion, Score: review}
	default:
		return Livability{Version: LivabilityVersion, Score: safety}
	}
}
