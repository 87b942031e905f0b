package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound: a referenced entity (review, city record on reads) is absent.
	ErrNotFound = errors.New("not found")
	// ErrCityNotFound: the precondition city for a review mutation is absent.
	ErrCityNotFound = errors.New("city not found")
	// ErrConflict: the store detected a transactional conflict. Retryable.
	ErrConflict = errors.New("store conflict")
	// ErrUnauthenticated: no verified user identity on the request.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// ValidationError carries every violated field of a malformed request.
// Always recoverable; nothing was written.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Errors, "; ")
}

// CorruptionError means an aggregate's sums invariant broke. It signals a
// prior bug (double delete, lost update) and must never be auto-corrected;
// reconciliation is the only sanctioned repair path.
type CorruptionError struct {
	CityID string
	Key    RatingKey
	Sum    float64
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("city_stats sums went negative for %s.%s (%g)", e.CityID, e.Key, e.Sum)
}

// ConfigError is fatal at startup, never per-request.
type ConfigError struct {
	Key string
}

func (e *ConfigError) Error() string { return "missing required config: " + e.Key }
