package domain

import "context"

// Tx is the transactional view used by review mutations. Everything done
// through one Tx commits or fails as a unit, serialized against any other
// transaction touching the same city's aggregate or the same review row.
type Tx interface {
	GetCity(ctx context.Context, cityID string) (*City, error) // nil when absent
	// GetReview reads the current committed row, not a stale snapshot, and
	// locks it so concurrent mutations of the same review serialize.
	GetReview(ctx context.Context, id string) (*Review, error) // nil when absent
	// GetAggregate returns a zero-count aggregate when none is stored yet and
	// takes the per-city write lock that serializes concurrent mutations.
	GetAggregate(ctx context.Context, cityID string) (CityAggregate, error)
	GetMetrics(ctx context.Context, cityID string) (Metrics, error)
	PutReview(ctx context.Context, r Review) error
	DeleteReview(ctx context.Context, id string) error
	PutAggregate(ctx context.Context, a CityAggregate) error
}

// Repository is the persistence boundary over the three collections
// (reviews, city aggregates, metrics) plus the city directory.
type Repository interface {
	// InCityTx runs fn atomically. A conflicting concurrent transaction
	// surfaces as ErrConflict; transactions on disjoint cities do not
	// serialize against each other.
	InCityTx(ctx context.Context, cityID string, fn func(tx Tx) error) error

	GetCity(ctx context.Context, cityID string) (*City, error)
	ListCities(ctx context.Context, limit int) ([]City, error)
	ListCityIDs(ctx context.Context) ([]string, error)
	ListCityCards(ctx context.Context, limit int) ([]CityCard, error)

	GetReview(ctx context.Context, id string) (*Review, error)
	ListCityReviews(ctx context.Context, cityID string, q ReviewPageQuery) ([]Review, error)
	ListUserReviews(ctx context.Context, userID string, limit int) ([]Review, error)
	// ScanCityReviews visits every live review of a city, unbounded.
	// Reconciliation's source of truth.
	ScanCityReviews(ctx context.Context, cityID string, fn func(Review) error) error

	GetAggregate(ctx context.Context, cityID string) (CityAggregate, error)

	GetMetrics(ctx context.Context, cityID string) (Metrics, error)
	// UpsertMetricsFields writes the provided scalars in one atomic step,
	// creating the document if absent. Nil fields are left untouched.
	UpsertMetricsFields(ctx context.Context, cityID string, patch MetricsPatch) error
	// SetMetricsMeta replaces only the owner's meta namespace, as an isolated
	// field-level update. Other owners' namespaces are never touched.
	SetMetricsMeta(ctx context.Context, cityID string, owner MetricsOwner, meta map[string]any) error
}

// Cache is a read-path cache; failures are advisory, never fatal.
type Cache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, v any, ttlSec int) error
	Del(ctx context.Context, key string) error
}

// ReviewPageQuery pages a city's reviews in (createdAt desc, id desc) order.
type ReviewPageQuery struct {
	Limit int
	After *Cursor // nil = start of sequence
}

// CityCard is the directory list projection.
type CityCard struct {
	ID                string
	Slug              string
	Name              *string
	State             *string
	ReviewCount       int
	LivabilityScore   *int
	SafetyScore       *float64
	MedianRent        *float64
	CrimeIndexPer100k *float64
}
