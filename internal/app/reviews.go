package app

import (
	"context"
	crand "crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aidansoares23/city-insight-server/internal/adapters/observability"
	"github.com/aidansoares23/city-insight-server/internal/domain"
)

// txAttempts bounds retries on store conflicts before the failure is
// surfaced as a transient error.
const txAttempts = 3

// ReviewService coordinates review mutations: each call runs one per-city
// transaction that writes the review record and the city aggregate together,
// with the cached livability score recomputed from fresh inputs.
type ReviewService struct {
	repo  domain.Repository
	ids   domain.ReviewIDMaker
	cache domain.Cache
	now   func() time.Time
}

func NewReviewService(repo domain.Repository, ids domain.ReviewIDMaker, cache domain.Cache) *ReviewService {
	return &ReviewService{repo: repo, ids: ids, cache: cache, now: time.Now}
}

type UpsertResult struct {
	Created bool
	Review  domain.Review
}

// Upsert creates or replaces the caller's review for a city. The review id is
// deterministic over (user, city), so a resubmission updates in place and the
// aggregate moves by the delta between the new and old ratings.
func (s *ReviewService) Upsert(ctx context.Context, cityID, userID string, ratings map[string]*float64, comment *string) (UpsertResult, error) {
	errs := domain.ValidateRatings(ratings)
	errs = append(errs, domain.ValidateComment(comment)...)
	if len(errs) > 0 {
		observability.ObserveMutation("upsert", "invalid")
		return UpsertResult{}, &domain.ValidationError{Errors: errs}
	}

	cleanUserID := strings.TrimSpace(userID)
	incoming := domain.RatingsFromInput(ratings)
	cleanComment := domain.NormalizeComment(comment)
	reviewID := s.ids.ReviewID(cleanUserID, cityID)

	var out UpsertResult
	err := s.inCityTx(ctx, "upsert", cityID, func(tx domain.Tx) error {
		city, err := tx.GetCity(ctx, cityID)
		if err != nil {
			return err
		}
		if city == nil {
			return domain.ErrCityNotFound
		}

		existing, err := tx.GetReview(ctx, reviewID)
		if err != nil {
			return err
		}
		isNew := existing == nil

		agg, err := tx.GetAggregate(ctx, cityID)
		if err != nil {
			return err
		}
		metrics, err := tx.GetMetrics(ctx, cityID)
		if err != nil {
			return err
		}

		var delta domain.Vector
		deltaCount := 0
		if isNew {
			delta = domain.NormalizeForAggregation(incoming)
			deltaCount = 1
		} else {
			delta = domain.Sub(incoming, existing.Ratings)
		}

		next, err := applyDelta(cityID, agg, deltaCount, delta, metrics, s.now())
		if err != nil {
			return err
		}

		rv := domain.Review{
			ID:        reviewID,
			UserID:    cleanUserID,
			CityID:    cityID,
			Ratings:   incoming,
			Comment:   cleanComment,
			UpdatedAt: next.UpdatedAt,
		}
		if isNew {
			rv.CreatedAt = next.UpdatedAt
		} else {
			rv.CreatedAt = existing.CreatedAt
		}

		if err := tx.PutReview(ctx, rv); err != nil {
			return err
		}
		if err := tx.PutAggregate(ctx, next); err != nil {
			return err
		}
		out = UpsertResult{Created: isNew, Review: rv}
		return nil
	})
	if err != nil {
		observability.ObserveMutation("upsert", outcomeOf(err))
		return UpsertResult{}, err
	}
	observability.ObserveMutation("upsert", "ok")
	s.invalidateCity(ctx, cityID)
	return out, nil
}

// Remove deletes the caller's review and subtracts its ratings from the
// aggregate in the same transaction.
func (s *ReviewService) Remove(ctx context.Context, cityID, userID string) error {
	reviewID := s.ids.ReviewID(strings.TrimSpace(userID), cityID)

	err := s.inCityTx(ctx, "delete", cityID, func(tx domain.Tx) error {
		city, err := tx.GetCity(ctx, cityID)
		if err != nil {
			return err
		}
		if city == nil {
			return domain.ErrCityNotFound
		}

		existing, err := tx.GetReview(ctx, reviewID)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrNotFound
		}

		agg, err := tx.GetAggregate(ctx, cityID)
		if err != nil {
			return err
		}
		metrics, err := tx.GetMetrics(ctx, cityID)
		if err != nil {
			return err
		}

		delta := domain.Sub(nil, existing.Ratings)
		next, err := applyDelta(cityID, agg, -1, delta, metrics, s.now())
		if err != nil {
			return err
		}

		if err := tx.DeleteReview(ctx, reviewID); err != nil {
			return err
		}
		return tx.PutAggregate(ctx, next)
	})
	if err != nil {
		observability.ObserveMutation("delete", outcomeOf(err))
		return err
	}
	observability.ObserveMutation("delete", "ok")
	s.invalidateCity(ctx, cityID)
	return nil
}

// GetMine returns the caller's review for a city, or nil when none exists.
func (s *ReviewService) GetMine(ctx context.Context, cityID, userID string) (*domain.Review, error) {
	reviewID := s.ids.ReviewID(strings.TrimSpace(userID), cityID)
	return s.repo.GetReview(ctx, reviewID)
}

// applyDelta folds one mutation into an aggregate and recomputes the cached
// livability from fresh metrics. The non-negativity check runs before any
// write; a violation means the aggregate was already corrupt and the
// transaction must abort rather than paper over it.
func applyDelta(cityID string, prev domain.CityAggregate, deltaCount int, delta domain.Vector, metrics domain.Metrics, now time.Time) (domain.CityAggregate, error) {
	nextCount := prev.Count + deltaCount
	if nextCount < 0 {
		nextCount = 0
	}
	nextSums := domain.Add(prev.Sums, delta)

	if err := domain.CheckSumsNonNegative(cityID, nextSums); err != nil {
		log.Error().Err(err).Str("city", cityID).Msg("aggregate corruption detected; aborting mutation")
		return domain.CityAggregate{}, err
	}

	averages := domain.Averages(nextCount, nextSums)
	livability := domain.ComputeLivability(averages[domain.KeyOverall], metrics.SafetyScore)

	return domain.CityAggregate{
		CityID:     cityID,
		Count:      nextCount,
		Sums:       nextSums,
		Livability: livability,
		UpdatedAt:  now.UTC(),
	}, nil
}

// inCityTx runs fn transactionally, retrying bounded on the store's
// retryable conflict class with jittered backoff.
func (s *ReviewService) inCityTx(ctx context.Context, op, cityID string, fn func(tx domain.Tx) error) error {
	var lastErr error
	for i := 0; i < txAttempts; i++ {
		err := s.repo.InCityTx(ctx, cityID, fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return err
		}
		lastErr = err
		observability.ObserveTxRetry(op)
		if i < txAttempts-1 && !sleepCtx(ctx, backoff(i)) {
			return ctx.Err()
		}
	}
	log.Warn().Str("city", cityID).Str("op", op).Msg("transaction conflict budget exhausted")
	return lastErr
}

func (s *ReviewService) invalidateCity(ctx context.Context, cityID string) {
	invalidateCityReads(ctx, s.cache, cityID)
}

// invalidateCityReads drops the cached read-model variants a mutation can
// stale out: the city card list, the city detail view, and every cursor-less
// review page size the query path is allowed to cache.
func invalidateCityReads(ctx context.Context, cache domain.Cache, cityID string) {
	if cache == nil {
		return
	}
	_ = cache.Del(ctx, cityCardsKey)
	_ = cache.Del(ctx, fmt.Sprintf("city:%s:details", cityID))
	for _, lim := range cachedReviewPageSizes {
		_ = cache.Del(ctx, fmt.Sprintf("reviews:%s:%d", cityID, lim))
	}
}

func outcomeOf(err error) string {
	var ve *domain.ValidationError
	var ce *domain.CorruptionError
	switch {
	case errors.As(err, &ve):
		return "invalid"
	case errors.As(err, &ce):
		return "corruption"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrCityNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff returns an exponential delay with concurrency-safe jitter.
// Base doubles each attempt (200ms, 400ms, ...), with up to +50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
