package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/aidansoares23/city-insight-server/internal/domain"
)

// ReconService rebuilds city aggregates from a full scan of the review
// records. Incremental maintenance in ReviewService keeps the aggregates
// current on the happy path; this pass repairs drift after partial failures
// or manual data edits.
type ReconService struct {
	repo  domain.Repository
	cache domain.Cache
}

func NewReconService(repo domain.Repository, cache domain.Cache) *ReconService {
	return &ReconService{repo: repo, cache: cache}
}

// ReconResult describes what one city's rebuild found.
type ReconResult struct {
	CityID     string
	Count      int
	Drifted    bool
	Livability domain.Livability
}

// RecomputeCity rebuilds one city's aggregate from scratch. The scan runs
// outside the transaction; only the final compare-and-write is transactional,
// so a mutation racing the scan wins and a later pass converges.
func (s *ReconService) RecomputeCity(ctx context.Context, cityID string, dryRun bool) (ReconResult, error) {
	city, err := s.repo.GetCity(ctx, cityID)
	if err != nil {
		return ReconResult{}, err
	}
	if city == nil {
		return ReconResult{}, domain.ErrCityNotFound
	}

	count := 0
	sums := domain.Vector{}
	err = s.repo.ScanCityReviews(ctx, cityID, func(rv domain.Review) error {
		count++
		sums = domain.Add(sums, domain.NormalizeForAggregation(rv.Ratings))
		return nil
	})
	if err != nil {
		return ReconResult{}, err
	}
	if err := domain.CheckSumsNonNegative(cityID, sums); err != nil {
		return ReconResult{}, err
	}

	res := ReconResult{CityID: cityID, Count: count}
	err = s.repo.InCityTx(ctx, cityID, func(tx domain.Tx) error {
		prev, err := tx.GetAggregate(ctx, cityID)
		if err != nil {
			return err
		}
		metrics, err := tx.GetMetrics(ctx, cityID)
		if err != nil {
			return err
		}

		averages := domain.Averages(count, sums)
		livability := domain.ComputeLivability(averages[domain.KeyOverall], metrics.SafetyScore)
		res.Drifted = prev.Count != count || !vectorsEqual(domain.NormalizeForAggregation(prev.Sums), sums)
		res.Livability = livability

		if dryRun {
			return nil
		}
		return tx.PutAggregate(ctx, domain.CityAggregate{
			CityID:     cityID,
			Count:      count,
			Sums:       sums,
			Livability: livability,
			UpdatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return ReconResult{}, err
	}

	if res.Drifted {
		log.Warn().Str("city", cityID).Int("count", count).Bool("dry_run", dryRun).
			Msg("aggregate drift detected")
	}
	if !dryRun {
		invalidateCityReads(ctx, s.cache, cityID)
	}
	return res, nil
}

// RecomputeAll rebuilds every city, at most workers cities in flight. Cities
// that fail are logged and skipped; the pass keeps going.
func (s *ReconService) RecomputeAll(ctx context.Context, workers int64, dryRun bool) ([]ReconResult, error) {
	ids, err := s.repo.ListCityIDs(ctx)
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	sem := semaphore.NewWeighted(workers)
	results := make([]ReconResult, len(ids))
	errs := make([]error, len(ids))

	for i, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		go func(i int, id string) {
			defer sem.Release(1)
			results[i], errs[i] = s.RecomputeCity(ctx, id, dryRun)
		}(i, id)
	}
	if err := sem.Acquire(ctx, workers); err != nil {
		return nil, err
	}

	out := make([]ReconResult, 0, len(ids))
	for i, id := range ids {
		if errs[i] != nil {
			log.Error().Err(errs[i]).Str("city", id).Msg("recompute failed")
			continue
		}
		out = append(out, results[i])
	}
	return out, nil
}

func vectorsEqual(a, b domain.Vector) bool {
	for _, k := range domain.RatingKeys {
		d := a[k] - b[k]
		if d > 1e-9 || d < -1e-9 {
			return false
		}
	}
	return true
}
