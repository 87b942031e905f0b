package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aidansoares23/city-insight-server/internal/domain"
)

// MetricsService is the single write path into the city metrics documents.
// Every write is attributed to an owner and projected down to the fields that
// owner holds; a pipeline can never clobber another pipeline's data.
type MetricsService struct {
	repo  domain.Repository
	cache domain.Cache
}

func NewMetricsService(repo domain.Repository, cache domain.Cache) *MetricsService {
	return &MetricsService{repo: repo, cache: cache}
}

// Upsert applies an owner-attributed metrics patch. Unowned scalars in the
// patch are dropped, provided scalars are written atomically, and meta lands
// under the owner's namespace only. When the patch can move the safety score
// the cached livability is recomputed in the same pass.
func (s *MetricsService) Upsert(ctx context.Context, cityID string, owner domain.MetricsOwner, patch domain.MetricsPatch) error {
	if !owner.Known() {
		return &domain.ValidationError{Errors: []string{fmt.Sprintf("unknown metrics owner %q", owner)}}
	}

	city, err := s.repo.GetCity(ctx, cityID)
	if err != nil {
		return err
	}
	if city == nil {
		return domain.ErrCityNotFound
	}

	projected := domain.ProjectOwned(patch, owner)
	if err := s.repo.UpsertMetricsFields(ctx, cityID, projected); err != nil {
		return err
	}
	if projected.Meta != nil {
		if err := s.repo.SetMetricsMeta(ctx, cityID, owner, projected.Meta); err != nil {
			return err
		}
	}

	if projected.SafetyScore != nil {
		if err := s.RefreshLivability(ctx, cityID); err != nil {
			return err
		}
	}

	invalidateCityReads(ctx, s.cache, cityID)
	log.Info().Str("city", cityID).Str("owner", string(owner)).Msg("metrics upserted")
	return nil
}

// Get returns the metrics document; a city with no metrics yet reads as an
// empty document, not an error.
func (s *MetricsService) Get(ctx context.Context, cityID string) (domain.Metrics, error) {
	return s.repo.GetMetrics(ctx, cityID)
}

// RefreshLivability recomputes the cached livability score from the current
// aggregate and a fresh metrics read, leaving count and sums untouched.
func (s *MetricsService) RefreshLivability(ctx context.Context, cityID string) error {
	err := s.repo.InCityTx(ctx, cityID, func(tx domain.Tx) error {
		agg, err := tx.GetAggregate(ctx, cityID)
		if err != nil {
			return err
		}
		metrics, err := tx.GetMetrics(ctx, cityID)
		if err != nil {
			return err
		}

		averages := domain.Averages(agg.Count, agg.Sums)
		agg.CityID = cityID
		agg.Livability = domain.ComputeLivability(averages[domain.KeyOverall], metrics.SafetyScore)
		agg.UpdatedAt = time.Now().UTC()
		return tx.PutAggregate(ctx, agg)
	})
	if err != nil {
		return err
	}
	invalidateCityReads(ctx, s.cache, cityID)
	return nil
}
