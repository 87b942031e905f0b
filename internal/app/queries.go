package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aidansoares23/city-insight-server/internal/domain"
)

const cityCardsKey = "cities:cards"

const (
	commentPreviewLen = 160
	maxCityCards      = 500
)

// cachedReviewPageSizes are the only page sizes kept warm in the cache.
// Mutations invalidate exactly this set, so any other size must always read
// through to the store.
var cachedReviewPageSizes = []int{10, 25, 50}

func isCachedReviewPageSize(n int) bool {
	for _, s := range cachedReviewPageSizes {
		if n == s {
			return true
		}
	}
	return false
}

// QueryService serves the read paths over cities, aggregates and reviews,
// cache-aside where the projection is worth keeping warm.
type QueryService struct {
	repo     domain.Repository
	cache    domain.Cache
	cacheTTL time.Duration
}

func NewQueryService(r domain.Repository, c domain.Cache, ttl time.Duration) *QueryService {
	return &QueryService{repo: r, cache: c, cacheTTL: ttl}
}

// CityCardsQuery filters and orders the directory listing.
type CityCardsQuery struct {
	Q     string // substring match over name/state/slug
	Sort  string // livability_desc|safety_desc|rent_asc|rent_desc|reviews_desc|name_asc
	Limit int
}

// ListCityCards returns the directory card projection. The full card set is
// cached once; filter, sort and limit run per request.
func (s *QueryService) ListCityCards(ctx context.Context, q CityCardsQuery) ([]domain.CityCard, error) {
	var cards []domain.CityCard
	ok, _ := s.cache.Get(ctx, cityCardsKey, &cards)
	if !ok {
		var err error
		cards, err = s.repo.ListCityCards(ctx, maxCityCards)
		if err != nil {
			return nil, err
		}
		_ = s.cache.Set(ctx, cityCardsKey, cards, int(s.cacheTTL.Seconds()))
	}

	if needle := strings.ToLower(strings.TrimSpace(q.Q)); needle != "" {
		filtered := cards[:0:0]
		for _, c := range cards {
			hay := strings.ToLower(deref(c.Name) + " " + deref(c.State) + " " + c.Slug)
			if strings.Contains(hay, needle) {
				filtered = append(filtered, c)
			}
		}
		cards = filtered
	}

	sortCards(cards, q.Sort)
	if q.Limit > 0 && len(cards) > q.Limit {
		cards = cards[:q.Limit]
	}
	return cards, nil
}

// nil metrics sort last regardless of direction.
func sortCards(cards []domain.CityCard, by string) {
	lessDesc := func(a, b *float64) bool {
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return *a > *b
	}
	lessAsc := func(a, b *float64) bool {
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return *a < *b
	}
	intPtr := func(p *int) *float64 {
		if p == nil {
			return nil
		}
		f := float64(*p)
		return &f
	}

	switch by {
	case "livability_desc":
		sort.SliceStable(cards, func(i, j int) bool {
			return lessDesc(intPtr(cards[i].LivabilityScore), intPtr(cards[j].LivabilityScore))
		})
	case "safety_desc":
		sort.SliceStable(cards, func(i, j int) bool {
			return lessDesc(cards[i].SafetyScore, cards[j].SafetyScore)
		})
	case "rent_asc":
		sort.SliceStable(cards, func(i, j int) bool {
			return lessAsc(cards[i].MedianRent, cards[j].MedianRent)
		})
	case "rent_desc":
		sort.SliceStable(cards, func(i, j int) bool {
			return lessDesc(cards[i].MedianRent, cards[j].MedianRent)
		})
	case "reviews_desc":
		sort.SliceStable(cards, func(i, j int) bool {
			return cards[i].ReviewCount > cards[j].ReviewCount
		})
	default: // name_asc
		sort.SliceStable(cards, func(i, j int) bool {
			return deref(cards[i].Name) < deref(cards[j].Name)
		})
	}
}

// GetCity returns directory data for one city.
func (s *QueryService) GetCity(ctx context.Context, cityID string) (*domain.City, error) {
	return s.repo.GetCity(ctx, cityID)
}

// ReviewPreview is the public-safe review projection embedded in the detail
// view: ratings and a truncated comment, no author identity.
type ReviewPreview struct {
	Ratings        domain.Vector `json:"ratings"`
	CommentPreview *string       `json:"commentPreview"`
	CreatedAtIso   string        `json:"createdAtIso"`
}

// CityDetails is the full city view: stats with derived averages, objective
// metrics, and the newest reviews plus a cursor to continue from.
type CityDetails struct {
	City       domain.City
	Count      int
	Sums       domain.Vector
	Averages   map[domain.RatingKey]*float64
	Livability domain.Livability
	Metrics    domain.Metrics
	Reviews    []ReviewPreview
	NextCursor *string
}

func (s *QueryService) GetCityDetails(ctx context.Context, cityID string) (CityDetails, error) {
	key := fmt.Sprintf("city:%s:details", cityID)
	var cached CityDetails
	if ok, _ := s.cache.Get(ctx, key, &cached); ok {
		return cached, nil
	}

	city, err := s.repo.GetCity(ctx, cityID)
	if err != nil {
		return CityDetails{}, err
	}
	if city == nil {
		return CityDetails{}, domain.ErrNotFound
	}

	agg, err := s.repo.GetAggregate(ctx, cityID)
	if err != nil {
		return CityDetails{}, err
	}
	metrics, err := s.repo.GetMetrics(ctx, cityID)
	if err != nil {
		return CityDetails{}, err
	}
	reviews, err := s.repo.ListCityReviews(ctx, cityID, domain.ReviewPageQuery{Limit: 10})
	if err != nil {
		return CityDetails{}, err
	}

	out := CityDetails{
		City:       *city,
		Count:      agg.Count,
		Sums:       domain.NormalizeForAggregation(agg.Sums),
		Averages:   domain.Averages(agg.Count, agg.Sums),
		Livability: agg.Livability,
		Metrics:    metrics,
		Reviews:    make([]ReviewPreview, 0, len(reviews)),
	}
	for _, rv := range reviews {
		out.Reviews = append(out.Reviews, ReviewPreview{
			Ratings:        rv.Ratings,
			CommentPreview: previewComment(rv.Comment),
			CreatedAtIso:   rv.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	if len(reviews) > 0 {
		last := reviews[len(reviews)-1]
		tok := domain.EncodeCursor(domain.Cursor{ID: last.ID, CreatedAt: last.CreatedAt})
		out.NextCursor = &tok
	}

	_ = s.cache.Set(ctx, key, out, int(s.cacheTTL.Seconds()))
	return out, nil
}

// ReviewsPage is one page of a city's review stream.
type ReviewsPage struct {
	Reviews    []domain.Review
	NextCursor *string
}

// ListCityReviews pages reviews in (createdAt desc, id desc) order. An empty
// token starts at the head; a legacy id-only token is resolved to its tuple
// via a point read before paging continues.
func (s *QueryService) ListCityReviews(ctx context.Context, cityID string, pageSize int, cursorToken string) (ReviewsPage, error) {
	if pageSize < 1 {
		pageSize = 10
	}
	if pageSize > 50 {
		pageSize = 50
	}

	after, legacy := domain.DecodeCursor(cursorToken)
	if legacy != nil {
		// Ignore legacy tokens that don't resolve to a review of this city;
		// the page then restarts from the head, matching the old behavior.
		if rv, err := s.repo.GetReview(ctx, legacy.ID); err != nil {
			return ReviewsPage{}, err
		} else if rv != nil && rv.CityID == cityID {
			after = &domain.Cursor{ID: rv.ID, CreatedAt: rv.CreatedAt}
		}
	}

	cacheable := after == nil && isCachedReviewPageSize(pageSize)
	key := fmt.Sprintf("reviews:%s:%d", cityID, pageSize)
	if cacheable {
		var cached ReviewsPage
		if ok, _ := s.cache.Get(ctx, key, &cached); ok {
			return cached, nil
		}
	}

	reviews, err := s.repo.ListCityReviews(ctx, cityID, domain.ReviewPageQuery{Limit: pageSize, After: after})
	if err != nil {
		return ReviewsPage{}, err
	}

	out := ReviewsPage{Reviews: reviews}
	if len(reviews) > 0 {
		last := reviews[len(reviews)-1]
		tok := domain.EncodeCursor(domain.Cursor{ID: last.ID, CreatedAt: last.CreatedAt})
		out.NextCursor = &tok
	}

	if cacheable {
		_ = s.cache.Set(ctx, key, out, int(s.cacheTTL.Seconds()))
	}
	return out, nil
}

// GetCityReview fetches one review and verifies it belongs to the city; a
// review of a different city reads as absent.
func (s *QueryService) GetCityReview(ctx context.Context, cityID, reviewID string) (*domain.Review, error) {
	rv, err := s.repo.GetReview(ctx, reviewID)
	if err != nil {
		return nil, err
	}
	if rv == nil || rv.CityID != cityID {
		return nil, domain.ErrNotFound
	}
	return rv, nil
}

// ListMyReviews returns the caller's reviews, most recently updated first.
func (s *QueryService) ListMyReviews(ctx context.Context, userID string, limit int) ([]domain.Review, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}
	return s.repo.ListUserReviews(ctx, strings.TrimSpace(userID), limit)
}

func previewComment(comment *string) *string {
	if comment == nil || *comment == "" {
		return nil
	}
	r := []rune(*comment)
	if len(r) <= commentPreviewLen {
		return comment
	}
	p := string(r[:commentPreviewLen]) + "…"
	return &p
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
