package app_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aidansoares23/city-insight-server/internal/app"
	"github.com/aidansoares23/city-insight-server/internal/domain"
)

func seedReviews(store *memStore, cityID string, n int) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("rv%04d", i)
		store.reviews[id] = domain.Review{
			ID:      id,
			UserID:  fmt.Sprintf("user-%d", i),
			CityID:  cityID,
			Ratings: domain.Vector{domain.KeySafety: 7, domain.KeyCost: 5, domain.KeyTraffic: 5, domain.KeyCleanliness: 6, domain.KeyOverall: 7},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
}

func TestListCityCards_CacheMissThenHit(t *testing.T) {
	store := newMemStore("sf-ca", "la-ca")
	cache := &fakeCache{}
	q := app.NewQueryService(store, cache, 10*time.Minute)
	ctx := context.Background()

	cards, err := q.ListCityCards(ctx, app.CityCardsQuery{})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("cards: %d", len(cards))
	}

	// Add a city; the cached card set must still serve.
	store.cities["nyc-ny"] = domain.City{ID: "nyc-ny", Slug: "nyc-ny"}
	cards2, err := q.ListCityCards(ctx, app.CityCardsQuery{})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(cards2) != 2 {
		t.Fatalf("expected cached set of 2, got %d", len(cards2))
	}
}

func TestListCityCards_FilterAndSort(t *testing.T) {
	store := newMemStore("sf-ca", "la-ca", "nyc-ny")
	score := 80
	store.aggs["la-ca"] = domain.CityAggregate{CityID: "la-ca", Count: 3, Livability: domain.Livability{Version: "v0", Score: &score}}
	store.metrics["sf-ca"] = domain.Metrics{CityID: "sf-ca", MedianRent: pf(3200)}
	store.metrics["la-ca"] = domain.Metrics{CityID: "la-ca", MedianRent: pf(2400)}
	q := app.NewQueryService(store, &fakeCache{}, 10*time.Minute)
	ctx := context.Background()

	got, err := q.ListCityCards(ctx, app.CityCardsQuery{Q: "ca"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("filter: expected 2 matches, got %d", len(got))
	}

	byRent, err := q.ListCityCards(ctx, app.CityCardsQuery{Sort: "rent_asc"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if byRent[0].ID != "la-ca" || byRent[1].ID != "sf-ca" {
		t.Fatalf("rent order wrong: %s, %s", byRent[0].ID, byRent[1].ID)
	}
	// nyc-ny has no rent metric and must sort last
	if byRent[2].ID != "nyc-ny" {
		t.Fatalf("nil metric must sort last, got %s", byRent[2].ID)
	}

	byScore, err := q.ListCityCards(ctx, app.CityCardsQuery{Sort: "livability_desc"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if byScore[0].ID != "la-ca" {
		t.Fatalf("livability order wrong: %s", byScore[0].ID)
	}
}

func TestListCityReviews_PaginationCompleteNoDupes(t *testing.T) {
	store := newMemStore("sf-ca")
	seedReviews(store, "sf-ca", 25)
	q := app.NewQueryService(store, &fakeCache{}, 10*time.Minute)
	ctx := context.Background()

	seen := map[string]bool{}
	var order []string
	cursor := ""
	for {
		page, err := q.ListCityReviews(ctx, "sf-ca", 10, cursor)
		if err != nil {
			t.Fatalf("page err: %v", err)
		}
		if len(page.Reviews) == 0 {
			break
		}
		for _, rv := range page.Reviews {
			if seen[rv.ID] {
				t.Fatalf("duplicate review %s across pages", rv.ID)
			}
			seen[rv.ID] = true
			order = append(order, rv.ID)
		}
		if page.NextCursor == nil {
			break
		}
		cursor = *page.NextCursor
	}

	if len(seen) != 25 {
		t.Fatalf("pagination dropped reviews: saw %d of 25", len(seen))
	}
	for i := 1; i < len(order); i++ {
		if order[i] >= order[i-1] {
			// seeded so later ids have later createdAt; desc order means ids descend
			t.Fatalf("order violated at %d: %s after %s", i, order[i], order[i-1])
		}
	}
}

func TestListCityReviews_UncachedPageSizeNeverServesStale(t *testing.T) {
	store := newMemStore("sf-ca")
	seedReviews(store, "sf-ca", 3)
	cache := &fakeCache{}
	q := app.NewQueryService(store, cache, 10*time.Minute)
	ids, err := domain.NewReviewIDMaker("test-salt")
	if err != nil {
		t.Fatalf("id maker: %v", err)
	}
	svc := app.NewReviewService(store, ids, cache)
	ctx := context.Background()

	// Warm reads at a nonstandard size and a standard one.
	page, err := q.ListCityReviews(ctx, "sf-ca", 13, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page.Reviews) != 3 {
		t.Fatalf("first read: %d", len(page.Reviews))
	}
	if _, err := q.ListCityReviews(ctx, "sf-ca", 10, ""); err != nil {
		t.Fatalf("err: %v", err)
	}

	if _, err := svc.Upsert(ctx, "sf-ca", "user-new", ratings(8, 6, 4, 7, 8), nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// The nonstandard size must see the new review immediately; mutations
	// only invalidate the sizes the query path is allowed to cache.
	page2, err := q.ListCityReviews(ctx, "sf-ca", 13, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page2.Reviews) != 4 {
		t.Fatalf("nonstandard page size served stale data: %d reviews", len(page2.Reviews))
	}
	page3, err := q.ListCityReviews(ctx, "sf-ca", 10, "")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page3.Reviews) != 4 {
		t.Fatalf("standard page size served stale data: %d reviews", len(page3.Reviews))
	}

	if _, ok := cache.store["reviews:sf-ca:13"]; ok {
		t.Fatal("nonstandard page size must not be cached")
	}
	if _, ok := cache.store["reviews:sf-ca:10"]; !ok {
		t.Fatal("standard page size should be cache-backed")
	}
}

func TestListCityReviews_LegacyCursorResolves(t *testing.T) {
	store := newMemStore("sf-ca")
	seedReviews(store, "sf-ca", 20)
	q := app.NewQueryService(store, &fakeCache{}, 10*time.Minute)
	ctx := context.Background()

	// Legacy clients send the bare review id of the last item they saw.
	page, err := q.ListCityReviews(ctx, "sf-ca", 10, "rv0010")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page.Reviews) != 10 {
		t.Fatalf("page size: %d", len(page.Reviews))
	}
	if page.Reviews[0].ID != "rv0009" {
		t.Fatalf("expected resume strictly after rv0010, got %s", page.Reviews[0].ID)
	}
}

func TestListCityReviews_LegacyCursorWrongCityRestartsHead(t *testing.T) {
	store := newMemStore("sf-ca", "la-ca")
	seedReviews(store, "sf-ca", 5)
	other := domain.Review{ID: "zz-other", CityID: "la-ca", UserID: "u", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	store.reviews[other.ID] = other
	q := app.NewQueryService(store, &fakeCache{}, 10*time.Minute)

	page, err := q.ListCityReviews(context.Background(), "sf-ca", 10, "zz-other")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(page.Reviews) != 5 {
		t.Fatalf("expected restart from head with all 5, got %d", len(page.Reviews))
	}
}

func TestGetCityReview_WrongCityIsNotFound(t *testing.T) {
	store := newMemStore("sf-ca", "la-ca")
	seedReviews(store, "sf-ca", 1)
	q := app.NewQueryService(store, &fakeCache{}, 10*time.Minute)

	if _, err := q.GetCityReview(context.Background(), "la-ca", "rv0000"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found for cross-city read, got %v", err)
	}
	rv, err := q.GetCityReview(context.Background(), "sf-ca", "rv0000")
	if err != nil || rv == nil {
		t.Fatalf("same-city read failed: %v", err)
	}
}

func TestGetCityDetails(t *testing.T) {
	store := newMemStore("sf-ca")
	seedReviews(store, "sf-ca", 3)
	score := 71
	store.aggs["sf-ca"] = domain.CityAggregate{
		CityID: "sf-ca", Count: 3,
		Sums:       domain.Vector{domain.KeyOverall: 21, domain.KeySafety: 21, domain.KeyCost: 15, domain.KeyTraffic: 15, domain.KeyCleanliness: 18},
		Livability: domain.Livability{Version: "v0", Score: &score},
	}
	store.metrics["sf-ca"] = domain.Metrics{CityID: "sf-ca", SafetyScore: pf(6.0), MedianRent: pf(3200)}
	q := app.NewQueryService(store, &fakeCache{}, 10*time.Minute)

	d, err := q.GetCityDetails(context.Background(), "sf-ca")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if d.Count != 3 {
		t.Fatalf("count: %d", d.Count)
	}
	if avg := d.Averages[domain.KeyOverall]; avg == nil || *avg != 7 {
		t.Fatalf("overall average: %v", avg)
	}
	if d.Livability.Score == nil || *d.Livability.Score != 71 {
		t.Fatalf("livability: %v", d.Livability.Score)
	}
	if len(d.Reviews) != 3 {
		t.Fatalf("preview reviews: %d", len(d.Reviews))
	}
	if d.Metrics.MedianRent == nil || *d.Metrics.MedianRent != 3200 {
		t.Fatalf("metrics: %+v", d.Metrics)
	}
}

func TestGetCityDetails_UnknownCity(t *testing.T) {
	q := app.NewQueryService(newMemStore(), &fakeCache{}, 10*time.Minute)
	if _, err := q.GetCityDetails(context.Background(), "atlantis"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
