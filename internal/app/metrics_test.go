package app_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aidansoares23/city-insight-server/internal/app"
	"github.com/aidansoares23/city-insight-server/internal/domain"
)

func TestMetricsUpsert_OwnershipIsolation(t *testing.T) {
	store := newMemStore("sf-ca")
	store.metrics["sf-ca"] = domain.Metrics{
		CityID:      "sf-ca",
		SafetyScore: pf(7.0),
		Meta:        map[domain.MetricsOwner]map[string]any{domain.OwnerSafetySync: {"source": "fbi"}},
	}
	svc := app.NewMetricsService(store, &fakeCache{})
	ctx := context.Background()

	// metricsSync tries to smuggle a safetyScore; only its owned fields land.
	err := svc.Upsert(ctx, "sf-ca", domain.OwnerMetricsSync, domain.MetricsPatch{
		Population:  pf(870000),
		MedianRent:  pf(3200),
		SafetyScore: pf(1.0),
		Meta:        map[string]any{"source": "census"},
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}

	m := store.metrics["sf-ca"]
	if m.SafetyScore == nil || *m.SafetyScore != 7.0 {
		t.Fatalf("safetyScore must be untouched by metricsSync, got %v", m.SafetyScore)
	}
	if m.Population == nil || *m.Population != 870000 {
		t.Fatalf("population: %v", m.Population)
	}
	if m.Meta[domain.OwnerSafetySync]["source"] != "fbi" {
		t.Fatal("other owner's meta namespace must survive")
	}
	if m.Meta[domain.OwnerMetricsSync]["source"] != "census" {
		t.Fatalf("own meta namespace missing: %v", m.Meta)
	}
}

func TestMetricsUpsert_UnknownOwnerRejected(t *testing.T) {
	svc := app.NewMetricsService(newMemStore("sf-ca"), &fakeCache{})
	err := svc.Upsert(context.Background(), "sf-ca", domain.MetricsOwner("rogue"), domain.MetricsPatch{Population: pf(1)})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMetricsUpsert_UnknownCity(t *testing.T) {
	svc := app.NewMetricsService(newMemStore(), &fakeCache{})
	err := svc.Upsert(context.Background(), "atlantis", domain.OwnerMetricsSync, domain.MetricsPatch{Population: pf(1)})
	if !errors.Is(err, domain.ErrCityNotFound) {
		t.Fatalf("expected city-not-found, got %v", err)
	}
}

func TestMetricsUpsert_SafetyWriteRefreshesLivability(t *testing.T) {
	store := newMemStore("sf-ca")
	store.aggs["sf-ca"] = domain.CityAggregate{
		CityID: "sf-ca", Count: 1,
		Sums: domain.Vector{domain.KeyOverall: 8, domain.KeySafety: 8, domain.KeyCost: 8, domain.KeyTraffic: 8, domain.KeyCleanliness: 8},
	}
	svc := app.NewMetricsService(store, &fakeCache{})

	err := svc.Upsert(context.Background(), "sf-ca", domain.OwnerSafetySync, domain.MetricsPatch{SafetyScore: pf(6.0)})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	agg := store.aggs["sf-ca"]
	// review 80, safety 60 -> 71
	if agg.Livability.Score == nil || *agg.Livability.Score != 71 {
		t.Fatalf("livability after safety write: %v", agg.Livability.Score)
	}
}

func TestRefreshLivability_NoReviewsUsesSafetyAlone(t *testing.T) {
	store := newMemStore("sf-ca")
	store.metrics["sf-ca"] = domain.Metrics{CityID: "sf-ca", SafetyScore: pf(6.0)}
	svc := app.NewMetricsService(store, &fakeCache{})

	if err := svc.RefreshLivability(context.Background(), "sf-ca"); err != nil {
		t.Fatalf("err: %v", err)
	}
	agg := store.aggs["sf-ca"]
	if agg.Livability.Score == nil || *agg.Livability.Score != 60 {
		t.Fatalf("livability: %v", agg.Livability.Score)
	}
}
