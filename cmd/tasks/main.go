package main

import (
	"context"
	"database/sql"
	"flag"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/aidansoares23/city-insight-server/internal/adapters/census"
	"github.com/aidansoares23/city-insight-server/internal/adapters/observability"
	redisad "github.com/aidansoares23/city-insight-server/internal/adapters/redis"
	"github.com/aidansoares23/city-insight-server/internal/app"
	"github.com/aidansoares23/city-insight-server/internal/domain"
	"github.com/aidansoares23/city-insight-server/internal/shared"
	mysqlrepo "github.com/aidansoares23/city-insight-server/internal/storage/mysql"
)

func main() {
	task := flag.String("task", "", "task to run: stats | livability | metrics")
	city := flag.String("city", "", "run for a single city slug")
	all := flag.Bool("all", false, "run for every city")
	dryRun := flag.Bool("dry-run", false, "compute and log without writing")
	flag.Parse()

	ctx := context.Background()
	cfg := shared.Load()

	log.Logger = observability.NewLogger(cfg.AppEnv)

	if *task == "" || (*city == "" && !*all) {
		log.Fatal().Msg("usage: tasks -task stats|livability|metrics (-city <slug> | -all) [-dry-run]")
	}

	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("db ping ok")

	repo := mysqlrepo.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	recon := app.NewReconService(repo, cache)
	metrics := app.NewMetricsService(repo, cache)

	log.Info().Str("task", *task).Str("city", *city).Bool("all", *all).
		Bool("dry_run", *dryRun).Int("workers", cfg.TaskWorkers).Msg("tasks starting")

	switch *task {
	case "stats":
		runStats(ctx, recon, cfg, *city, *dryRun)
	case "livability":
		runLivability(ctx, repo, metrics, cfg, *city, *dryRun)
	case "metrics":
		runMetricsSync(ctx, repo, metrics, cfg, *dryRun)
	default:
		log.Fatal().Str("task", *task).Msg("unknown task")
	}

	log.Info().Str("task", *task).Msg("tasks completed")
}

func runStats(ctx context.Context, recon *app.ReconService, cfg shared.Config, city string, dryRun bool) {
	if city != "" {
		res, err := recon.RecomputeCity(ctx, city, dryRun)
		if err != nil {
			log.Fatal().Err(err).Str("city", city).Msg("recompute failed")
		}
		log.Info().Str("city", res.CityID).Int("count", res.Count).
			Bool("drifted", res.Drifted).Msg("recompute done")
		return
	}
	results, err := recon.RecomputeAll(ctx, int64(cfg.TaskWorkers), dryRun)
	if err != nil {
		log.Fatal().Err(err).Msg("recompute all failed")
	}
	drifted := 0
	for _, r := range results {
		if r.Drifted {
			drifted++
		}
	}
	log.Info().Int("cities", len(results)).Int("drifted", drifted).Msg("recompute all done")
}

func runLivability(ctx context.Context, repo domain.Repository, metrics *app.MetricsService, cfg shared.Config, city string, dryRun bool) {
	ids := []string{city}
	if city == "" {
		var err error
		ids, err = repo.ListCityIDs(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("list cities failed")
		}
	}
	if dryRun {
		log.Info().Int("cities", len(ids)).Msg("dry run, no livability writes")
		return
	}

	sem := semaphore.NewWeighted(int64(cfg.TaskWorkers))
	var wg sync.WaitGroup
	for _, id := range ids {
		if err := sem.Acquire(ctx, 1); err != nil {
			log.Fatal().Err(err).Msg("semaphore acquire failed")
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			if err := metrics.RefreshLivability(ctx, id); err != nil {
				log.Warn().Str("city", id).Err(err).Msg("livability refresh failed")
				return
			}
			log.Info().Str("city", id).Msg("livability refreshed")
		}(id)
	}
	wg.Wait()
}

// runMetricsSync pulls ACS population and median rent for the configured
// states and writes them as owner metricsSync for every city it can match by
// slug. Cities with no matching place are skipped, not erased.
func runMetricsSync(ctx context.Context, repo domain.Repository, metrics *app.MetricsService, cfg shared.Config, dryRun bool) {
	client := census.New(cfg.CensusBase, cfg.CensusYear, cfg.CensusKey, 5)

	bySlug := map[string]census.PlaceMetrics{}
	for _, st := range strings.Split(cfg.CensusStates, ",") {
		st = strings.TrimSpace(st)
		if st == "" {
			continue
		}
		places, err := client.FetchStatePlaces(ctx, st)
		if err != nil {
			log.Fatal().Err(err).Str("state", st).Msg("census fetch failed")
		}
		for _, p := range places {
			if slug := census.SlugForPlace(p.Name); slug != "" {
				bySlug[slug] = p
			}
		}
		log.Info().Str("state", st).Int("places", len(places)).Msg("census state fetched")
	}

	ids, err := repo.ListCityIDs(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("list cities failed")
	}

	fetchedAt := time.Now().UTC().Format(time.RFC3339)
	matched, skipped := 0, 0
	sem := semaphore.NewWeighted(int64(cfg.TaskWorkers))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, id := range ids {
		place, ok := bySlug[id]
		if !ok {
			skipped++
			log.Debug().Str("city", id).Msg("no census place match")
			continue
		}
		if dryRun {
			matched++
			log.Info().Str("city", id).Str("place", place.Name).Msg("dry run, would upsert metrics")
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			log.Fatal().Err(err).Msg("semaphore acquire failed")
		}
		wg.Add(1)
		go func(id string, place census.PlaceMetrics) {
			defer wg.Done()
			defer sem.Release(1)

			patch := domain.MetricsPatch{
				Population: place.Population,
				MedianRent: place.MedianRent,
				Meta: map[string]any{
					"source":       "census-acs5",
					"year":         cfg.CensusYear,
					"placeFips":    place.StateFIPS + place.PlaceFIPS,
					"fetchedAtIso": fetchedAt,
				},
			}
			if err := metrics.Upsert(ctx, id, domain.OwnerMetricsSync, patch); err != nil {
				log.Warn().Str("city", id).Err(err).Msg("metrics upsert failed")
				return
			}
			mu.Lock()
			matched++
			mu.Unlock()
		}(id, place)
	}
	wg.Wait()
	log.Info().Int("matched", matched).Int("skipped", skipped).Msg("census sync done")
}
