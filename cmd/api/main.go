package main

import (
	"database/sql"
	"net/http"

	_ "github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"

	server "github.com/aidansoares23/city-insight-server/internal/adapters/http_server"
	"github.com/aidansoares23/city-insight-server/internal/adapters/observability"
	redisad "github.com/aidansoares23/city-insight-server/internal/adapters/redis"
	"github.com/aidansoares23/city-insight-server/internal/app"
	"github.com/aidansoares23/city-insight-server/internal/domain"
	"github.com/aidansoares23/city-insight-server/internal/shared"
	mysqlrepo "github.com/aidansoares23/city-insight-server/internal/storage/mysql"
)

func main() {
	cfg := shared.Load()

	// set global logger (console in dev, JSON otherwise)
	log.Logger = observability.NewLogger(cfg.AppEnv)

	observability.Serve()

	ids, err := domain.NewReviewIDMaker(cfg.ReviewIDSalt)
	if err != nil {
		log.Fatal().Err(err).Msg("review id maker init failed")
	}

	// db
	db, err := sql.Open("mysql", cfg.MySQLDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("sql.Open failed")
	}
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("db.Ping failed")
	}
	log.Info().Msg("database connection ok")

	// deps
	repo := mysqlrepo.New(db)
	cache := redisad.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	q := app.NewQueryService(repo, cache, cfg.CacheTTL)
	rv := app.NewReviewService(repo, ids, cache)
	m := app.NewMetricsService(repo, cache)

	// http
	srv := server.New()
	reg := observability.InitRegistry()
	srv.Mount("/metrics", observability.MetricsHandler(reg))
	srv.MountHandlers(&server.Handlers{Q: q, R: rv, M: m})

	log.Info().Str("addr", cfg.HTTPAddr).Msg("API listening")
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Mux()}

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server failed")
	}
}
