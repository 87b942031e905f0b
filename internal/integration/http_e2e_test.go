//go:build integration || !unit

package integration

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/go-sql-driver/mysql"
	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"

	server "github.com/aidansoares23/city-insight-server/internal/adapters/http_server"
	redisad "github.com/aidansoares23/city-insight-server/internal/adapters/redis"
	"github.com/aidansoares23/city-insight-server/internal/app"
	"github.com/aidansoares23/city-insight-server/internal/domain"
	mysqlrepo "github.com/aidansoares23/city-insight-server/internal/storage/mysql"
)

// ---------- helpers ----------

func mustEnv(t *testing.T, k string) string {
	t.Helper()
	v := os.Getenv(k)
	if v == "" {
		t.Fatalf("%s not set; export it (e.g. MIGRATIONS_DIR=/path/to/sql)", k)
	}
	return v
}

func applyMigrations(t *testing.T, db *sql.DB) {
	t.Helper()
	dir := mustEnv(t, "MIGRATIONS_DIR")

	st, err := os.Stat(dir)
	if err != nil || !st.IsDir() {
		t.Fatalf("MIGRATIONS_DIR=%s is not a directory or missing", dir)
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}
	var files []string
	for _, e := range ents {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		t.Fatalf("no .sql files in %s", dir)
	}
	sort.Strings(files)
	for _, f := range files {
		sqlBytes, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		if _, err := db.Exec(string(sqlBytes)); err != nil {
			t.Fatalf("exec %s: %v", f, err)
		}
	}
}

func doJSON(t *testing.T, method, url, user string, body any, out any, extraHeaders map[string]string) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return res.StatusCode
}

// ---------- the test ----------

func TestHTTP_EndToEnd_ReviewLifecycle(t *testing.T) {
	// Start isolated MySQL container
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Fatalf("dockertest: %v", err)
	}
	runOpts := &dockertest.RunOptions{
		Repository: "mysql",
		Tag:        "8.0.36",
		Env: []string{
			"MYSQL_ROOT_PASSWORD=root",
			"MYSQL_DATABASE=cityinsight",
		},
	}
	resource, err := pool.RunWithOptions(runOpts, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	if err != nil {
		t.Fatalf("run mysql: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })

	hostPort := resource.GetPort("3306/tcp")
	dsn := fmt.Sprintf("root:root@tcp(127.0.0.1:%s)/cityinsight?parseTime=true&multiStatements=true&charset=utf8mb4,utf8&loc=UTC", hostPort)

	var db *sql.DB
	if err := pool.Retry(func() error {
		var e error
		db, e = sql.Open("mysql", dsn)
		if e != nil {
			return e
		}
		return db.Ping()
	}); err != nil {
		t.Fatalf("connect mysql: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	applyMigrations(t, db)

	if _, err := db.Exec(
		`INSERT INTO cities (id, slug, name, state) VALUES (?, ?, ?, ?)`,
		"slo-ca", "slo-ca", "San Luis Obispo", "CA",
	); err != nil {
		t.Fatalf("seed city: %v", err)
	}

	// Full wiring: MySQL repo, miniredis-backed cache, services, HTTP server.
	mr := miniredis.RunT(t)
	repo := mysqlrepo.New(db)
	cache := redisad.New(mr.Addr(), "", 0)
	ids, err := domain.NewReviewIDMaker("e2e-salt")
	if err != nil {
		t.Fatalf("id maker: %v", err)
	}
	q := app.NewQueryService(repo, cache, 10*time.Minute)
	rv := app.NewReviewService(repo, ids, cache)
	m := app.NewMetricsService(repo, cache)

	srv := server.New()
	srv.MountHandlers(&server.Handlers{Q: q, R: rv, M: m})
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	reviewURL := ts.URL + "/v1/cities/slo-ca/reviews/me"
	ratings := func(safety, overall float64) map[string]any {
		return map[string]any{"ratings": map[string]float64{
			"safety": safety, "cost": 6, "traffic": 4, "cleanliness": 7, "overall": overall,
		}}
	}

	// Unauthenticated writes are rejected.
	if code := doJSON(t, http.MethodPut, reviewURL, "", ratings(8, 8), nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("anonymous write: status %d", code)
	}

	// First write creates.
	var created struct {
		Created bool `json:"created"`
		Review  struct {
			ID string `json:"id"`
		} `json:"review"`
	}
	if code := doJSON(t, http.MethodPut, reviewURL, "alice", ratings(5, 8), &created, nil); code != http.StatusCreated {
		t.Fatalf("create: status %d", code)
	}
	if !created.Created || created.Review.ID == "" {
		t.Fatalf("create body: %+v", created)
	}

	// Resubmission updates in place.
	var updated struct {
		Created bool `json:"created"`
		Review  struct {
			ID string `json:"id"`
		} `json:"review"`
	}
	if code := doJSON(t, http.MethodPut, reviewURL, "alice", ratings(8, 8), &updated, nil); code != http.StatusOK {
		t.Fatalf("update: status %d", code)
	}
	if updated.Created || updated.Review.ID != created.Review.ID {
		t.Fatalf("update must keep the deterministic id: %+v", updated)
	}

	// Invalid payload names every offending field and writes nothing.
	var badOut struct {
		Error struct {
			Code    string `json:"code"`
			Details struct {
				Errors []string `json:"errors"`
			} `json:"details"`
		} `json:"error"`
	}
	bad := map[string]any{"ratings": map[string]float64{
		"safety": 0, "cost": 11, "traffic": 7.5, "cleanliness": 7, "overall": 8,
	}}
	if code := doJSON(t, http.MethodPut, reviewURL, "bob", bad, &badOut, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid: status %d", code)
	}
	if badOut.Error.Code != "VALIDATION_ERROR" || len(badOut.Error.Details.Errors) != 3 {
		t.Fatalf("invalid body: %+v", badOut)
	}

	// Safety pipeline writes its metric; livability blends both inputs.
	metricsURL := ts.URL + "/internal/v1/cities/slo-ca/metrics"
	code := doJSON(t, http.MethodPut, metricsURL, "", map[string]any{"safetyScore": 6.0}, nil,
		map[string]string{"X-Metrics-Owner": "safetySync"})
	if code != http.StatusOK {
		t.Fatalf("metrics upsert: status %d", code)
	}

	var details struct {
		Stats struct {
			Count int `json:"count"`
		} `json:"stats"`
		Livability struct {
			Version string `json:"version"`
			Score   *int   `json:"score"`
		} `json:"livability"`
		Metrics struct {
			SafetyScore *float64 `json:"safetyScore"`
		} `json:"metrics"`
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/cities/slo-ca/details", "", nil, &details, nil); code != http.StatusOK {
		t.Fatalf("details: status %d", code)
	}
	if details.Stats.Count != 1 {
		t.Fatalf("count: %d", details.Stats.Count)
	}
	// overall avg 8 -> 80; safety 6 -> 60; 0.55*80 + 0.45*60 = 71
	if details.Livability.Score == nil || *details.Livability.Score != 71 {
		t.Fatalf("livability: %+v", details.Livability)
	}
	if details.Metrics.SafetyScore == nil || *details.Metrics.SafetyScore != 6.0 {
		t.Fatalf("metrics: %+v", details.Metrics)
	}

	// Delete returns the aggregate to zero.
	if code := doJSON(t, http.MethodDelete, reviewURL, "alice", nil, nil, nil); code != http.StatusOK {
		t.Fatalf("delete: status %d", code)
	}
	if code := doJSON(t, http.MethodGet, ts.URL+"/v1/cities/slo-ca/details", "", nil, &details, nil); code != http.StatusOK {
		t.Fatalf("details after delete: status %d", code)
	}
	if details.Stats.Count != 0 {
		t.Fatalf("count after delete: %d", details.Stats.Count)
	}
	// With no reviews left, the score falls back to the safety metric alone.
	if details.Livability.Score == nil || *details.Livability.Score != 60 {
		t.Fatalf("livability after delete: %+v", details.Livability)
	}

	// Second delete is a 404.
	var errOut struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if code := doJSON(t, http.MethodDelete, reviewURL, "alice", nil, &errOut, nil); code != http.StatusNotFound {
		t.Fatalf("double delete: status %d", code)
	}
	if errOut.Error.Code != "NOT_FOUND" {
		t.Fatalf("double delete body: %+v", errOut)
	}
}
