package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	httpserver "github.com/aidansoares23/city-insight-server/internal/adapters/http_server"
)

func TestIdentity_SetsUserFromHeader(t *testing.T) {
	var got string
	h := httpserver.Identity(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = httpserver.UserID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-ID", "  user-1  ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "user-1" {
		t.Fatalf("user id: %q", got)
	}

	got = ""
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if got != "" {
		t.Fatalf("anonymous request must carry no identity, got %q", got)
	}
}

func TestLogger_AccessLineFields(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)

	m := chi.NewRouter()
	m.Use(chimw.RequestID)
	m.Use(httpserver.Logger(l))
	m.Get("/v1/cities/{slug}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	m.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/cities/slo-ca", nil))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("access line not json: %v (%s)", err, buf.String())
	}
	if id, _ := line["request_id"].(string); id == "" {
		t.Fatal("access line must carry the request id")
	}
	if line["route"] != "/v1/cities/{slug}" {
		t.Fatalf("route: %v", line["route"])
	}
	if line["status"] != float64(http.StatusOK) {
		t.Fatalf("status: %v", line["status"])
	}
	if line["bytes"] != float64(len(`{"ok":true}`)) {
		t.Fatalf("bytes: %v", line["bytes"])
	}
}
