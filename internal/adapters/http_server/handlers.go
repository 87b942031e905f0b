package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/aidansoares23/city-insight-server/internal/app"
	"github.com/aidansoares23/city-insight-server/internal/domain"
)

type Handlers struct {
	Q *app.QueryService
	R *app.ReviewService
	M *app.MetricsService
}

func (s *Server) MountHandlers(h *Handlers) {
	s.mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
		_, _ = w.Write([]byte("ok"))
	})

	s.mux.Group(func(r chi.Router) {
		r.Use(Identity)

		r.Get("/v1/cities", h.listCities)
		r.Get("/v1/cities/{slug}", h.getCity)
		r.Get("/v1/cities/{slug}/details", h.getCityDetails)
		r.Get("/v1/cities/{slug}/reviews", h.listCityReviews)
		r.Get("/v1/cities/{slug}/reviews/me", h.getMyReview)
		r.Put("/v1/cities/{slug}/reviews/me", h.upsertMyReview)
		r.Post("/v1/cities/{slug}/reviews/me", h.upsertMyReview)
		r.Delete("/v1/cities/{slug}/reviews/me", h.deleteMyReview)
		r.Get("/v1/cities/{slug}/reviews/{reviewId}", h.getCityReview)
		r.Get("/v1/me/reviews", h.listMyReviews)

		// Pipeline write path; callers are internal sync jobs.
		r.Put("/internal/v1/cities/{slug}/metrics", h.upsertMetrics)
	})
}

// ---- error envelope ----

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	var ve *domain.ValidationError
	var ce *domain.CorruptionError

	status := http.StatusInternalServerError
	body := errorBody{Code: "INTERNAL", Message: "internal error"}

	switch {
	case errors.As(err, &ve):
		status = http.StatusBadRequest
		body = errorBody{
			Code: "VALIDATION_ERROR", Message: "request validation failed",
			Details: map[string]any{"errors": ve.Errors},
		}
	case errors.Is(err, domain.ErrCityNotFound):
		status = http.StatusNotFound
		body = errorBody{Code: "CITY_NOT_FOUND", Message: "city not found"}
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
		body = errorBody{Code: "NOT_FOUND", Message: "not found"}
	case errors.Is(err, domain.ErrUnauthenticated):
		status = http.StatusUnauthorized
		body = errorBody{Code: "UNAUTHENTICATED", Message: "authentication required"}
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusServiceUnavailable
		body = errorBody{Code: "CONFLICT", Message: "temporary write contention, retry"}
	case errors.As(err, &ce):
		log.Error().Err(err).Msg("aggregate corruption surfaced to client")
	default:
		log.Error().Err(err).Msg("request failed")
	}

	writeJSON(w, status, errorEnvelope{Error: body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("write JSON response failed")
	}
}

// requireUser fetches the caller id or writes a 401.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := UserID(r.Context())
	if uid == "" {
		writeError(w, domain.ErrUnauthenticated)
		return "", false
	}
	return uid, true
}

// ---- DTOs ----

type cityCardDTO struct {
	ID                string   `json:"id"`
	Slug              string   `json:"slug"`
	Name              *string  `json:"name"`
	State             *string  `json:"state"`
	ReviewCount       int      `json:"reviewCount"`
	LivabilityScore   *int     `json:"livabilityScore"`
	SafetyScore       *float64 `json:"safetyScore"`
	MedianRent        *float64 `json:"medianRent"`
	CrimeIndexPer100k *float64 `json:"crimeIndexPer100k"`
}

type cityDTO struct {
	ID           string   `json:"id"`
	Slug         string   `json:"slug"`
	Name         *string  `json:"name"`
	State        *string  `json:"state"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
	CreatedAtIso string   `json:"createdAtIso"`
	UpdatedAtIso string   `json:"updatedAtIso"`
}

type reviewDTO struct {
	ID           string        `json:"id"`
	UserID       string        `json:"userId"`
	CityID       string        `json:"cityId"`
	Ratings      domain.Vector `json:"ratings"`
	Comment      *string       `json:"comment"`
	CreatedAtIso string        `json:"createdAtIso"`
	UpdatedAtIso string        `json:"updatedAtIso"`
}

type metricsDTO struct {
	MedianRent        *float64 `json:"medianRent"`
	Population        *float64 `json:"population"`
	SafetyScore       *float64 `json:"safetyScore"`
	CrimeIndexPer100k *float64 `json:"crimeIndexPer100k"`
}

type cityDetailsDTO struct {
	City       cityDTO                       `json:"city"`
	Stats      cityStatsDTO                  `json:"stats"`
	Averages   map[domain.RatingKey]*float64 `json:"averages"`
	Livability domain.Livability             `json:"livability"`
	Metrics    metricsDTO                    `json:"metrics"`
	Reviews    []app.ReviewPreview           `json:"reviews"`
	NextCursor *string                       `json:"nextCursor"`
}

type cityStatsDTO struct {
	Count int           `json:"count"`
	Sums  domain.Vector `json:"sums"`
}

func toCityDTO(c domain.City) cityDTO {
	return cityDTO{
		ID: c.ID, Slug: c.Slug, Name: c.Name, State: c.State, Lat: c.Lat, Lng: c.Lng,
		CreatedAtIso: iso(c.CreatedAt), UpdatedAtIso: iso(c.UpdatedAt),
	}
}

func toReviewDTO(rv domain.Review) reviewDTO {
	return reviewDTO{
		ID: rv.ID, UserID: rv.UserID, CityID: rv.CityID,
		Ratings: rv.Ratings, Comment: rv.Comment,
		CreatedAtIso: iso(rv.CreatedAt), UpdatedAtIso: iso(rv.UpdatedAt),
	}
}

func toReviewDTOs(rvs []domain.Review) []reviewDTO {
	out := make([]reviewDTO, 0, len(rvs))
	for _, rv := range rvs {
		out = append(out, toReviewDTO(rv))
	}
	return out
}

func iso(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// ---- handlers ----

func (h *Handlers) listCities(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if ls := r.URL.Query().Get("limit"); ls != "" {
		l, err := strconv.Atoi(ls)
		if err != nil || l <= 0 || l > 500 {
			writeError(w, &domain.ValidationError{Errors: []string{"limit must be an integer between 1 and 500"}})
			return
		}
		limit = l
	}
	cards, err := h.Q.ListCityCards(r.Context(), app.CityCardsQuery{
		Q:     r.URL.Query().Get("q"),
		Sort:  r.URL.Query().Get("sort"),
		Limit: limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]cityCardDTO, 0, len(cards))
	for _, c := range cards {
		out = append(out, cityCardDTO{
			ID: c.ID, Slug: c.Slug, Name: c.Name, State: c.State,
			ReviewCount: c.ReviewCount, LivabilityScore: c.LivabilityScore,
			SafetyScore: c.SafetyScore, MedianRent: c.MedianRent,
			CrimeIndexPer100k: c.CrimeIndexPer100k,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"cities": out})
}

func (h *Handlers) getCity(w http.ResponseWriter, r *http.Request) {
	city, err := h.Q.GetCity(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		writeError(w, err)
		return
	}
	if city == nil {
		writeError(w, domain.ErrCityNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"city": toCityDTO(*city)})
}

func (h *Handlers) getCityDetails(w http.ResponseWriter, r *http.Request) {
	d, err := h.Q.GetCityDetails(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, domain.ErrCityNotFound)
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cityDetailsDTO{
		City:       toCityDTO(d.City),
		Stats:      cityStatsDTO{Count: d.Count, Sums: d.Sums},
		Averages:   d.Averages,
		Livability: d.Livability,
		Metrics: metricsDTO{
			MedianRent: d.Metrics.MedianRent, Population: d.Metrics.Population,
			SafetyScore: d.Metrics.SafetyScore, CrimeIndexPer100k: d.Metrics.CrimeIndexPer100k,
		},
		Reviews:    d.Reviews,
		NextCursor: d.NextCursor,
	})
}

func (h *Handlers) listCityReviews(w http.ResponseWriter, r *http.Request) {
	pageSize := 10
	if ps := r.URL.Query().Get("pageSize"); ps != "" {
		n, err := strconv.Atoi(ps)
		if err != nil || n <= 0 || n > 50 {
			writeError(w, &domain.ValidationError{Errors: []string{"pageSize must be an integer between 1 and 50"}})
			return
		}
		pageSize = n
	}
	page, err := h.Q.ListCityReviews(r.Context(), chi.URLParam(r, "slug"), pageSize, r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reviews":    toReviewDTOs(page.Reviews),
		"nextCursor": page.NextCursor,
	})
}

func (h *Handlers) getCityReview(w http.ResponseWriter, r *http.Request) {
	rv, err := h.Q.GetCityReview(r.Context(), chi.URLParam(r, "slug"), chi.URLParam(r, "reviewId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review": toReviewDTO(*rv)})
}

type upsertReviewRequest struct {
	Ratings map[string]*float64 `json:"ratings"`
	Comment *string             `json:"comment"`
}

func (h *Handlers) upsertMyReview(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req upsertReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.ValidationError{Errors: []string{"body must be a JSON object with ratings"}})
		return
	}
	res, err := h.R.Upsert(r.Context(), chi.URLParam(r, "slug"), uid, req.Ratings, req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"ok":      true,
		"created": res.Created,
		"review":  toReviewDTO(res.Review),
	})
}

func (h *Handlers) deleteMyReview(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := h.R.Remove(r.Context(), chi.URLParam(r, "slug"), uid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *Handlers) getMyReview(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	rv, err := h.R.GetMine(r.Context(), chi.URLParam(r, "slug"), uid)
	if err != nil {
		writeError(w, err)
		return
	}
	if rv == nil {
		writeError(w, domain.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"review": toReviewDTO(*rv)})
}

func (h *Handlers) listMyReviews(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	limit := 50
	if ls := r.URL.Query().Get("limit"); ls != "" {
		l, err := strconv.Atoi(ls)
		if err != nil || l <= 0 || l > 100 {
			writeError(w, &domain.ValidationError{Errors: []string{"limit must be an integer between 1 and 100"}})
			return
		}
		limit = l
	}
	rvs, err := h.Q.ListMyReviews(r.Context(), uid, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reviews": toReviewDTOs(rvs)})
}

type upsertMetricsRequest struct {
	MedianRent        *float64       `json:"medianRent"`
	Population        *float64       `json:"population"`
	SafetyScore       *float64       `json:"safetyScore"`
	CrimeIndexPer100k *float64       `json:"crimeIndexPer100k"`
	Meta              map[string]any `json:"meta"`
}

func (h *Handlers) upsertMetrics(w http.ResponseWriter, r *http.Request) {
	owner := domain.MetricsOwner(r.Header.Get("X-Metrics-Owner"))
	var req upsertMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &domain.ValidationError{Errors: []string{"body must be a JSON metrics patch"}})
		return
	}
	err := h.M.Upsert(r.Context(), chi.URLParam(r, "slug"), owner, domain.MetricsPatch{
		MedianRent:        req.MedianRent,
		Population:        req.Population,
		SafetyScore:       req.SafetyScore,
		CrimeIndexPer100k: req.CrimeIndexPer100k,
		Meta:              req.Meta,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
