package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/aidansoares23/city-insight-server/internal/domain"
)

type Repo struct{ db *sql.DB }

func New(db *sql.DB) *Repo { return &Repo{db: db} }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func valStr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
func valF64(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}
func nullStr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
func nullF64(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// mapTxErr translates InnoDB deadlocks and lock-wait timeouts into the
// retryable conflict class. Everything else passes through.
func mapTxErr(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == 1213 || me.Number == 1205) {
		return fmt.Errorf("%w: mysql error %d", domain.ErrConflict, me.Number)
	}
	return err
}

// ---- transactions ----

type txRepo struct{ tx *sql.Tx }

func (r *Repo) InCityTx(ctx context.Context, cityID string, fn func(tx domain.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return mapTxErr(err)
	}
	if err := fn(&txRepo{tx: tx}); err != nil {
		_ = tx.Rollback()
		return mapTxErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapTxErr(err)
	}
	return nil
}

func (t *txRepo) GetCity(ctx context.Context, cityID string) (*domain.City, error) {
	return getCity(ctx, t.tx, cityID)
}

func (t *txRepo) GetReview(ctx context.Context, id string) (*domain.Review, error) {
	return getReview(ctx, t.tx, id, getReviewForUpdateSQL)
}

func (t *txRepo) GetAggregate(ctx context.Context, cityID string) (domain.CityAggregate, error) {
	return getAggregate(ctx, t.tx, cityID, getAggregateForUpdateSQL)
}

func (t *txRepo) GetMetrics(ctx context.Context, cityID string) (domain.Metrics, error) {
	return getMetrics(ctx, t.tx, cityID)
}

func (t *txRepo) PutReview(ctx context.Context, rv domain.Review) error {
	_, err := t.tx.ExecContext(ctx, upsertReviewSQL,
		rv.ID, rv.UserID, rv.CityID,
		int(rv.Ratings[domain.KeySafety]),
		int(rv.Ratings[domain.KeyCost]),
		int(rv.Ratings[domain.KeyTraffic]),
		int(rv.Ratings[domain.KeyCleanliness]),
		int(rv.Ratings[domain.KeyOverall]),
		valStr(rv.Comment),
		rv.CreatedAt.UTC(), rv.UpdatedAt.UTC(),
	)
	return err
}

func (t *txRepo) DeleteReview(ctx context.Context, id string) error {
	_, err := t.tx.ExecContext(ctx, deleteReviewSQL, id)
	return err
}

func (t *txRepo) PutAggregate(ctx context.Context, a domain.CityAggregate) error {
	sums := domain.NormalizeForAggregation(a.Sums)
	var score any
	if a.Livability.Score != nil {
		score = *a.Livability.Score
	}
	_, err := t.tx.ExecContext(ctx, upsertAggregateSQL,
		a.CityID, a.Count,
		sums[domain.KeySafety], sums[domain.KeyCost], sums[domain.KeyTraffic],
		sums[domain.KeyCleanliness], sums[domain.KeyOverall],
		a.Livability.Version, score,
		a.UpdatedAt.UTC(),
	)
	return err
}

// ---- cities ----

func getCity(ctx context.Context, q querier, cityID string) (*domain.City, error) {
	row := q.QueryRowContext(ctx, getCitySQL, cityID)

	var c domain.City
	var name, state sql.NullString
	var lat, lng sql.NullFloat64
	if err := row.Scan(&c.ID, &c.Slug, &name, &state, &lat, &lng, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	c.Name, c.State = nullStr(name), nullStr(state)
	c.Lat, c.Lng = nullF64(lat), nullF64(lng)
	return &c, nil
}

func (r *Repo) GetCity(ctx context.Context, cityID string) (*domain.City, error) {
	return getCity(ctx, r.db, cityID)
}

func (r *Repo) ListCities(ctx context.Context, limit int) ([]domain.City, error) {
	rows, err := r.db.QueryContext(ctx, listCitiesSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.City
	for rows.Next() {
		var c domain.City
		var name, state sql.NullString
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.Slug, &name, &state, &lat, &lng, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Name, c.State = nullStr(name), nullStr(state)
		c.Lat, c.Lng = nullF64(lat), nullF64(lng)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repo) ListCityIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, listCityIDsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *Repo) ListCityCards(ctx context.Context, limit int) ([]domain.CityCard, error) {
	rows, err := r.db.QueryContext(ctx, listCityCardsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CityCard
	for rows.Next() {
		var c domain.CityCard
		var name, state sql.NullString
		var livScore sql.NullInt64
		var safety, rent, crime sql.NullFloat64
		if err := rows.Scan(&c.ID, &c.Slug, &name, &state, &c.ReviewCount, &livScore, &safety, &rent, &crime); err != nil {
			return nil, err
		}
		c.Name, c.State = nullStr(name), nullStr(state)
		if livScore.Valid {
			s := int(livScore.Int64)
			c.LivabilityScore = &s
		}
		if safety.Valid {
			v := domain.NormalizeSafetyScore(safety.Float64)
			c.SafetyScore = &v
		}
		c.MedianRent, c.CrimeIndexPer100k = nullF64(rent), nullF64(crime)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- reviews ----

func scanReview(scan func(dest ...any) error) (domain.Review, error) {
	var rv domain.Review
	var safety, cost, traffic, cleanliness, overall int
	var comment sql.NullString
	if err := scan(&rv.ID, &rv.UserID, &rv.CityID,
		&safety, &cost, &traffic, &cleanliness, &overall,
		&comment, &rv.CreatedAt, &rv.UpdatedAt); err != nil {
		return domain.Review{}, err
	}
	rv.Ratings = domain.Vector{
		domain.KeySafety:      float64(safety),
		domain.KeyCost:        float64(cost),
		domain.KeyTraffic:     float64(traffic),
		domain.KeyCleanliness: float64(cleanliness),
		domain.KeyOverall:     float64(overall),
	}
	rv.Comment = nullStr(comment)
	return rv, nil
}

func getReview(ctx context.Context, q querier, id, query string) (*domain.Review, error) {
	rv, err := scanReview(q.QueryRowContext(ctx, query, id).Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &rv, nil
}

func (r *Repo) GetReview(ctx context.Context, id string) (*domain.Review, error) {
	return getReview(ctx, r.db, id, getReviewSQL)
}

func (r *Repo) ListCityReviews(ctx context.Context, cityID string, q domain.ReviewPageQuery) ([]domain.Review, error) {
	var rows *sql.Rows
	var err error
	if q.After == nil {
		rows, err = r.db.QueryContext(ctx, listCityReviewsHeadSQL, cityID, q.Limit)
	} else {
		at := q.After.CreatedAt.UTC()
		rows, err = r.db.QueryContext(ctx, listCityReviewsAfterSQL, cityID, at, at, q.After.ID, q.Limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReviews(rows)
}

func (r *Repo) ListUserReviews(ctx context.Context, userID string, limit int) ([]domain.Review, error) {
	rows, err := r.db.QueryContext(ctx, listUserReviewsSQL, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectReviews(rows)
}

func collectReviews(rows *sql.Rows) ([]domain.Review, error) {
	var out []domain.Review
	for rows.Next() {
		rv, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (r *Repo) ScanCityReviews(ctx context.Context, cityID string, fn func(domain.Review) error) error {
	rows, err := r.db.QueryContext(ctx, scanCityReviewsSQL, cityID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		rv, err := scanReview(rows.Scan)
		if err != nil {
			return err
		}
		if err := fn(rv); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ---- aggregates ----

func getAggregate(ctx context.Context, q querier, cityID, query string) (domain.CityAggregate, error) {
	row := q.QueryRowContext(ctx, query, cityID)

	var a domain.CityAggregate
	var sums [5]float64
	var score sql.NullInt64
	err := row.Scan(&a.CityID, &a.Count, &sums[0], &sums[1], &sums[2], &sums[3], &sums[4],
		&a.Livability.Version, &score, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		// No reviews yet: zero-count aggregate, not an error.
		return domain.CityAggregate{
			CityID:     cityID,
			Sums:       domain.NormalizeForAggregation(nil),
			Livability: domain.Livability{Version: "uncomputed"},
		}, nil
	}
	if err != nil {
		return domain.CityAggregate{}, err
	}
	a.Sums = domain.Vector{
		domain.KeySafety:      sums[0],
		domain.KeyCost:        sums[1],
		domain.KeyTraffic:     sums[2],
		domain.KeyCleanliness: sums[3],
		domain.KeyOverall:     sums[4],
	}
	if score.Valid {
		s := int(score.Int64)
		a.Livability.Score = &s
	}
	return a, nil
}

func (r *Repo) GetAggregate(ctx context.Context, cityID string) (domain.CityAggregate, error) {
	return getAggregate(ctx, r.db, cityID, getAggregateSQL)
}

// ---- metrics ----

func getMetrics(ctx context.Context, q querier, cityID string) (domain.Metrics, error) {
	row := q.QueryRowContext(ctx, getMetricsSQL, cityID)

	var m domain.Metrics
	var rent, pop, safety, crime sql.NullFloat64
	var metaRaw []byte
	err := row.Scan(&m.CityID, &rent, &pop, &safety, &crime, &metaRaw, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		// Absent document: every field defaults to nil, never 0.
		return domain.Metrics{CityID: cityID}, nil
	}
	if err != nil {
		return domain.Metrics{}, err
	}
	m.MedianRent, m.Population = nullF64(rent), nullF64(pop)
	m.CrimeIndexPer100k = nullF64(crime)
	if safety.Valid {
		v := domain.NormalizeSafetyScore(safety.Float64)
		m.SafetyScore = &v
	}
	if len(metaRaw) > 0 {
		_ = json.Unmarshal(metaRaw, &m.Meta)
	}
	return m, nil
}

func (r *Repo) GetMetrics(ctx context.Context, cityID string) (domain.Metrics, error) {
	return getMetrics(ctx, r.db, cityID)
}

func (r *Repo) UpsertMetricsFields(ctx context.Context, cityID string, p domain.MetricsPatch) error {
	_, err := r.db.ExecContext(ctx, upsertMetricsFieldsSQL,
		cityID,
		valF64(p.MedianRent),
		valF64(p.Population),
		valF64(p.SafetyScore),
		valF64(p.CrimeIndexPer100k),
	)
	return err
}

func (r *Repo) SetMetricsMeta(ctx context.Context, cityID string, owner domain.MetricsOwner, meta map[string]any) error {
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	path := fmt.Sprintf(`$."%s"`, owner)
	_, err = r.db.ExecContext(ctx, setMetricsMetaSQL, cityID, path, string(b), path, string(b))
	return err
}

var _ domain.Repository = (*Repo)(nil)
var _ domain.Tx = (*txRepo)(nil)
