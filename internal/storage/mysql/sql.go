package mysql

const getCitySQL = `
SELECT id, slug, name, state, lat, lng, created_at, updated_at
FROM cities
WHERE id = ?
`

const listCitiesSQL = `
SELECT id, slug, name, state, lat, lng, created_at, updated_at
FROM cities
ORDER BY name ASC
LIMIT ?
`

const listCityIDsSQL = `SELECT id FROM cities ORDER BY id`

// Directory card projection: one row per city joined with its aggregate and
// metrics. Missing stats/metrics rows read as NULL, not 0.
const listCityCardsSQL = `
SELECT
  c.id,
  c.slug,
  c.name,
  c.state,
  COALESCE(s.review_count, 0),
  s.livability_score,
  m.safety_score,
  m.median_rent,
  m.crime_index_per_100k
FROM cities c
LEFT JOIN city_stats   s ON s.city_id = c.id
LEFT JOIN city_metrics m ON m.city_id = c.id
ORDER BY c.name ASC
LIMIT ?
`

const getReviewSQL = `
SELECT id, user_id, city_id, safety, cost, traffic, cleanliness, overall, comment, created_at, updated_at
FROM reviews
WHERE id = ?
`

// Inside a mutation the review must be read with a current locking read, not
// the REPEATABLE READ snapshot: two transactions for the same (user, city)
// would otherwise both see the review as absent and double-apply the delta.
const getReviewForUpdateSQL = getReviewSQL + ` FOR UPDATE`

const upsertReviewSQL = `
INSERT INTO reviews
  (id, user_id, city_id, safety, cost, traffic, cleanliness, overall, comment, created_at, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  safety      = VALUES(safety),
  cost        = VALUES(cost),
  traffic     = VALUES(traffic),
  cleanliness = VALUES(cleanliness),
  overall     = VALUES(overall),
  comment     = VALUES(comment),
  updated_at  = VALUES(updated_at)
`

const deleteReviewSQL = `DELETE FROM reviews WHERE id = ?`

const listCityReviewsHeadSQL = `
SELECT id, user_id, city_id, safety, cost, traffic, cleanliness, overall, comment, created_at, updated_at
FROM reviews
WHERE city_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?
`

// Resumes strictly after the (created_at, id) tuple in descending order.
const listCityReviewsAfterSQL = `
SELECT id, user_id, city_id, safety, cost, traffic, cleanliness, overall, comment, created_at, updated_at
FROM reviews
WHERE city_id = ?
  AND (created_at < ? OR (created_at = ? AND id < ?))
ORDER BY created_at DESC, id DESC
LIMIT ?
`

const listUserReviewsSQL = `
SELECT id, user_id, city_id, safety, cost, traffic, cleanliness, overall, comment, created_at, updated_at
FROM reviews
WHERE user_id = ?
ORDER BY updated_at DESC
LIMIT ?
`

const scanCityReviewsSQL = `
SELECT id, user_id, city_id, safety, cost, traffic, cleanliness, overall, comment, created_at, updated_at
FROM reviews
WHERE city_id = ?
`

const getAggregateSQL = `
SELECT city_id, review_count, sum_safety, sum_cost, sum_traffic, sum_cleanliness, sum_overall,
       livability_version, livability_score, updated_at
FROM city_stats
WHERE city_id = ?
`

// FOR UPDATE on the aggregate row is the per-city serialization point for
// all review mutations; disjoint cities lock disjoint rows.
const getAggregateForUpdateSQL = getAggregateSQL + ` FOR UPDATE`

const upsertAggregateSQL = `
INSERT INTO city_stats
  (city_id, review_count, sum_safety, sum_cost, sum_traffic, sum_cleanliness, sum_overall,
   livability_version, livability_score, updated_at)
VALUES
  (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  review_count       = VALUES(review_count),
  sum_safety         = VALUES(sum_safety),
  sum_cost           = VALUES(sum_cost),
  sum_traffic        = VALUES(sum_traffic),
  sum_cleanliness    = VALUES(sum_cleanliness),
  sum_overall        = VALUES(sum_overall),
  livability_version = VALUES(livability_version),
  livability_score   = VALUES(livability_score),
  updated_at         = VALUES(updated_at)
`

const getMetricsSQL = `
SELECT city_id, median_rent, population, safety_score, crime_index_per_100k, meta, updated_at
FROM city_metrics
WHERE city_id = ?
`

// COALESCE keeps the stored value when the incoming one is NULL, so a writer
// that omits a field can never erase another writer's field.
const upsertMetricsFieldsSQL = `
INSERT INTO city_metrics
  (city_id, median_rent, population, safety_score, crime_index_per_100k)
VALUES
  (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
  median_rent          = COALESCE(VALUES(median_rent), city_metrics.median_rent),
  population           = COALESCE(VALUES(population), city_metrics.population),
  safety_score         = COALESCE(VALUES(safety_score), city_metrics.safety_score),
  crime_index_per_100k = COALESCE(VALUES(crime_index_per_100k), city_metrics.crime_index_per_100k)
`

// JSON_SET replaces only the owner's namespace inside meta; other owners'
// namespaces are untouched even when writers race.
const setMetricsMetaSQL = `
INSERT INTO city_metrics (city_id, meta)
VALUES (?, JSON_SET('{}', ?, CAST(? AS JSON)))
ON DUPLICATE KEY UPDATE
  meta = JSON_SET(COALESCE(city_metrics.meta, '{}'), ?, CAST(? AS JSON))
`
