package census

import (
	"context"
	crand "crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/aidansoares23/city-insight-server/internal/adapters/observability"
)

// Client talks to the Census Bureau ACS 5-year data API. The key is optional;
// unkeyed access works at a lower quota.
type Client struct {
	base string
	year string
	hc   *http.Client
	key  string
	rl   *rate.Limiter
}

func New(base, year, key string, rps int) *Client {
	if rps <= 0 {
		rps = 5
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		year: year,
		hc:   &http.Client{Timeout: 20 * time.Second},
		key:  key,
		rl:   rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// PlaceMetrics is one place row from an ACS pull.
// Negative ACS sentinel values (suppressed estimates) come back as nil.
type PlaceMetrics struct {
	Name       string
	StateFIPS  string
	PlaceFIPS  string
	Population *float64
	MedianRent *float64
}

const (
	varPopulation = "B01003_001E" // total population
	varMedianRent = "B25064_001E" // median gross rent
)

var ErrNotFound = errors.New("census: not found")

// FetchStatePlaces pulls population and median gross rent for every place in
// a state, keyed by the ACS place geography.
func (c *Client) FetchStatePlaces(ctx context.Context, stateFIPS string) ([]PlaceMetrics, error) {
	q := url.Values{}
	q.Set("get", "NAME,"+varPopulation+","+varMedianRent)
	q.Set("for", "place:*")
	q.Set("in", "state:"+stateFIPS)
	if c.key != "" {
		q.Set("key", c.key)
	}
	u := fmt.Sprintf("%s/%s/acs/acs5?%s", c.base, c.year, q.Encode())

	// The data API responds with an array of arrays, header row first:
	// [["NAME","B01003_001E","B25064_001E","state","place"], [...], ...]
	// Cells can be JSON null for suppressed estimates.
	var rows [][]*string
	if err := c.get(ctx, u, "acs5_places", &rows); err != nil {
		return nil, err
	}
	if len(rows) < 2 {
		return nil, nil
	}

	header := rows[0]
	col := make(map[string]int, len(header))
	for i, h := range header {
		if h != nil {
			col[*h] = i
		}
	}
	for _, want := range []string{"NAME", varPopulation, varMedianRent, "state", "place"} {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("census: response missing column %s", want)
		}
	}

	out := make([]PlaceMetrics, 0, len(rows)-1)
	for _, row := range rows[1:] {
		if len(row) != len(header) {
			continue
		}
		cell := func(name string) string {
			if p := row[col[name]]; p != nil {
				return *p
			}
			return ""
		}
		out = append(out, PlaceMetrics{
			Name:       cell("NAME"),
			StateFIPS:  cell("state"),
			PlaceFIPS:  cell("place"),
			Population: parseEstimate(cell(varPopulation)),
			MedianRent: parseEstimate(cell(varMedianRent)),
		})
	}
	return out, nil
}

// parseEstimate maps an ACS cell to a value. Empty cells and the negative
// suppression sentinels (-666666666 and friends) read as unknown.
func parseEstimate(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

// SlugForPlace maps an ACS place name like "San Luis Obispo city, California"
// to the city slug form "san-luis-obispo-ca". Returns "" when the name does
// not parse.
func SlugForPlace(name string) string {
	parts := strings.SplitN(name, ",", 2)
	if len(parts) != 2 {
		return ""
	}
	place := strings.TrimSpace(parts[0])
	state := strings.TrimSpace(parts[1])
	abbr, ok := stateAbbr[state]
	if !ok {
		return ""
	}
	for _, suffix := range []string{" city", " town", " village", " CDP", " borough", " municipality"} {
		if strings.HasSuffix(place, suffix) {
			place = strings.TrimSuffix(place, suffix)
			break
		}
	}

	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(place) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return ""
	}
	return slug + "-" + abbr
}

var stateAbbr = map[string]string{
	"Alabama": "al", "Alaska": "ak", "Arizona": "az", "Arkansas": "ar",
	"California": "ca", "Colorado": "co", "Connecticut": "ct", "Delaware": "de",
	"District of Columbia": "dc", "Florida": "fl", "Georgia": "ga", "Hawaii": "hi",
	"Idaho": "id", "Illinois": "il", "Indiana": "in", "Iowa": "ia",
	"Kansas": "ks", "Kentucky": "ky", "Louisiana": "la", "Maine": "me",
	"Maryland": "md", "Massachusetts": "ma", "Michigan": "mi", "Minnesota": "mn",
	"Mississippi": "ms", "Missouri": "mo", "Montana": "mt", "Nebraska": "ne",
	"Nevada": "nv", "New Hampshire": "nh", "New Jersey": "nj", "New Mexico": "nm",
	"New York": "ny", "North Carolina": "nc", "North Dakota": "nd", "Ohio": "oh",
	"Oklahoma": "ok", "Oregon": "or", "Pennsylvania": "pa", "Rhode Island": "ri",
	"South Carolina": "sc", "South Dakota": "sd", "Tennessee": "tn", "Texas": "tx",
	"Utah": "ut", "Vermont": "vt", "Virginia": "va", "Washington": "wa",
	"West Virginia": "wv", "Wisconsin": "wi", "Wyoming": "wy",
}

// get performs a GET with client-side rate limiting, retries, and JSON decode
// into out. Retries on 429 and transient 5xx, honoring Retry-After.
func (c *Client) get(ctx context.Context, rawURL, endpoint string, out any) error {
	if err := c.rl.Wait(ctx); err != nil {
		return err
	}

	var lastErr error
	for i := 0; i < 4; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "city-insight-server/1.0")

		start := time.Now()
		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.ObserveExternal("census", endpoint, 0, time.Since(start))
			lastErr = err
			if i < 3 && sleepCtx(ctx, backoff(i)) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr
		}
		observability.ObserveExternal("census", endpoint, resp.StatusCode, time.Since(start))

		switch resp.StatusCode {
		case http.StatusOK:
			err := json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			return err

		case http.StatusNoContent:
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return nil

		case http.StatusNotFound:
			resp.Body.Close()
			return ErrNotFound

		case http.StatusTooManyRequests, http.StatusInternalServerError,
			http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			wait := retryAfter(resp)
			resp.Body.Close()
			if wait == 0 {
				wait = backoff(i)
			}
			lastErr = fmt.Errorf("census: remote %d", resp.StatusCode)
			if i < 3 && sleepCtx(ctx, wait) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return lastErr

		default:
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("census: bad status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}
	}

	return lastErr
}

// sleepCtx waits for d or returns early if ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// retryAfter parses Retry-After (seconds or HTTP-date). 0 if absent/invalid.
func retryAfter(resp *http.Response) time.Duration {
	h := resp.Header.Get("Retry-After")
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// backoff returns an exponential delay with concurrency-safe jitter.
// Base doubles each attempt (200ms, 400ms, ...), with up to +50% jitter.
func backoff(i int) time.Duration {
	base := time.Duration(1<<i) * 200 * time.Millisecond
	var b [1]byte
	if _, err := crand.Read(b[:]); err != nil {
		return base
	}
	f := float64(b[0]) / 255.0
	return base + time.Duration(0.5*f*float64(base))
}
