package geodata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

const overpassFixture = `{
  "elements": [
    {"type": "way", "id": 11, "center": {"lat": 35.001, "lon": 139.001}, "tags": {"building": "yes"}},
    {"type": "way", "id": 12, "center": {"lat": 35.002, "lon": 139.002}, "tags": {"building": "house"}},
    {"type": "node", "id": 21, "lat": 35.01, "lon": 139.01, "tags": {"amenity": "hospital", "name": "St. Luke"}},
    {"type": "way", "id": 22, "center": {"lat": 35.02, "lon": 139.02}, "tags": {"amenity": "school", "building": "school"}},
    {"type": "node", "id": 23, "lat": 35.03, "lon": 139.03, "tags": {"man_made": "mast"}},
    {"type": "node", "id": 24, "lat": 0, "lon": 0, "tags": {"building": "yes"}},
    {"type": "node", "id": 25, "lat": 35.04, "lon": 139.04, "tags": {"shop": "bakery"}}
  ]
}`

func newTestCache(t *testing.T, now time.Time) *SQLCache {
	t.Helper()
	db, err := repository.NewSQLiteDB(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := NewSQLCache(db)
	c.now = func() time.Time { return now }
	return c
}

func overpassServer(t *testing.T, status int, body string, calls *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCacheKey(t *testing.T) {
	a := geo.BBoxAround(geo.Point{X: 139.0012, Y: 35.0049}, 0.2).Round(2)
	b := geo.BBoxAround(geo.Point{X: 139.0031, Y: 35.0021}, 0.2).Round(2)
	c := geo.BBoxAround(geo.Point{X: 140.5, Y: 35.0}, 0.2).Round(2)

	assert.Equal(t, CacheKey(a), CacheKey(b), "nearby centres should share a key")
	assert.NotEqual(t, CacheKey(a), CacheKey(c))
	assert.Len(t, CacheKey(a), 32)
}

func TestQuery(t *testing.T) {
	q := Query(geo.BBox{MinLon: 139.8, MinLat: 35.5, MaxLon: 140.2, MaxLat: 35.9})

	assert.True(t, strings.HasPrefix(q, "[out:json]"))
	assert.Contains(t, q, `way["building"](35.5,139.8,35.9,140.2);`)
	assert.Contains(t, q, `nwr["amenity"="hospital"](35.5,139.8,35.9,140.2);`)
	assert.True(t, strings.HasSuffix(q, "out center;"))
}

func TestParseOverpass(t *testing.T) {
	f, err := parseOverpass([]byte(overpassFixture))
	require.NoError(t, err)

	assert.Len(t, f.Buildings, 3, "two houses plus the school building")
	require.Len(t, f.Infrastructure, 3)
	assert.Equal(t, models.FacilityHospital, f.Infrastructure[0].FacilityType)
	assert.Equal(t, "St. Luke", f.Infrastructure[0].Name)
	assert.Equal(t, "node/21", f.Infrastructure[0].OSMID)
	assert.Equal(t, models.FacilitySchool, f.Infrastructure[1].FacilityType)
	assert.Equal(t, models.FacilityCellTower, f.Infrastructure[2].FacilityType)
	assert.InDelta(t, 35.02, f.Infrastructure[1].Lat, 1e-9, "ways use their center")
}

func TestSynthetic(t *testing.T) {
	f := Synthetic(geo.Point{X: 10, Y: 20})

	assert.True(t, f.Synthetic)
	assert.Len(t, f.Buildings, 441)
	assert.Len(t, f.Infrastructure, 4)
	assert.InDelta(t, 20-0.02, f.Buildings[0].Lat, 1e-9)
	assert.InDelta(t, 10-0.02, f.Buildings[0].Lon, 1e-9)
	assert.Equal(t, f, Synthetic(geo.Point{X: 10, Y: 20}), "fallback must be deterministic")
}

func TestProvider_CacheHitSkipsLiveQuery(t *testing.T) {
	var calls atomic.Int64
	srv := overpassServer(t, http.StatusOK, overpassFixture, &calls)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)

	p := NewProvider(cache, NewOverpassClient(srv.URL, 2*time.Second), 0)
	center := geo.Point{X: 139.0, Y: 35.0}

	first := p.Lookup(context.Background(), center, 0.2)
	second := p.Lookup(context.Background(), center, 0.2)

	assert.Equal(t, int64(1), calls.Load())
	assert.False(t, first.Synthetic)
	assert.Equal(t, first.Buildings, second.Buildings)
	assert.Equal(t, first.Infrastructure, second.Infrastructure)
}

func TestProvider_ExpiredEntryRefetches(t *testing.T) {
	var calls atomic.Int64
	srv := overpassServer(t, http.StatusOK, overpassFixture, &calls)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	cache := newTestCache(t, now)

	p := NewProvider(cache, NewOverpassClient(srv.URL, 2*time.Second), 24*time.Hour)
	center := geo.Point{X: 139.0, Y: 35.0}

	p.Lookup(context.Background(), center, 0.2)
	cache.now = func() time.Time { return now.Add(25 * time.Hour) }
	p.Lookup(context.Background(), center, 0.2)

	assert.Equal(t, int64(2), calls.Load())
}

func TestProvider_FailureFallsBackUncached(t *testing.T) {
	var calls atomic.Int64
	srv := overpassServer(t, http.StatusBadRequest, `{"error":"bad query"}`, &calls)
	cache := newTestCache(t, time.Now())

	p := NewProvider(cache, NewOverpassClient(srv.URL, 2*time.Second), 0)
	center := geo.Point{X: 139.0, Y: 35.0}

	f := p.Lookup(context.Background(), center, 0.2)
	assert.True(t, f.Synthetic)
	assert.Len(t, f.Buildings, 441)

	p.Lookup(context.Background(), center, 0.2)
	assert.Equal(t, int64(2), calls.Load(), "synthetic results must not be cached")
}

func TestProvider_UndecodablePayloadFallsBack(t *testing.T) {
	var calls atomic.Int64
	srv := overpassServer(t, http.StatusOK, `<html>busy</html>`, &calls)

	p := NewProvider(nil, NewOverpassClient(srv.URL, 2*time.Second), 0)
	f := p.Lookup(context.Background(), geo.Point{X: 1, Y: 1}, 0.2)

	assert.True(t, f.Synthetic)
}

type blockingFetcher struct {
	calls   atomic.Int64
	release chan struct{}
}

func (b *blockingFetcher) Fetch(ctx context.Context, bbox geo.BBox) (*Features, error) {
	b.calls.Add(1)
	<-b.release
	return &Features{Buildings: []Building{{OSMID: "way/1", Lat: 1, Lon: 1}}}, nil
}

func TestProvider_ConcurrentMissesCollapse(t *testing.T) {
	live := &blockingFetcher{release: make(chan struct{})}
	cache := newTestCache(t, time.Now())
	p := NewProvider(cache, live, 0)

	var wg sync.WaitGroup
	results := make([]*Features, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Lookup(context.Background(), geo.Point{X: 5, Y: 5}, 0.2)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(live.release)
	wg.Wait()

	assert.Equal(t, int64(1), live.calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Len(t, r.Buildings, 1)
	}
}

func TestNewCache(t *testing.T) {
	db, err := repository.NewSQLiteDB(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, ok := NewCache(config.GeodataConfig{}, db).(*SQLCache)
	assert.True(t, ok, "no redis address should use the sql cache")

	// nothing listens on the discard port
	_, ok = NewCache(config.GeodataConfig{RedisAddr: "127.0.0.1:9"}, db).(*SQLCache)
	assert.True(t, ok, "unreachable redis should fall back to the sql cache")
}

// ctxFetcher blocks until released or until its context ends.
type ctxFetcher struct {
	calls   atomic.Int64
	release chan struct{}
	ctxErr  chan error
}

func (f *ctxFetcher) Fetch(ctx context.Context, bbox geo.BBox) (*Features, error) {
	f.calls.Add(1)
	select {
	case <-f.release:
		f.ctxErr <- ctx.Err()
		return &Features{Buildings: []Building{{OSMID: "way/1", Lat: 1, Lon: 1}}}, nil
	case <-ctx.Done():
		f.ctxErr <- ctx.Err()
		return nil, ctx.Err()
	}
}

func TestProvider_SharedQuerySurvivesFirstCallerCancel(t *testing.T) {
	live := &ctxFetcher{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	p := NewProvider(newTestCache(t, time.Now()), live, 0)
	center := geo.Point{X: 7, Y: 7}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan *Features, 1)
	go func() { first <- p.Lookup(firstCtx, center, 0.2) }()
	require.Eventually(t, func() bool { return live.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan *Features, 1)
	go func() { second <- p.Lookup(context.Background(), center, 0.2) }()
	time.Sleep(50 * time.Millisecond)

	cancelFirst()
	assert.True(t, (<-first).Synthetic, "the cancelled caller falls back on its own")

	close(live.release)
	got := <-second
	assert.False(t, got.Synthetic)
	assert.Len(t, got.Buildings, 1)
	assert.NoError(t, <-live.ctxErr, "the shared query was not cancelled")
	assert.Equal(t, int64(1), live.calls.Load())
}

func TestProvider_SharedQueryHasItsOwnTimeout(t *testing.T) {
	live := &ctxFetcher{release: make(chan struct{}), ctxErr: make(chan error, 1)}
	p := NewProvider(nil, live, 0)
	p.fetchTimeout = 20 * time.Millisecond

	f := p.Lookup(context.Background(), geo.Point{X: 8, Y: 8}, 0.2)

	assert.True(t, f.Synthetic)
	assert.ErrorIs(t, <-live.ctxErr, context.DeadlineExceeded)
}
