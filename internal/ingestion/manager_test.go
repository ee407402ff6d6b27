package ingestion

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const gdacsFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:gdacs="http://www.gdacs.org" xmlns:georss="http://www.georss.org/georss"
     xmlns:geo="http://www.w3.org/2003/01/geo/wgs84_pos#">
  <channel>
    <item>
      <title>Red earthquake alert in Japan</title>
      <pubDate>Fri, 14 Mar 2025 10:00:00 GMT</pubDate>
      <georss:point>35.6789 139.6512</georss:point>
      <gdacs:eventtype>EQ</gdacs:eventtype>
      <gdacs:alertlevel>Red</gdacs:alertlevel>
      <gdacs:eventid>1000001</gdacs:eventid>
      <gdacs:country>Japan</gdacs:country>
      <gdacs:population value="1200000" unit="people">1.2 million</gdacs:population>
    </item>
    <item>
      <title>Orange flood alert in Bangladesh</title>
      <geo:Point><geo:lat>23.81</geo:lat><geo:long>90.41</geo:long></geo:Point>
      <gdacs:eventtype>FL</gdacs:eventtype>
      <gdacs:alertlevel>Orange</gdacs:alertlevel>
      <gdacs:eventid>1000002</gdacs:eventid>
    </item>
    <item>
      <title>Green drought alert</title>
      <georss:point>10 10</georss:point>
      <gdacs:eventtype>DR</gdacs:eventtype>
      <gdacs:alertlevel>Green</gdacs:alertlevel>
      <gdacs:eventid>1000003</gdacs:eventid>
    </item>
    <item>
      <title>No id</title>
      <georss:point>10 10</georss:point>
      <gdacs:alertlevel>Red</gdacs:alertlevel>
    </item>
    <item>
      <title>Bad coordinates</title>
      <georss:point>not a point</georss:point>
      <gdacs:alertlevel>Red</gdacs:alertlevel>
      <gdacs:eventid>1000004</gdacs:eventid>
    </item>
  </channel>
</rss>`

const usgsFixture = `{
  "features": [
    {"id": "us7000big", "properties": {"mag": 7.4, "place": "80 km E of Town, Chile", "time": 1741946400000, "title": "M 7.4 - Chile"}, "geometry": {"coordinates": [-71.5, -33.0, 10]}},
    {"id": "us7000mid", "properties": {"mag": 5.6, "place": "Fiji region", "time": 1741946400000, "title": "M 5.6 - Fiji"}, "geometry": {"coordinates": [178.1, -17.8, 500]}},
    {"id": "us7000small", "properties": {"mag": 4.9, "place": "Nowhere", "time": 1741946400000, "title": "M 4.9"}, "geometry": {"coordinates": [0, 0, 0]}},
    {"id": "us7000null", "properties": {"mag": null, "title": "unknown"}, "geometry": {"coordinates": [0, 0, 0]}}
  ]
}`

const eonetFixture = `{
  "events": [
    {"id": "EONET_1", "title": "Etna", "categories": [{"id": "volcanoes", "title": "Volcanoes"}],
     "geometry": [
       {"date": "2025-03-10T00:00:00Z", "type": "Point", "coordinates": [10.0, 30.0]},
       {"date": "2025-03-12T00:00:00Z", "type": "Point", "coordinates": [14.99, 37.75]}
     ]},
    {"id": "EONET_2", "title": "Fire complex", "categories": [{"id": "wildfires", "title": "Wildfires"}],
     "geometry": [{"date": "2025-03-11T00:00:00Z", "type": "Polygon", "coordinates": [[[0,0],[2,0],[2,2],[0,2],[0,0]]]}]},
    {"id": "EONET_3", "title": "Sea ice", "categories": [{"id": "seaLakeIce", "title": "Sea and Lake Ice"}],
     "geometry": [{"date": "2025-03-11T00:00:00Z", "type": "Point", "coordinates": [-50, 70]}]},
    {"id": "EONET_4", "title": "No geometry", "categories": [], "geometry": []}
  ]
}`

var testNow = time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

func TestParseGDACS(t *testing.T) {
	events, err := parseGDACS([]byte(gdacsFixture), testNow)
	if err != nil {
		t.Fatalf("parseGDACS failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 red/orange events, got %d", len(events))
	}

	red := events[0]
	if red.GDACSID != "1000001" || red.Severity != models.SeverityRed || red.Type != models.EventTypeEarthquake {
		t.Errorf("unexpected red event %+v", red)
	}
	if red.Latitude != 35.6789 || red.Longitude != 139.6512 {
		t.Errorf("expected georss point parsed, got %f,%f", red.Latitude, red.Longitude)
	}
	if red.AffectedPopulation != 1200000 || red.Country != "Japan" {
		t.Errorf("expected population and country, got %d %q", red.AffectedPopulation, red.Country)
	}
	if !red.EventDate.Equal(time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("expected pubDate parsed, got %v", red.EventDate)
	}

	flood := events[1]
	if flood.Latitude != 23.81 || flood.Longitude != 90.41 {
		t.Errorf("expected geo:Point fallback, got %f,%f", flood.Latitude, flood.Longitude)
	}
	if !flood.EventDate.Equal(testNow) {
		t.Errorf("expected missing pubDate to default to now, got %v", flood.EventDate)
	}
}

func TestParseUSGS(t *testing.T) {
	events, err := parseUSGS([]byte(usgsFixture), testNow)
	if err != nil {
		t.Fatalf("parseUSGS failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events at or above M5.0, got %d", len(events))
	}
	if events[0].Severity != models.SeverityRed {
		t.Errorf("expected M7.4 red, got %s", events[0].Severity)
	}
	if events[1].Severity != models.SeverityOrange {
		t.Errorf("expected M5.6 orange, got %s", events[1].Severity)
	}
	if events[0].Country != "Chile" {
		t.Errorf("expected region Chile, got %q", events[0].Country)
	}
	if events[0].Latitude != -33.0 || events[0].Longitude != -71.5 {
		t.Errorf("expected lon/lat order respected, got %f,%f", events[0].Latitude, events[0].Longitude)
	}
}

func TestParseEONET(t *testing.T) {
	events, err := parseEONET([]byte(eonetFixture), testNow)
	if err != nil {
		t.Fatalf("parseEONET failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	etna := events[0]
	if etna.Type != models.EventTypeVolcano || etna.Severity != models.SeverityOrange {
		t.Errorf("unexpected volcano mapping %+v", etna)
	}
	if etna.Latitude != 37.75 || etna.Longitude != 14.99 {
		t.Errorf("expected last geometry used, got %f,%f", etna.Latitude, etna.Longitude)
	}

	fire := events[1]
	if fire.Type != models.EventTypeWildfire {
		t.Errorf("expected WF, got %s", fire.Type)
	}
	if fire.Latitude <= 0 || fire.Longitude <= 0 {
		t.Errorf("expected polygon centre, got %f,%f", fire.Latitude, fire.Longitude)
	}

	if events[2].Type != models.EventTypeOther {
		t.Errorf("expected unmapped category to be OTHER, got %s", events[2].Type)
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingNotifier) Notify(ctx context.Context, typ string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, typ)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.types)
}

func setupManager(t *testing.T, handler http.HandlerFunc) (*Manager, *repository.SQLiteDB, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	db, err := repository.NewSQLiteDB(":memory:", 0)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		Sources: config.SourcesConfig{
			GDACSEnabled:      true,
			GDACSURL:          srv.URL + "/gdacs",
			GDACSPollInterval: time.Minute,
			USGSEnabled:       true,
			USGSURL:           srv.URL + "/usgs",
			USGSPollInterval:  time.Minute,
			EONETEnabled:      true,
			EONETURL:          srv.URL + "/eonet",
			EONETPollInterval: time.Minute,
			HTTPTimeout:       2 * time.Second,
			RetryCount:        0,
			StaleAfter:        72 * time.Hour,
		},
		Schedule: config.ScheduleConfig{StaleSweepInterval: time.Hour},
	}
	mgr := NewManager(cfg, db, nil)
	mgr.now = func() time.Time { return testNow }
	return mgr, db, srv
}

func fixtureHandler(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/gdacs":
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(gdacsFixture))
	case "/usgs":
		w.Write([]byte(usgsFixture))
	case "/eonet":
		w.Write([]byte(eonetFixture))
	default:
		http.NotFound(w, r)
	}
}

func TestManager_PollDedup(t *testing.T) {
	mgr, db, _ := setupManager(t, fixtureHandler)
	ctx := context.Background()
	src := mgr.sources[models.SourceGDACS]

	res, err := mgr.Poll(ctx, src)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Created != 2 {
		t.Errorf("expected 2 created, got %d", res.Created)
	}

	mgr.now = func() time.Time { return testNow.Add(10 * time.Minute) }
	res, err = mgr.Poll(ctx, src)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if res.Created != 0 || res.Seen != 2 {
		t.Errorf("expected second poll to only refresh, got %+v", res)
	}

	events, err := db.ListEvents(ctx, repository.EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 rows after two polls, got %d", len(events))
	}
	for _, e := range events {
		if !e.LastSeenInFeed.Equal(testNow.Add(10 * time.Minute)) {
			t.Errorf("expected last_seen_in_feed refreshed for %s, got %v", e.GDACSID, e.LastSeenInFeed)
		}
	}
}

func TestManager_PollAllSources(t *testing.T) {
	mgr, db, _ := setupManager(t, fixtureHandler)
	ctx := context.Background()

	for _, name := range []string{models.SourceGDACS, models.SourceUSGS, models.SourceEONET} {
		if _, err := mgr.Poll(ctx, mgr.sources[name]); err != nil {
			t.Fatalf("Poll %s failed: %v", name, err)
		}
	}

	events, _ := db.ListEvents(ctx, repository.EventFilter{Limit: 50})
	if len(events) != 7 {
		t.Errorf("expected 2 gdacs + 2 usgs + 3 eonet events, got %d", len(events))
	}
}

func TestManager_PollUpstreamFailure(t *testing.T) {
	mgr, db, _ := setupManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	ctx := context.Background()

	_, err := mgr.Poll(ctx, mgr.sources[models.SourceUSGS])
	if err == nil {
		t.Fatal("expected error on 502")
	}

	events, _ := db.ListEvents(ctx, repository.EventFilter{})
	if len(events) != 0 {
		t.Errorf("expected no rows written, got %d", len(events))
	}
}

func TestManager_TriggerAndNotifyOnNewOnly(t *testing.T) {
	mgr, _, _ := setupManager(t, fixtureHandler)
	notifier := &recordingNotifier{}
	mgr.notifier = notifier

	var triggered atomic.Int64
	mgr.OnNewEvent(func(eventID string) bool {
		triggered.Add(1)
		return true
	})

	ctx := context.Background()
	mgr.Poll(ctx, mgr.sources[models.SourceUSGS])
	mgr.Poll(ctx, mgr.sources[models.SourceUSGS])

	if triggered.Load() != 2 {
		t.Errorf("expected 2 triggers for 2 new events, got %d", triggered.Load())
	}
	if notifier.count() != 1 {
		t.Errorf("expected 1 events_update, got %d", notifier.count())
	}
}

func TestManager_SweepStale(t *testing.T) {
	mgr, db, _ := setupManager(t, fixtureHandler)
	ctx := context.Background()

	mgr.Poll(ctx, mgr.sources[models.SourceGDACS])

	// 71h later nothing is stale
	mgr.now = func() time.Time { return testNow.Add(71 * time.Hour) }
	n, err := mgr.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing deactivated at 71h, got %d", n)
	}

	mgr.now = func() time.Time { return testNow.Add(73 * time.Hour) }
	n, err = mgr.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deactivated at 73h, got %d", n)
	}

	active, _ := db.ListEvents(ctx, repository.EventFilter{ActiveOnly: true})
	if len(active) != 0 {
		t.Errorf("expected no active events, got %d", len(active))
	}
}

func TestManager_Jobs(t *testing.T) {
	mgr, _, _ := setupManager(t, fixtureHandler)

	jobs := mgr.Jobs(config.ScheduleConfig{StaleSweepInterval: 6 * time.Hour})

	names := map[string]time.Duration{}
	for _, j := range jobs {
		names[j.Name] = j.Interval
	}
	for _, want := range []string{"poll_gdacs", "poll_usgs", "poll_eonet", "stale_sweep"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing job %s", want)
		}
	}
	if names["stale_sweep"] != 6*time.Hour {
		t.Errorf("expected stale sweep every 6h, got %v", names["stale_sweep"])
	}
}
