package alerting

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/ingestion"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
	last  any
}

func (r *recordingNotifier) Notify(ctx context.Context, typ string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, typ)
	r.last = data
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Watcher, *repository.SQLiteDB, *recordingNotifier, *clock) {
	t.Helper()
	db, err := repository.NewSQLiteDB(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	n := &recordingNotifier{}
	c := &clock{t: time.Now().UTC()}
	w := NewWatcher(db, n)
	w.now = c.now
	return w, db, n, c
}

func seedEvent(t *testing.T, db *repository.SQLiteDB, gdacsID string, sev models.Severity) string {
	t.Helper()
	e := &models.Event{
		ID:        "evt-" + gdacsID,
		GDACSID:   gdacsID,
		Title:     "Cyclone " + gdacsID,
		Type:      models.EventTypeCyclone,
		Severity:  sev,
		Latitude:  -20,
		Longitude: 57,
		EventDate: time.Now().UTC(),
	}
	_, err := db.UpsertEvent(context.Background(), e, time.Now())
	require.NoError(t, err)
	return e.ID
}

func seedFacilities(t *testing.T, db *repository.SQLiteDB, eventID, analysisID string, facilities ...models.InfrastructureRisk) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, db.CreateAnalysis(ctx, &models.Analysis{
		ID: analysisID, JobID: analysisID, EventID: eventID, Status: models.StatusComplete, CreatedAt: now, UpdatedAt: now,
	}))
	for i := range facilities {
		facilities[i].AnalysisID = analysisID
		facilities[i].EventID = eventID
	}
	require.NoError(t, db.InsertAssessment(ctx, nil, facilities))
}

func alertsOfType(t *testing.T, db *repository.SQLiteDB, eventID string, typ models.AlertType) []models.Alert {
	t.Helper()
	all, err := db.ListAlertsForEvent(context.Background(), eventID, 100)
	require.NoError(t, err)
	var out []models.Alert
	for _, a := range all {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func TestRun_CriticalEventDedupWindow(t *testing.T) {
	w, db, _, c := setup(t)
	ctx := context.Background()
	red := seedEvent(t, db, "1", models.SeverityRed)
	orange := seedEvent(t, db, "2", models.SeverityOrange)

	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CriticalEvents)

	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CriticalEvents, "inside the 24h window")

	c.advance(23 * time.Hour)
	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CriticalEvents)

	c.advance(2 * time.Hour)
	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CriticalEvents, "window expired")

	alerts := alertsOfType(t, db, red, models.AlertTypeNewCriticalEvent)
	require.Len(t, alerts, 2)
	assert.Equal(t, models.AlertSeverityCritical, alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "Cyclone 1")
	assert.Empty(t, alertsOfType(t, db, orange, models.AlertTypeNewCriticalEvent))
}

func TestRun_FacilityAlerts(t *testing.T) {
	w, db, _, c := setup(t)
	ctx := context.Background()
	eventID := seedEvent(t, db, "1", models.SeverityOrange)

	seedFacilities(t, db, eventID, "an-1",
		models.InfrastructureRisk{OSMID: "node/1", FacilityType: models.FacilityHospital, Name: "General Hospital", RiskLevel: models.RiskCritical},
		models.InfrastructureRisk{OSMID: "way/2", FacilityType: models.FacilityBridge, RiskLevel: models.RiskHigh},
		models.InfrastructureRisk{OSMID: "node/3", FacilityType: models.FacilitySchool, Name: "Hill School", RiskLevel: models.RiskLow},
	)

	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Facilities)

	alerts := alertsOfType(t, db, eventID, models.AlertTypeInfrastructureAtRisk)
	require.Len(t, alerts, 2)
	var names []string
	for _, a := range alerts {
		names = append(names, fmt.Sprint(a.Metadata["facility_type"]))
	}
	assert.ElementsMatch(t, []string{"hospital", "bridge"}, names)

	// a newer analysis listing the same facilities stays inside the window
	seedFacilities(t, db, eventID, "an-2",
		models.InfrastructureRisk{OSMID: "node/1", FacilityType: models.FacilityHospital, Name: "General Hospital", RiskLevel: models.RiskCritical},
	)
	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Facilities)

	c.advance(6*time.Hour + time.Minute)
	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Facilities, "one per facility after the window, not one per analysis")
}

func TestRun_FacilityOnInactiveEventStillAlerts(t *testing.T) {
	w, db, _, _ := setup(t)
	ctx := context.Background()
	eventID := seedEvent(t, db, "1", models.SeverityOrange)
	seedFacilities(t, db, eventID, "an-1",
		models.InfrastructureRisk{OSMID: "node/1", FacilityType: models.FacilityHospital, Name: "General Hospital", RiskLevel: models.RiskCritical},
	)

	n, err := db.DeactivateStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Facilities)

	alerts := alertsOfType(t, db, eventID, models.AlertTypeInfrastructureAtRisk)
	require.Len(t, alerts, 1)
	assert.Equal(t, "General Hospital", alerts[0].DedupKey)
}

func TestRun_FacilityAlertsCappedPerRun(t *testing.T) {
	w, db, _, _ := setup(t)
	ctx := context.Background()
	eventID := seedEvent(t, db, "1", models.SeverityOrange)

	var facilities []models.InfrastructureRisk
	for i := 0; i < 15; i++ {
		facilities = append(facilities, models.InfrastructureRisk{
			OSMID: fmt.Sprintf("node/%d", i), FacilityType: models.FacilityCellTower,
			Name: fmt.Sprintf("Tower %d", i), RiskLevel: models.RiskCritical,
		})
	}
	seedFacilities(t, db, eventID, "an-1", facilities...)

	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Facilities)

	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Facilities)

	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Facilities)
}

func TestRun_DisputeDensity(t *testing.T) {
	w, db, _, _ := setup(t)
	ctx := context.Background()
	busy := seedEvent(t, db, "1", models.SeverityOrange)
	quiet := seedEvent(t, db, "2", models.SeverityOrange)

	addReports := func(eventID string, n int) {
		for i := 0; i < n; i++ {
			require.NoError(t, db.AddGroundReport(ctx, &models.GroundReport{
				ID:          fmt.Sprintf("%s-r%d", eventID, i),
				EventID:     eventID,
				DamageClass: 3,
				DamageLabel: models.DamageLabel(3),
				Disputed:    true,
				CreatedAt:   time.Now().UTC(),
			}))
		}
	}
	addReports(busy, 5)
	addReports(quiet, 4)

	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disputes)

	alerts := alertsOfType(t, db, busy, models.AlertTypeHighDisputeDensity)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertSeverityWarning, alerts[0].Severity)
	assert.Equal(t, 5.0, alerts[0].Metadata["dispute_count"])
	assert.Empty(t, alertsOfType(t, db, quiet, models.AlertTypeHighDisputeDensity))

	addReports(quiet, 1)
	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Disputes)
}

func TestRun_NotifiesWhenUnacknowledgedGrows(t *testing.T) {
	w, db, n, _ := setup(t)
	ctx := context.Background()

	_, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n.count())

	seedEvent(t, db, "1", models.SeverityRed)
	_, err = w.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n.count())
	assert.Equal(t, broadcast.TypeAlertsUpdate, n.calls[0])
	alerts, ok := n.last.([]models.Alert)
	require.True(t, ok)
	assert.Len(t, alerts, 1)

	_, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n.count(), "no new alerts, no notification")
}

func TestAcknowledge(t *testing.T) {
	w, db, n, c := setup(t)
	ctx := context.Background()
	seedEvent(t, db, "1", models.SeverityRed)
	_, err := w.Run(ctx)
	require.NoError(t, err)

	pending, err := db.ListUnacknowledged(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	require.NoError(t, w.Acknowledge(ctx, id))
	first := c.now()
	c.advance(time.Hour)
	require.NoError(t, w.Acknowledge(ctx, id))

	pending, err = db.ListUnacknowledged(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := db.ListAlertsForEvent(ctx, "evt-1", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Acknowledged)
	require.NotNil(t, all[0].AcknowledgedAt)
	assert.Equal(t, first.UnixMilli(), all[0].AcknowledgedAt.UnixMilli())
	assert.Equal(t, 3, n.count())

	assert.ErrorIs(t, w.Acknowledge(ctx, "missing"), ErrAlertNotFound)
}

const redGDACSFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:gdacs="http://www.gdacs.org" xmlns:georss="http://www.georss.org/georss">
  <channel>
    <item>
      <title>Red earthquake alert in Türkiye</title>
      <georss:point>37.17 37.03</georss:point>
      <gdacs:eventtype>EQ</gdacs:eventtype>
      <gdacs:alertlevel>Red</gdacs:alertlevel>
      <gdacs:eventid>1395687</gdacs:eventid>
      <gdacs:country>Turkey</gdacs:country>
    </item>
  </channel>
</rss>`

func TestRedFeedEntryRaisesOneCriticalAlert(t *testing.T) {
	w, db, _, _ := setup(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/rss+xml")
		_, _ = rw.Write([]byte(redGDACSFeed))
	}))
	defer srv.Close()

	mgr := ingestion.NewManager(&config.Config{Sources: config.SourcesConfig{
		GDACSEnabled:      true,
		GDACSURL:          srv.URL,
		GDACSPollInterval: time.Minute,
		HTTPTimeout:       2 * time.Second,
		StaleAfter:        72 * time.Hour,
	}}, db, nil)
	jobs := mgr.Jobs(config.ScheduleConfig{StaleSweepInterval: time.Hour})
	require.Equal(t, "poll_gdacs", jobs[0].Name)

	require.NoError(t, jobs[0].Run(ctx))
	res, err := w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.CriticalEvents)

	// the next poll refreshes the same event and the next watch stays quiet
	require.NoError(t, jobs[0].Run(ctx))
	res, err = w.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CriticalEvents)

	pending, err := db.ListUnacknowledged(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.AlertTypeNewCriticalEvent, pending[0].Type)
	assert.Equal(t, "Red earthquake alert in Türkiye", pending[0].EventTitle)
}
