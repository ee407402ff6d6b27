package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_events_ingested_total",
			Help: "Feed entries processed, by source and outcome",
		},
		[]string{"source", "result"},
	)

	FeedPollErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_feed_poll_errors_total",
			Help: "Failed feed polls",
		},
		[]string{"source"},
	)

	EventsDeactivated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sentinel_events_deactivated_total",
			Help: "Events marked inactive by the stale sweep",
		},
	)

	PipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_pipeline_runs_total",
			Help: "Finished analyses by terminal status",
		},
		[]string{"status"},
	)

	PipelineStageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentinel_pipeline_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	AlertsInserted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_alerts_inserted_total",
			Help: "Alerts written, by type",
		},
		[]string{"type"},
	)

	QuotaUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_quota_used",
			Help: "Units consumed in the current quota period",
		},
		[]string{"budget"},
	)

	QuotaUsedPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sentinel_quota_used_percent",
			Help: "Percent of the hard limit consumed in the current quota period",
		},
		[]string{"budget"},
	)

	GeodataLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_geodata_lookups_total",
			Help: "Geodata lookups by result (hit, miss, synthetic)",
		},
		[]string{"result"},
	)

	LiveViewers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentinel_live_viewers",
			Help: "Connected live feed viewers",
		},
	)

	ScheduledRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentinel_scheduled_runs_total",
			Help: "Scheduled task runs by job and status",
		},
		[]string{"job", "status"},
	)
)

var once sync.Once

// Init registers every collector with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			EventsIngested,
			FeedPollErrors,
			EventsDeactivated,
			PipelineRuns,
			PipelineStageDuration,
			AlertsInserted,
			QuotaUsed,
			QuotaUsedPercent,
			GeodataLookups,
			LiveViewers,
			ScheduledRuns,
		)
	})
}

func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
