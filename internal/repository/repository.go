package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStatusConflict means the analysis was not in the expected status when a transition was attempted.
	ErrStatusConflict = errors.New("analysis status conflict")
)

type EventFilter struct {
	Limit      int
	ActiveOnly bool
	Severity   *models.Severity
	Type       *models.EventType
	Since      *time.Time
}

type EventRepository interface {
	// UpsertEvent inserts the event unless one with the same source id exists, in which case only
	// last_seen_in_feed and active are refreshed. created reports which path was taken.
	UpsertEvent(ctx context.Context, e *models.Event, seenAt time.Time) (created bool, err error)
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	ListEvents(ctx context.Context, opts EventFilter) ([]models.Event, error)
	DeactivateStale(ctx context.Context, cutoff time.Time) (int64, error)
	MarkPipelineTriggered(ctx context.Context, id string) error
	ListUntriggered(ctx context.Context, limit int) ([]models.Event, error)
}

// AnalysisUpdate carries the columns persisted together with a status transition.
// Nil pointers and empty strings leave the column untouched.
type AnalysisUpdate struct {
	DamageGeometry   *models.DamageGeometry
	Stats            *models.DamageStats
	PreThumbnailURL  string
	PostThumbnailURL string
	Infrastructure   *models.InfrastructureSummary
	Population       *models.PopulationEstimate
	RecoveryHistory  []models.RecoverySnapshot
	Report           *models.Report
	PublicSlug       string
	ErrorMessage     string
}

type AnalysisRepository interface {
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id string) (*models.Analysis, error)
	GetAnalysisBySlug(ctx context.Context, slug string) (*models.Analysis, error)
	LatestAnalysis(ctx context.Context, eventID string, statuses ...models.AnalysisStatus) (*models.Analysis, error)
	HasInFlightAnalysis(ctx context.Context, eventID string) (bool, error)
	TransitionAnalysis(ctx context.Context, id string, from, to models.AnalysisStatus, u AnalysisUpdate) error
	UpdateRecoveryHistory(ctx context.Context, id string, history []models.RecoverySnapshot) error
	AppendRecoverySnapshot(ctx context.Context, id string, history []models.RecoverySnapshot, escalation *models.Alert) (bool, error)
	FailStaleAnalyses(ctx context.Context, startedBefore time.Time, message string) (int64, error)
}

type DamageFilter struct {
	AnalysisID string
	EventID    string
	Limit      int
}

type DamageRepository interface {
	InsertAssessment(ctx context.Context, buildings []models.BuildingDamage, infra []models.InfrastructureRisk) error
	ListBuildings(ctx context.Context, opts DamageFilter) ([]models.BuildingDamage, error)
	ListInfrastructure(ctx context.Context, opts DamageFilter) ([]models.InfrastructureRisk, error)
}

type GroundReportRepository interface {
	AddGroundReport(ctx context.Context, r *models.GroundReport) error
	CountRecentSubmissions(ctx context.Context, eventID, submitterHash string, since time.Time) (int, error)
	ListGroundReports(ctx context.Context, eventID string) ([]models.GroundReport, error)
}

type FacilityCandidate struct {
	models.InfrastructureRisk
	EventTitle string
}

// DedupKey is the facility's natural identity inside its event.
func (f FacilityCandidate) DedupKey() string {
	if f.Name != "" {
		return f.Name
	}
	return string(f.FacilityType)
}

type DisputeCandidate struct {
	EventID string
	Count   int
}

type AlertRepository interface {
	// InsertAlertUnlessRecent inserts a unless an alert with the same event, type and dedup key
	// was created after since. The check and insert are one statement.
	InsertAlertUnlessRecent(ctx context.Context, a *models.Alert, since time.Time) (bool, error)
	CriticalEventCandidates(ctx context.Context, since time.Time) ([]models.Event, error)
	AtRiskFacilityCandidates(ctx context.Context, since time.Time, limit int) ([]FacilityCandidate, error)
	DisputeCandidates(ctx context.Context, since time.Time, minDisputed int) ([]DisputeCandidate, error)
	CountUnacknowledged(ctx context.Context) (int, error)
	ListUnacknowledged(ctx context.Context, limit int) ([]models.Alert, error)
	ListAlertsForEvent(ctx context.Context, eventID string, limit int) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string, at time.Time) error
}

type QuotaLedger interface {
	ImageryUsage(ctx context.Context, periodKey string) (int, error)
	RecordImageryUsage(ctx context.Context, periodKey string, units int, at time.Time) error
	VisionUsage(ctx context.Context, dayKey string) (int, error)
	IncrementVisionUsage(ctx context.Context, dayKey string, calls int, at time.Time) error
}

type GeodataCache interface {
	GetCachedGeodata(ctx context.Context, key string, now time.Time) ([]byte, bool, error)
	PutCachedGeodata(ctx context.Context, key, bbox string, payload []byte, featureCount int, now, expiresAt time.Time) error
}
