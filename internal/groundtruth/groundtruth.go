// Package groundtruth accepts field photo reports, classifies them and checks
// them against the latest satellite assessment of the same location.
package groundtruth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mr1hm/disaster-sentinel/internal/config"
	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
	"github.com/mr1hm/disaster-sentinel/internal/storage"
)

const (
	defaultPerHour    = 10
	defaultMaxPhoto   = 10 << 20
	maxDescription    = 500
	rateLimitWindow   = time.Hour
	agreementDistance = 1
)

var (
	ErrRateLimited     = errors.New("rate limit exceeded, max submissions per hour per event reached")
	ErrEventNotFound   = errors.New("event not found")
	ErrInvalidLocation = errors.New("invalid location")
	ErrPhotoRequired   = errors.New("photo required")
	ErrPhotoTooLarge   = errors.New("photo too large")
)

// crossCheckStatuses are the analysis states whose damage geometry is usable.
var crossCheckStatuses = []models.AnalysisStatus{
	models.StatusComplete,
	models.StatusAssessingBuildings,
	models.StatusGeneratingReport,
}

type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	LatestAnalysis(ctx context.Context, eventID string, statuses ...models.AnalysisStatus) (*models.Analysis, error)
	repository.GroundReportRepository
}

type Submission struct {
	EventID     string
	Latitude    float64
	Longitude   float64
	Description string
	Photo       []byte
	SubmitterIP string
}

type Service struct {
	store      Store
	objects    storage.Store
	classifier Classifier
	perHour    int
	maxPhoto   int64
	now        func() time.Time
}

func NewService(store Store, objects storage.Store, classifier Classifier, cfg config.GroundTruthConfig) *Service {
	perHour := cfg.MaxPerHour
	if perHour <= 0 {
		perHour = defaultPerHour
	}
	maxPhoto := cfg.MaxPhotoBytes
	if maxPhoto <= 0 {
		maxPhoto = defaultMaxPhoto
	}
	return &Service{
		store:      store,
		objects:    objects,
		classifier: classifier,
		perHour:    perHour,
		maxPhoto:   maxPhoto,
		now:        time.Now,
	}
}

// HashSubmitter identifies a submitter without storing their address.
func HashSubmitter(ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])
}

// Submit stores one field report. Nothing is written when the submitter is over
// the hourly limit for the event.
func (s *Service) Submit(ctx context.Context, sub Submission) (*models.GroundReport, error) {
	if !(geo.Point{X: sub.Longitude, Y: sub.Latitude}).Valid() {
		return nil, ErrInvalidLocation
	}
	if len(sub.Photo) == 0 {
		return nil, ErrPhotoRequired
	}
	if int64(len(sub.Photo)) > s.maxPhoto {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPhotoTooLarge, len(sub.Photo), s.maxPhoto)
	}

	if _, err := s.store.GetEvent(ctx, sub.EventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("load event: %w", err)
	}

	now := s.now().UTC()
	submitter := HashSubmitter(sub.SubmitterIP)
	recent, err := s.store.CountRecentSubmissions(ctx, sub.EventID, submitter, now.Add(-rateLimitWindow))
	if err != nil {
		return nil, fmt.Errorf("count recent submissions: %w", err)
	}
	if recent >= s.perHour {
		return nil, ErrRateLimited
	}

	id := uuid.NewString()
	key := fmt.Sprintf("reports/%s/%s.jpg", sub.EventID, id)
	photoURL := storage.PutOrPlaceholder(ctx, s.objects, key, sub.Photo, "image/jpeg")

	c := s.classifier.Classify(ctx, sub.Photo)
	r := &models.GroundReport{
		ID:            id,
		EventID:       sub.EventID,
		Latitude:      sub.Latitude,
		Longitude:     sub.Longitude,
		DamageClass:   c.DamageClass,
		DamageLabel:   models.DamageLabel(c.DamageClass),
		AIConfidence:  c.Confidence,
		Description:   truncate(sub.Description, maxDescription),
		PhotoURL:      photoURL,
		SubmitterHash: submitter,
		CreatedAt:     now,
	}
	s.crossValidate(ctx, r)

	if err := s.store.AddGroundReport(ctx, r); err != nil {
		return nil, err
	}
	slog.Info("ground report stored",
		"event_id", r.EventID,
		"report_id", r.ID,
		"damage_class", r.DamageClass,
		"disputed", r.Disputed,
	)
	return r, nil
}

// crossValidate compares the field class with the first damage polygon
// containing the report. Reports outside every polygon, or for events without
// usable geometry, carry no satellite class and are never disputed.
func (s *Service) crossValidate(ctx context.Context, r *models.GroundReport) {
	a, err := s.store.LatestAnalysis(ctx, r.EventID, crossCheckStatuses...)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			slog.Warn("cross validation skipped", "event_id", r.EventID, "error", err)
		}
		return
	}

	polygons := geo.PreparePolygons(a.DamageGeometry)
	satClass, ok := geo.FirstContaining(geo.Point{X: r.Longitude, Y: r.Latitude}, polygons)
	if !ok {
		return
	}
	agree := abs(satClass-r.DamageClass) <= agreementDistance
	r.SatelliteClass = &satClass
	r.Agreement = &agree
	r.Disputed = !agree
}

func (s *Service) List(ctx context.Context, eventID string) ([]models.GroundReport, error) {
	return s.store.ListGroundReports(ctx, eventID)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
