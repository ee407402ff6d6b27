package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mr1hm/disaster-sentinel/internal/alerting"
	"github.com/mr1hm/disaster-sentinel/internal/broadcast"
	"github.com/mr1hm/disaster-sentinel/internal/groundtruth"
	"github.com/mr1hm/disaster-sentinel/internal/metrics"
	"github.com/mr1hm/disaster-sentinel/internal/models"
	"github.com/mr1hm/disaster-sentinel/internal/pipeline"
	"github.com/mr1hm/disaster-sentinel/internal/quota"
	"github.com/mr1hm/disaster-sentinel/internal/repository"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
	alertLimit        = 100
	buildingLimit     = 5000
	intelBuildings    = 2000
	maxPhotoRead      = 32 << 20
)

// geometryStatuses are the analysis states whose building rows are complete.
var geometryStatuses = []models.AnalysisStatus{models.StatusComplete, models.StatusGeneratingReport}

type Store interface {
	repository.EventRepository
	repository.AnalysisRepository
	repository.DamageRepository
	repository.AlertRepository
}

type Pipeline interface {
	Trigger(ctx context.Context, eventID string) error
}

type Alerts interface {
	Acknowledge(ctx context.Context, id string) error
}

type GroundTruth interface {
	Submit(ctx context.Context, sub groundtruth.Submission) (*models.GroundReport, error)
	List(ctx context.Context, eventID string) ([]models.GroundReport, error)
}

type QuotaStatus interface {
	Status(ctx context.Context) (*quota.Status, error)
}

// SnapshotFunc returns the envelopes a live viewer receives on connect.
type SnapshotFunc func(ctx context.Context) ([]broadcast.Envelope, error)

type Deps struct {
	Store       Store
	Pipeline    Pipeline
	Alerts      Alerts
	GroundTruth GroundTruth
	Quota       QuotaStatus
	Hub         *broadcast.Hub
	Snapshot    SnapshotFunc
}

type Handler struct {
	Deps
	keepAlive time.Duration
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		Deps:      d,
		keepAlive: 25 * time.Second,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)
	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api")
	api.GET("/events", h.listEvents)
	api.GET("/events/:id", h.getEvent)
	api.POST("/events/:id/trigger", h.triggerEvent)
	api.GET("/analyses/:id", h.getAnalysis)
	api.GET("/intelligence/:analysis_id", h.getIntelligence)
	api.GET("/intelligence/buildings/:event_id", h.buildingsForEvent)
	api.GET("/intelligence/infrastructure/:event_id", h.infrastructureForEvent)
	api.GET("/recovery/:event_id", h.recoveryTimeline)
	api.POST("/ground-truth/submit", h.submitGroundReport)
	api.GET("/ground-truth/submissions/:event_id", h.listGroundReports)
	api.GET("/alerts", h.listAlerts)
	api.GET("/alerts/event/:event_id", h.alertsForEvent)
	api.POST("/alerts/:id/acknowledge", h.acknowledgeAlert)
	api.GET("/reports/public/:slug", h.publicReport)
	api.GET("/admin/quota", h.quotaStatus)
	api.GET("/stream", h.stream)
}

func (h *Handler) health(c *gin.Context) {
	viewers := 0
	if h.Hub != nil {
		viewers = h.Hub.ViewerCount()
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "live_viewers": viewers})
}

func (h *Handler) listEvents(c *gin.Context) {
	filter := repository.EventFilter{
		Limit:      defaultEventLimit,
		ActiveOnly: c.DefaultQuery("active", "true") != "false",
	}

	if s := c.Query("severity"); s != "" {
		sev := models.Severity(strings.ToLower(s))
		if !sev.Persisted() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "severity must be red or orange"})
			return
		}
		filter.Severity = &sev
	}
	if t := c.Query("type"); t != "" {
		et := models.ParseEventType(t)
		filter.Type = &et
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse("2006-01-02", s); err == nil {
			filter.Since = &t
		}
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= maxEventLimit {
			filter.Limit = lim
		}
	}

	events, err := h.Store.ListEvents(c.Request.Context(), filter)
	if err != nil {
		internalError(c, "failed to fetch events", err)
		return
	}
	// red first, newest first within a severity
	sort.SliceStable(events, func(i, j int) bool {
		return severityRank(events[i].Severity) < severityRank(events[j].Severity)
	})

	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, eventsGeoJSON(events))
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityRed:
		return 0
	case models.SeverityOrange:
		return 1
	default:
		return 2
	}
}

func (h *Handler) getEvent(c *gin.Context) {
	ctx := c.Request.Context()
	event, err := h.Store.GetEvent(ctx, c.Param("id"))
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		internalError(c, "failed to fetch event", err)
		return
	}

	latest, err := h.Store.LatestAnalysis(ctx, event.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		internalError(c, "failed to fetch analysis", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": event, "latest_analysis": latest})
}

func (h *Handler) triggerEvent(c *gin.Context) {
	id := c.Param("id")
	err := h.Pipeline.Trigger(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "queued", "event_id": id})
	case errors.Is(err, pipeline.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.Is(err, pipeline.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "analysis already in progress"})
	case errors.Is(err, pipeline.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline busy, try again later"})
	default:
		internalError(c, "failed to trigger pipeline", err)
	}
}

func (h *Handler) getAnalysis(c *gin.Context) {
	a, ok := h.analysis(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *Handler) getIntelligence(c *gin.Context) {
	a, ok := h.analysis(c, c.Param("analysis_id"))
	if !ok {
		return
	}
	ctx := c.Request.Context()
	filter := repository.DamageFilter{AnalysisID: a.ID, Limit: intelBuildings}
	buildings, err := h.Store.ListBuildings(ctx, filter)
	if err != nil {
		internalError(c, "failed to fetch buildings", err)
		return
	}
	facilities, err := h.Store.ListInfrastructure(ctx, repository.DamageFilter{AnalysisID: a.ID})
	if err != nil {
		internalError(c, "failed to fetch infrastructure", err)
		return
	}
	if buildings == nil {
		buildings = []models.BuildingDamage{}
	}
	if facilities == nil {
		facilities = []models.InfrastructureRisk{}
	}

	c.JSON(http.StatusOK, gin.H{
		"analysis_id":        a.ID,
		"event_id":           a.EventID,
		"status":             a.Status,
		"stats":              a.Stats,
		"infrastructure":     a.Infrastructure,
		"population":         a.Population,
		"buildings":          buildings,
		"at_risk_facilities": facilities,
	})
}

func (h *Handler) analysis(c *gin.Context, id string) (*models.Analysis, bool) {
	a, err := h.Store.GetAnalysis(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "analysis not found"})
		return nil, false
	}
	if err != nil {
		internalError(c, "failed to fetch analysis", err)
		return nil, false
	}
	return a, true
}

// latestAssessed resolves the newest analysis of an event with building rows.
// The returned id is empty when there is none.
func (h *Handler) latestAssessed(c *gin.Context, eventID string) (string, bool) {
	a, err := h.Store.LatestAnalysis(c.Request.Context(), eventID, geometryStatuses...)
	if errors.Is(err, repository.ErrNotFound) {
		return "", true
	}
	if err != nil {
		internalError(c, "failed to fetch analysis", err)
		return "", false
	}
	return a.ID, true
}

func (h *Handler) buildingsForEvent(c *gin.Context) {
	analysisID, ok := h.latestAssessed(c, c.Param("event_id"))
	if !ok {
		return
	}
	var buildings []models.BuildingDamage
	if analysisID != "" {
		var err error
		buildings, err = h.Store.ListBuildings(c.Request.Context(), repository.DamageFilter{AnalysisID: analysisID, Limit: buildingLimit})
		if err != nil {
			internalError(c, "failed to fetch buildings", err)
			return
		}
	}
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, buildingsGeoJSON(buildings))
}

func (h *Handler) infrastructureForEvent(c *gin.Context) {
	analysisID, ok := h.latestAssessed(c, c.Param("event_id"))
	if !ok {
		return
	}
	var facilities []models.InfrastructureRisk
	if analysisID != "" {
		var err error
		facilities, err = h.Store.ListInfrastructure(c.Request.Context(), repository.DamageFilter{AnalysisID: analysisID})
		if err != nil {
			internalError(c, "failed to fetch infrastructure", err)
			return
		}
	}
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, facilitiesGeoJSON(facilities))
}

func (h *Handler) recoveryTimeline(c *gin.Context) {
	eventID := c.Param("event_id")
	a, err := h.Store.LatestAnalysis(c.Request.Context(), eventID, models.StatusComplete)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no completed analysis for this event"})
		return
	}
	if err != nil {
		internalError(c, "failed to fetch analysis", err)
		return
	}
	snapshots := a.RecoveryHistory
	if snapshots == nil {
		snapshots = []models.RecoverySnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"event_id": eventID, "analysis_id": a.ID, "snapshots": snapshots})
}

func (h *Handler) submitGroundReport(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.PostForm("lat"), 64)
	lon, errLon := strconv.ParseFloat(c.PostForm("lon"), 64)
	if errLat != nil || errLon != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lat and lon are required"})
		return
	}
	eventID := c.PostForm("event_id")
	if eventID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "event_id is required"})
		return
	}

	fh, err := c.FormFile("photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "photo is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable photo"})
		return
	}
	defer f.Close()
	photo, err := io.ReadAll(io.LimitReader(f, maxPhotoRead))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable photo"})
		return
	}

	r, err := h.GroundTruth.Submit(c.Request.Context(), groundtruth.Submission{
		EventID:     eventID,
		Latitude:    lat,
		Longitude:   lon,
		Description: c.PostForm("description"),
		Photo:       photo,
		SubmitterIP: c.ClientIP(),
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, r)
	case errors.Is(err, groundtruth.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, groundtruth.ErrEventNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
	case errors.Is(err, groundtruth.ErrInvalidLocation),
		errors.Is(err, groundtruth.ErrPhotoRequired),
		errors.Is(err, groundtruth.ErrPhotoTooLarge):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		internalError(c, "failed to store ground report", err)
	}
}

func (h *Handler) listGroundReports(c *gin.Context) {
	reports, err := h.GroundTruth.List(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		internalError(c, "failed to fetch ground reports", err)
		return
	}
	c.Header("Content-Type", "application/geo+json")
	c.JSON(http.StatusOK, reportsGeoJSON(reports))
}

func (h *Handler) listAlerts(c *gin.Context) {
	alerts, err := h.Store.ListUnacknowledged(c.Request.Context(), alertLimit)
	if err != nil {
		internalError(c, "failed to fetch alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) alertsForEvent(c *gin.Context) {
	alerts, err := h.Store.ListAlertsForEvent(c.Request.Context(), c.Param("event_id"), alertLimit)
	if err != nil {
		internalError(c, "failed to fetch alerts", err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) acknowledgeAlert(c *gin.Context) {
	id := c.Param("id")
	err := h.Alerts.Acknowledge(c.Request.Context(), id)
	if errors.Is(err, alerting.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		internalError(c, "failed to acknowledge alert", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "acknowledged": true})
}

func (h *Handler) publicReport(c *gin.Context) {
	ctx := c.Request.Context()
	a, err := h.Store.GetAnalysisBySlug(ctx, c.Param("slug"))
	if err == nil && a.Status != models.StatusComplete {
		err = repository.ErrNotFound
	}
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "report not found"})
		return
	}
	if err != nil {
		internalError(c, "failed to fetch report", err)
		return
	}

	event, err := h.Store.GetEvent(ctx, a.EventID)
	if err != nil {
		internalError(c, "failed to fetch event", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"event_title":        event.Title,
		"event_type":         event.Type,
		"country":            event.Country,
		"event_date":         event.EventDate,
		"stats":              a.Stats,
		"infrastructure":     a.Infrastructure,
		"population":         a.Population,
		"report":             a.Report,
		"pre_thumbnail_url":  a.PreThumbnailURL,
		"post_thumbnail_url": a.PostThumbnailURL,
		"generated_at":       a.UpdatedAt,
	})
}

func (h *Handler) quotaStatus(c *gin.Context) {
	st, err := h.Quota.Status(c.Request.Context())
	if err != nil {
		internalError(c, "failed to read quota", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func internalError(c *gin.Context, msg string, err error) {
	slog.Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}
