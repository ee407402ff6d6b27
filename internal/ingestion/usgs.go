package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

const (
	usgsMinMagnitude = 5.0
	usgsRedMagnitude = 7.0
)

type usgsResponse struct {
	Features []usgsFeature `json:"features"`
}

type usgsFeature struct {
	ID         string         `json:"id"`
	Properties usgsProperties `json:"properties"`
	Geometry   usgsGeometry   `json:"geometry"`
}
type usgsProperties struct {
	Mag   *float64 `json:"mag"`
	Place string   `json:"place"`
	Time  int64    `json:"time"` // unix millis
	Title string   `json:"title"`
}
type usgsGeometry struct {
	Coordinates []float64 `json:"coordinates"` // [lon, lat, depth]
}

type USGSSource struct {
	client *resty.Client
	url    string
	now    func() time.Time
}

func NewUSGSSource(client *resty.Client, url string) *USGSSource {
	return &USGSSource{client: client, url: url, now: time.Now}
}

func (s *USGSSource) Name() string { return models.SourceUSGS }

func (s *USGSSource) Fetch(ctx context.Context) ([]*models.Event, error) {
	body, err := fetchBody(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}
	return parseUSGS(body, s.now())
}

func parseUSGS(body []byte, now time.Time) ([]*models.Event, error) {
	var data usgsResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("error decoding usgs feed: %w", err)
	}

	events := make([]*models.Event, 0, len(data.Features))
	for _, f := range data.Features {
		if f.ID == "" || f.Properties.Mag == nil || *f.Properties.Mag < usgsMinMagnitude {
			continue
		}
		if len(f.Geometry.Coordinates) < 2 {
			continue
		}
		lon, lat := f.Geometry.Coordinates[0], f.Geometry.Coordinates[1]
		if !(geo.Point{X: lon, Y: lat}).Valid() {
			continue
		}

		mag := *f.Properties.Mag
		severity := models.SeverityOrange
		if mag >= usgsRedMagnitude {
			severity = models.SeverityRed
		}

		title := f.Properties.Title
		if title == "" {
			title = fmt.Sprintf("M%.1f Earthquake", mag)
		}

		eventDate := now
		if f.Properties.Time > 0 {
			eventDate = time.UnixMilli(f.Properties.Time).UTC()
		}

		events = append(events, &models.Event{
			ID:        uuid.NewString(),
			USGSID:    f.ID,
			Title:     title,
			Type:      models.EventTypeEarthquake,
			Severity:  severity,
			Latitude:  lat,
			Longitude: lon,
			EventDate: eventDate,
			Country:   placeRegion(f.Properties.Place),
		})
	}

	return events, nil
}

// placeRegion returns the trailing region of a USGS place string ("45 km SW of Town, Chile" -> "Chile").
func placeRegion(place string) string {
	if i := strings.LastIndex(place, ","); i >= 0 {
		return strings.TrimSpace(place[i+1:])
	}
	return strings.TrimSpace(place)
}
