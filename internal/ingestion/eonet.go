package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

var eonetCategoryTypes = map[string]models.EventType{
	"Volcanoes":     models.EventTypeVolcano,
	"Landslides":    models.EventTypeLandslide,
	"Severe Storms": models.EventTypeCyclone,
	"Wildfires":     models.EventTypeWildfire,
	"Floods":        models.EventTypeFlood,
	"Earthquakes":   models.EventTypeEarthquake,
}

type eonetResponse struct {
	Events []eonetEvent `json:"events"`
}

type eonetEvent struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Categories []eonetCategory `json:"categories"`
	Geometry   []eonetGeometry `json:"geometry"`
}

type eonetCategory struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type eonetGeometry struct {
	Date        string          `json:"date"`
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

type EONETSource struct {
	client *resty.Client
	url    string
	now    func() time.Time
}

func NewEONETSource(client *resty.Client, url string) *EONETSource {
	return &EONETSource{client: client, url: url, now: time.Now}
}

func (s *EONETSource) Name() string { return models.SourceEONET }

func (s *EONETSource) Fetch(ctx context.Context) ([]*models.Event, error) {
	body, err := fetchBody(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}
	return parseEONET(body, s.now())
}

func parseEONET(body []byte, now time.Time) ([]*models.Event, error) {
	var data eonetResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("error decoding eonet feed: %w", err)
	}

	events := make([]*models.Event, 0, len(data.Events))
	for _, ev := range data.Events {
		if ev.ID == "" || len(ev.Geometry) == 0 {
			continue
		}

		eventType := models.EventTypeOther
		for _, c := range ev.Categories {
			if t, ok := eonetCategoryTypes[c.Title]; ok {
				eventType = t
				break
			}
		}

		// the last geometry entry is the most recent position
		latest := ev.Geometry[len(ev.Geometry)-1]
		p, err := latest.position()
		if err != nil {
			slog.Warn("EONET geometry skipped", "eonet_id", ev.ID, "error", err)
			continue
		}

		eventDate := now
		if t, err := time.Parse(time.RFC3339, latest.Date); err == nil {
			eventDate = t.UTC()
		}

		events = append(events, &models.Event{
			ID:        uuid.NewString(),
			EONETID:   ev.ID,
			Title:     ev.Title,
			Type:      eventType,
			Severity:  models.SeverityOrange,
			Latitude:  p.Y,
			Longitude: p.X,
			EventDate: eventDate,
		})
	}

	return events, nil
}

// position returns the Point coordinates, or the vertex mean of a Polygon's outer ring.
func (g eonetGeometry) position() (geo.Point, error) {
	switch g.Type {
	case "Point", "":
		var c []float64
		if err := json.Unmarshal(g.Coordinates, &c); err != nil {
			return geo.Point{}, fmt.Errorf("decode point: %w", err)
		}
		if len(c) < 2 {
			return geo.Point{}, fmt.Errorf("point has %d coordinates", len(c))
		}
		p := geo.Point{X: c[0], Y: c[1]}
		if !p.Valid() {
			return geo.Point{}, fmt.Errorf("point out of range")
		}
		return p, nil
	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(g.Coordinates, &rings); err != nil {
			return geo.Point{}, fmt.Errorf("decode polygon: %w", err)
		}
		if len(rings) == 0 {
			return geo.Point{}, fmt.Errorf("polygon without rings")
		}
		ring, err := geo.Ring(rings[0])
		if err != nil {
			return geo.Point{}, err
		}
		var sx, sy float64
		for _, v := range ring {
			sx += v.X
			sy += v.Y
		}
		p := geo.Point{X: sx / float64(len(ring)), Y: sy / float64(len(ring))}
		if !p.Valid() {
			return geo.Point{}, fmt.Errorf("polygon centre out of range")
		}
		return p, nil
	default:
		return geo.Point{}, fmt.Errorf("unsupported geometry %q", g.Type)
	}
}
