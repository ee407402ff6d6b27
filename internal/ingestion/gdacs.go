package ingestion

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

type gdacsRSS struct {
	Channel gdacsChannel `xml:"channel"`
}
type gdacsChannel struct {
	Items []gdacsItem `xml:"item"`
}
type gdacsItem struct {
	Title      string          `xml:"title"`
	PubDate    string          `xml:"pubDate"`
	Point      string          `xml:"http://www.georss.org/georss point"`
	GeoPoint   gdacsGeoPoint   `xml:"http://www.w3.org/2003/01/geo/wgs84_pos# Point"`
	EventType  string          `xml:"http://www.gdacs.org eventtype"`
	AlertLevel string          `xml:"http://www.gdacs.org alertlevel"`
	EventID    string          `xml:"http://www.gdacs.org eventid"`
	Country    string          `xml:"http://www.gdacs.org country"`
	Population gdacsPopulation `xml:"http://www.gdacs.org population"`
}
type gdacsGeoPoint struct {
	Lat  string `xml:"lat"`
	Long string `xml:"long"`
}
type gdacsPopulation struct {
	Value string `xml:"value,attr"`
}

type GDACSSource struct {
	client *resty.Client
	url    string
	now    func() time.Time
}

func NewGDACSSource(client *resty.Client, url string) *GDACSSource {
	return &GDACSSource{client: client, url: url, now: time.Now}
}

func (s *GDACSSource) Name() string { return models.SourceGDACS }

func (s *GDACSSource) Fetch(ctx context.Context) ([]*models.Event, error) {
	body, err := fetchBody(ctx, s.client, s.url)
	if err != nil {
		return nil, err
	}
	return parseGDACS(body, s.now())
}

func parseGDACS(body []byte, now time.Time) ([]*models.Event, error) {
	var data gdacsRSS
	if err := xml.NewDecoder(bytes.NewReader(body)).Decode(&data); err != nil {
		return nil, fmt.Errorf("error decoding gdacs feed: %w", err)
	}

	events := make([]*models.Event, 0, len(data.Channel.Items))
	for _, item := range data.Channel.Items {
		eventID := strings.TrimSpace(item.EventID)
		if eventID == "" {
			continue
		}

		severity := models.Severity(strings.ToLower(strings.TrimSpace(item.AlertLevel)))
		if !severity.Persisted() {
			continue
		}

		lat, lon, ok := item.coordinates()
		if !ok {
			slog.Warn("GDACS entry without usable coordinates", "gdacs_id", eventID)
			continue
		}

		eventDate := now
		if item.PubDate != "" {
			if t, err := parseRSSTime(item.PubDate); err == nil {
				eventDate = t
			} else {
				slog.Warn("GDACS timestamp parsing failed", "gdacs_id", eventID, "error", err.Error())
			}
		}

		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = "Unknown Event"
		}

		eventType := models.EventType(strings.ToUpper(strings.TrimSpace(item.EventType)))
		switch eventType {
		case models.EventTypeEarthquake, models.EventTypeFlood, models.EventTypeCyclone,
			models.EventTypeWildfire, models.EventTypeVolcano, models.EventTypeLandslide:
		default:
			eventType = models.EventTypeOther
		}

		events = append(events, &models.Event{
			ID:                 uuid.NewString(),
			GDACSID:            eventID,
			Title:              title,
			Type:               eventType,
			Severity:           severity,
			Latitude:           lat,
			Longitude:          lon,
			EventDate:          eventDate,
			Country:            strings.TrimSpace(item.Country),
			AffectedPopulation: parsePopulation(item.Population.Value),
		})
	}

	return events, nil
}

// coordinates prefers georss:point ("lat lon") and falls back to geo:Point.
func (i gdacsItem) coordinates() (float64, float64, bool) {
	if fields := strings.Fields(i.Point); len(fields) == 2 {
		lat, errLat := strconv.ParseFloat(fields[0], 64)
		lon, errLon := strconv.ParseFloat(fields[1], 64)
		if errLat == nil && errLon == nil && (geo.Point{X: lon, Y: lat}).Valid() {
			return lat, lon, true
		}
	}
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(i.GeoPoint.Lat), 64)
	lon, errLon := strconv.ParseFloat(strings.TrimSpace(i.GeoPoint.Long), 64)
	if errLat != nil || errLon != nil || !(geo.Point{X: lon, Y: lat}).Valid() {
		return 0, 0, false
	}
	return lat, lon, true
}

func parsePopulation(v string) int64 {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return int64(f)
}

func parseRSSTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC1123, time.RFC1123Z, time.RFC822, time.RFC822Z} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}
