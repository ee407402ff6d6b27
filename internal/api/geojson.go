package api

import (
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

func pointFeature(lon, lat float64, props map[string]any) Feature {
	return Feature{
		Type: "Feature",
		Geometry: Geometry{
			Type:        "Point",
			Coordinates: []float64{lon, lat},
		},
		Properties: props,
	}
}

func collection(features []Feature) FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}

func eventsGeoJSON(events []models.Event) FeatureCollection {
	features := make([]Feature, 0, len(events))
	for _, e := range events {
		features = append(features, pointFeature(e.Longitude, e.Latitude, map[string]any{
			"id":                  e.ID,
			"source":              e.Source(),
			"external_id":         e.ExternalID(),
			"title":               e.Title,
			"event_type":          e.Type,
			"severity":            e.Severity,
			"lat":                 e.Latitude,
			"lon":                 e.Longitude,
			"event_date":          e.EventDate,
			"country":             e.Country,
			"affected_population": e.AffectedPopulation,
			"pipeline_triggered":  e.PipelineTriggered,
		}))
	}
	return collection(features)
}

func buildingsGeoJSON(buildings []models.BuildingDamage) FeatureCollection {
	features := make([]Feature, 0, len(buildings))
	for _, b := range buildings {
		features = append(features, pointFeature(b.Longitude, b.Latitude, map[string]any{
			"id":           b.ID,
			"osm_id":       b.OSMID,
			"damage_class": b.DamageClass,
			"damage_label": b.DamageLabel,
			"confidence":   b.Confidence,
			"source":       b.Source,
		}))
	}
	return collection(features)
}

func facilitiesGeoJSON(facilities []models.InfrastructureRisk) FeatureCollection {
	features := make([]Feature, 0, len(facilities))
	for _, f := range facilities {
		features = append(features, pointFeature(f.Longitude, f.Latitude, map[string]any{
			"id":            f.ID,
			"osm_id":        f.OSMID,
			"facility_type": f.FacilityType,
			"name":          f.Name,
			"risk_level":    f.RiskLevel,
			"overlap_pct":   f.OverlapPct,
		}))
	}
	return collection(features)
}

func reportsGeoJSON(reports []models.GroundReport) FeatureCollection {
	features := make([]Feature, 0, len(reports))
	for _, r := range reports {
		features = append(features, pointFeature(r.Longitude, r.Latitude, map[string]any{
			"id":              r.ID,
			"damage_class":    r.DamageClass,
			"damage_label":    r.DamageLabel,
			"confidence":      r.AIConfidence,
			"description":     r.Description,
			"photo_url":       r.PhotoURL,
			"satellite_class": r.SatelliteClass,
			"agreement":       r.Agreement,
			"disputed":        r.Disputed,
			"created_at":      r.CreatedAt,
		}))
	}
	return collection(features)
}
