package geo

import (
	"log/slog"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

const (
	defaultBuildingConfidence = 0.7
	outsideRiskLevel          = models.RiskLow
)

// Polygon is a damage polygon prepared for repeated containment tests.
type Polygon struct {
	Ring          []Point
	SeverityClass int
	DNBRMean      float64
}

// PreparePolygons converts a damage collection into rings, in collection order.
// Non-polygon features and malformed rings are skipped.
func PreparePolygons(g *models.DamageGeometry) []Polygon {
	if g == nil {
		return nil
	}

	polygons := make([]Polygon, 0, len(g.Features))
	for i, f := range g.Features {
		if f.Geometry.Type != "Polygon" || len(f.Geometry.Coordinates) == 0 {
			slog.Debug("skipping damage feature", "index", i, "geometry_type", f.Geometry.Type)
			continue
		}
		ring, err := Ring(f.Geometry.Coordinates[0])
		if err != nil {
			slog.Warn("skipping malformed damage polygon", "index", i, "error", err)
			continue
		}
		polygons = append(polygons, Polygon{
			Ring:          ring,
			SeverityClass: f.Properties.SeverityClass,
			DNBRMean:      f.Properties.DNBRMean,
		})
	}
	return polygons
}

type BuildingClass struct {
	DamageClass int
	Confidence  float64
}

// MaxSeverityPolicy classifies buildings: every containing polygon is
// considered and the highest resulting damage class wins.
type MaxSeverityPolicy struct{}

func (MaxSeverityPolicy) Classify(p Point, polygons []Polygon) BuildingClass {
	best := BuildingClass{DamageClass: 0, Confidence: defaultBuildingConfidence}
	for _, poly := range polygons {
		if !PointInPolygon(p, poly.Ring) {
			continue
		}
		class := SeverityToDamageClass(poly.SeverityClass)
		if class > best.DamageClass {
			best.DamageClass = class
			best.Confidence = min(0.75+poly.DNBRMean*0.1, 1.0)
		}
	}
	best.Confidence = roundTo(best.Confidence, 3)
	return best
}

type FacilityRisk struct {
	RiskLevel  models.RiskLevel
	OverlapPct float64
}

// FirstMatchPolicy scores infrastructure: the first containing polygon in
// collection order decides the risk level.
type FirstMatchPolicy struct{}

func (FirstMatchPolicy) Assess(p Point, polygons []Polygon) FacilityRisk {
	for _, poly := range polygons {
		if PointInPolygon(p, poly.Ring) {
			return FacilityRisk{RiskLevel: SeverityToRiskLevel(poly.SeverityClass), OverlapPct: 100}
		}
	}
	return FacilityRisk{RiskLevel: outsideRiskLevel, OverlapPct: 0}
}

// FirstContaining returns the damage class of the first polygon containing p,
// used to cross-check field reports.
func FirstContaining(p Point, polygons []Polygon) (int, bool) {
	for _, poly := range polygons {
		if PointInPolygon(p, poly.Ring) {
			return SeverityToDamageClass(poly.SeverityClass), true
		}
	}
	return 0, false
}
