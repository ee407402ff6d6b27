package pipeline

import (
	"log/slog"
	"math"
	"time"

	"github.com/mr1hm/disaster-sentinel/internal/geo"
	"github.com/mr1hm/disaster-sentinel/internal/geodata"
	"github.com/mr1hm/disaster-sentinel/internal/models"
)

const personsPerBuilding = 4

type Assessment struct {
	Buildings      []models.BuildingDamage
	Infrastructure []models.InfrastructureRisk
	Summary        models.InfrastructureSummary
	ClassCounts    [4]int
}

// Assess classifies candidate buildings with the max-severity policy and
// facilities with the first-match policy. Invalid points are skipped and at
// most maxBuildings building records are kept.
func Assess(analysisID, eventID string, f *geodata.Features, polygons []geo.Polygon, maxBuildings int) Assessment {
	var a Assessment
	var buildingPolicy geo.MaxSeverityPolicy
	var facilityPolicy geo.FirstMatchPolicy

	for _, b := range f.Buildings {
		if len(a.Buildings) >= maxBuildings {
			break
		}
		p := geo.Point{X: b.Lon, Y: b.Lat}
		if !p.Valid() {
			slog.Debug("skipping building with invalid position", "osm_id", b.OSMID)
			continue
		}
		c := buildingPolicy.Classify(p, polygons)
		a.ClassCounts[c.DamageClass]++
		a.Buildings = append(a.Buildings, models.BuildingDamage{
			AnalysisID:  analysisID,
			EventID:     eventID,
			OSMID:       b.OSMID,
			Latitude:    b.Lat,
			Longitude:   b.Lon,
			DamageClass: c.DamageClass,
			DamageLabel: models.DamageLabel(c.DamageClass),
			Confidence:  c.Confidence,
			Source:      models.BuildingSourceSatellite,
		})
	}

	for _, fac := range f.Infrastructure {
		p := geo.Point{X: fac.Lon, Y: fac.Lat}
		if !p.Valid() {
			slog.Debug("skipping facility with invalid position", "osm_id", fac.OSMID)
			continue
		}
		risk := facilityPolicy.Assess(p, polygons)
		a.Infrastructure = append(a.Infrastructure, models.InfrastructureRisk{
			AnalysisID:   analysisID,
			EventID:      eventID,
			OSMID:        fac.OSMID,
			FacilityType: fac.FacilityType,
			Name:         fac.Name,
			Latitude:     fac.Lat,
			Longitude:    fac.Lon,
			RiskLevel:    risk.RiskLevel,
			OverlapPct:   risk.OverlapPct,
		})
		if risk.RiskLevel.AtRisk() {
			countAtRisk(&a.Summary, fac.FacilityType)
		}
	}
	return a
}

func countAtRisk(s *models.InfrastructureSummary, t models.FacilityType) {
	switch t {
	case models.FacilityHospital:
		s.HospitalsAtRisk++
	case models.FacilityBridge:
		s.BridgesCompromised++
	case models.FacilityPowerStation:
		s.PowerStationsOffline++
	case models.FacilityWaterTreatment:
		s.WaterFacilities++
	case models.FacilityCellTower:
		s.CellTowersAffected++
	case models.FacilitySchool:
		s.SchoolsAtRisk++
	}
}

// estimatePopulation splits the feed's affected population by the severity
// shares of the damage stats. Without a feed figure the building count is used.
func estimatePopulation(e *models.Event, stats *models.DamageStats, now time.Time) *models.PopulationEstimate {
	total := e.AffectedPopulation
	source := "feed estimate"
	if total <= 0 {
		total = int64(stats.BuildingsAssessed * personsPerBuilding)
		source = "building count"
	}
	return &models.PopulationEstimate{
		TotalAffected:    total,
		HighSeverity:     int64(math.Round(float64(total) * stats.HighSeverityPct / 100)),
		ModerateSeverity: int64(math.Round(float64(total) * (stats.ModerateHighPct + stats.ModerateLowPct) / 100)),
		Source:           source,
		Year:             now.Year(),
	}
}

func roundTo(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}
