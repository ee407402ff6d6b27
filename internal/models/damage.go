package models

type BuildingDamage struct {
	ID          int64   `json:"id"`
	AnalysisID  string  `json:"analysis_id"`
	EventID     string  `json:"event_id"`
	OSMID       string  `json:"osm_id"`
	Latitude    float64 `json:"lat"`
	Longitude   float64 `json:"lon"`
	DamageClass int     `json:"damage_class"`
	DamageLabel string  `json:"damage_label"`
	Confidence  float64 `json:"confidence"`
	Source      string  `json:"source"`
}

const BuildingSourceSatellite = "satellite"

var damageLabels = [...]string{"no-damage", "minor-damage", "major-damage", "destroyed"}

// DamageLabel names a 0–3 damage class.
func DamageLabel(class int) string {
	if class < 0 || class >= len(damageLabels) {
		return "unknown"
	}
	return damageLabels[class]
}

type RiskLevel string

const (
	RiskNone     RiskLevel = "none"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// AtRisk reports whether the level counts toward alerts and the infrastructure summary.
func (r RiskLevel) AtRisk() bool {
	return r == RiskHigh || r == RiskCritical
}

type FacilityType string

const (
	FacilityHospital       FacilityType = "hospital"
	FacilitySchool         FacilityType = "school"
	FacilityBridge         FacilityType = "bridge"
	FacilityPowerStation   FacilityType = "power_station"
	FacilityWaterTreatment FacilityType = "water_treatment"
	FacilityCellTower      FacilityType = "cell_tower"
)

type InfrastructureRisk struct {
	ID           int64        `json:"id"`
	AnalysisID   string       `json:"analysis_id"`
	EventID      string       `json:"event_id"`
	OSMID        string       `json:"osm_id"`
	FacilityType FacilityType `json:"facility_type"`
	Name         string       `json:"name"`
	Latitude     float64      `json:"lat"`
	Longitude    float64      `json:"lon"`
	RiskLevel    RiskLevel    `json:"risk_level"`
	OverlapPct   float64      `json:"overlap_pct"`
}
