package models

import "time"

type AnalysisStatus string

const (
	StatusFetchingImagery    AnalysisStatus = "fetching_imagery"
	StatusAssessingBuildings AnalysisStatus = "assessing_buildings"
	StatusGeneratingReport   AnalysisStatus = "generating_report"
	StatusComplete           AnalysisStatus = "complete"
	StatusImageryUnavailable AnalysisStatus = "imagery_unavailable"
	StatusError              AnalysisStatus = "error"
)

var transitions = map[AnalysisStatus][]AnalysisStatus{
	StatusFetchingImagery:    {StatusAssessingBuildings, StatusImageryUnavailable, StatusError},
	StatusAssessingBuildings: {StatusGeneratingReport, StatusError},
	StatusGeneratingReport:   {StatusComplete, StatusError},
}

func (s AnalysisStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusImageryUnavailable || s == StatusError
}

// CanTransition reports whether the pipeline may move an analysis from s to next.
func (s AnalysisStatus) CanTransition(next AnalysisStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// NonTerminalStatuses lists the in-flight states.
func NonTerminalStatuses() []AnalysisStatus {
	return []AnalysisStatus{StatusFetchingImagery, StatusAssessingBuildings, StatusGeneratingReport}
}

type Analysis struct {
	ID               string                 `json:"id"`
	JobID            string                 `json:"job_id"`
	EventID          string                 `json:"event_id"`
	Status           AnalysisStatus         `json:"status"`
	DamageGeometry   *DamageGeometry        `json:"damage_geojson"`
	Stats            *DamageStats           `json:"stats"`
	PreThumbnailURL  string                 `json:"pre_thumbnail_url"`
	PostThumbnailURL string                 `json:"post_thumbnail_url"`
	Infrastructure   *InfrastructureSummary `json:"infrastructure"`
	Population       *PopulationEstimate    `json:"population"`
	RecoveryHistory  []RecoverySnapshot     `json:"recovery_history"`
	Report           *Report                `json:"report"`
	PublicSlug       string                 `json:"public_slug,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// DamageGeometry is a GeoJSON FeatureCollection of classified damage polygons.
type DamageGeometry struct {
	Type     string          `json:"type"`
	Features []DamageFeature `json:"features"`
}

type DamageFeature struct {
	Type       string           `json:"type"`
	Geometry   PolygonGeometry  `json:"geometry"`
	Properties DamageProperties `json:"properties"`
}

type PolygonGeometry struct {
	Type        string        `json:"type"`
	Coordinates [][][]float64 `json:"coordinates"` // rings of [lon, lat]
}

type DamageProperties struct {
	SeverityClass int     `json:"severity_class"`
	SeverityLabel string  `json:"severity_label"`
	Color         string  `json:"color,omitempty"`
	AreaKM2       float64 `json:"area_km2"`
	DNBRMean      float64 `json:"dnbr_mean"`
}

type DamageStats struct {
	AreaKM2           float64  `json:"area_km2"`
	HighSeverityPct   float64  `json:"high_severity_pct"`
	ModerateHighPct   float64  `json:"moderate_high_pct"`
	ModerateLowPct    float64  `json:"moderate_low_pct"`
	MeanDNBR          float64  `json:"mean_dnbr"`
	MaxDNBR           float64  `json:"max_dnbr"`
	FloodExtentKM2    *float64 `json:"flood_extent_km2"`
	BuildingsAssessed int      `json:"buildings_assessed"`
	DestroyedCount    int      `json:"destroyed_count"`
	MajorDamageCount  int      `json:"major_damage_count"`
	MinorDamageCount  int      `json:"minor_damage_count"`
	Confidence        float64  `json:"confidence"`
	SensorUsed        string   `json:"sensor_used"`
	AssessmentMethod  string   `json:"assessment_method"`
}

type InfrastructureSummary struct {
	HospitalsAtRisk      int `json:"hospitals_at_risk"`
	BridgesCompromised   int `json:"bridges_compromised"`
	PowerStationsOffline int `json:"power_stations_offline"`
	WaterFacilities      int `json:"water_facilities"`
	CellTowersAffected   int `json:"cell_towers_affected"`
	SchoolsAtRisk        int `json:"schools_at_risk"`
	RoadsDisruptedKM     int `json:"roads_disrupted_km"`
}

type PopulationEstimate struct {
	TotalAffected    int64  `json:"total_affected"`
	HighSeverity     int64  `json:"high_severity"`
	ModerateSeverity int64  `json:"moderate_severity"`
	Source           string `json:"source"`
	Year             int    `json:"year"`
}

type RecoverySnapshot struct {
	Date             string   `json:"date"`
	HighSeverityKM2  float64  `json:"high_severity_km2"`
	TotalAffectedKM2 float64  `json:"total_affected_km2"`
	RecoveryScore    float64  `json:"recovery_score"`
	FloodExtentKM2   *float64 `json:"flood_extent_km2"`
	PassID           *string  `json:"pass_id"`
}

type PriorityZone struct {
	Name           string  `json:"name"`
	Lat            float64 `json:"lat"`
	Lon            float64 `json:"lon"`
	Recommendation string  `json:"recommendation"`
}

type Report struct {
	ExecutiveSummary        string         `json:"executive_summary"`
	CriticalInfrastructure  []string       `json:"critical_infrastructure"`
	PriorityZones           []PriorityZone `json:"priority_zones"`
	ResourceRecommendations []string       `json:"resource_recommendations"`
	ConfidenceNote          string         `json:"confidence_note"`
	NextAssessmentActions   []string       `json:"next_assessment_actions"`
	VisualDescription       string         `json:"visual_description,omitempty"`
	GeneratedAt             time.Time      `json:"generated_at"`
}
