package report

import (
	"fmt"
	"strings"

	"github.com/mr1hm/disaster-sentinel/internal/models"
)

const visionPrompt = "Compare these before and after satellite images of a disaster area. Describe visible damage, " +
	"evidence of structural collapse, flood extent if applicable, infrastructure impact and your confidence (0-100%). " +
	"Keep the answer under 150 words."

// Prompt asks for a JSON report with the keys of models.Report.
func Prompt(e *models.Event, a *models.Analysis) string {
	stats := a.Stats
	if stats == nil {
		stats = &models.DamageStats{}
	}
	infra := a.Infrastructure
	if infra == nil {
		infra = &models.InfrastructureSummary{}
	}
	var affected int64
	if a.Population != nil {
		affected = a.Population.TotalAffected
	}

	var b strings.Builder
	b.WriteString("You are a disaster intelligence analyst. Generate a structured JSON situation report.\n\n")
	fmt.Fprintf(&b, "Event: %s\nType: %s\nSeverity: %s\nLocation: %s (%.4f, %.4f)\n\n",
		e.Title, e.Type, e.Severity, e.Country, e.Latitude, e.Longitude)
	fmt.Fprintf(&b, "Damage statistics:\n- Affected area: %.1f km2\n- High severity: %.1f%%\n- Buildings assessed: %d\n- Destroyed: %d\n- Population affected: %d\n\n",
		stats.AreaKM2, stats.HighSeverityPct, stats.BuildingsAssessed, stats.DestroyedCount, affected)
	fmt.Fprintf(&b, "Infrastructure at risk:\n- Hospitals: %d\n- Bridges: %d\n- Power stations: %d\n- Schools: %d\n\n",
		infra.HospitalsAtRisk, infra.BridgesCompromised, infra.PowerStationsOffline, infra.SchoolsAtRisk)
	b.WriteString(`Return ONLY valid JSON with these keys:
{
  "executive_summary": "3 sentences max",
  "critical_infrastructure": ["at-risk facilities"],
  "priority_zones": [{"name": "zone", "lat": 0.0, "lon": 0.0, "recommendation": "action"}],
  "resource_recommendations": ["teams and quantities"],
  "confidence_note": "what limits this assessment",
  "next_assessment_actions": ["follow-up actions"]
}`)
	return b.String()
}

// Template builds a report from the assessment numbers alone.
func Template(e *models.Event, a *models.Analysis) *models.Report {
	stats := a.Stats
	if stats == nil {
		stats = &models.DamageStats{}
	}
	infra := a.Infrastructure
	if infra == nil {
		infra = &models.InfrastructureSummary{}
	}

	r := &models.Report{
		ExecutiveSummary: fmt.Sprintf(
			"Satellite assessment of %s indicates damage across %.1f km2, with %.1f%% classified as high severity. "+
				"%d of %d assessed buildings appear destroyed. Field teams should prioritise the zones listed below.",
			e.Title, stats.AreaKM2, stats.HighSeverityPct, stats.DestroyedCount, stats.BuildingsAssessed),
		PriorityZones: []models.PriorityZone{
			{Name: "Zone Alpha", Lat: e.Latitude + 0.01, Lon: e.Longitude + 0.01, Recommendation: "Search and rescue in the highest density of destroyed structures"},
			{Name: "Zone Beta", Lat: e.Latitude - 0.02, Lon: e.Longitude + 0.015, Recommendation: "Medical support where hospital access may be compromised"},
		},
		ResourceRecommendations: []string{
			"Urban search and rescue teams with cutting equipment",
			"Field medical units near the affected area",
			"Water purification and emergency power for critical facilities",
		},
		ConfidenceNote: fmt.Sprintf("Assessment based on %s imagery at %.0f%% model confidence; ground reports will refine it.",
			stats.SensorUsed, stats.Confidence*100),
		NextAssessmentActions: []string{
			"Verify disputed zones with field teams",
			"Acquire the next satellite pass for recovery tracking",
			"Cross-reference with ground reports",
		},
	}

	counts := []struct {
		n     int
		label string
	}{
		{infra.HospitalsAtRisk, "hospital(s) in high or critical risk zones"},
		{infra.BridgesCompromised, "bridge(s) possibly compromised"},
		{infra.PowerStationsOffline, "power station(s) at risk"},
		{infra.WaterFacilities, "water facility(ies) at risk"},
		{infra.CellTowersAffected, "cell tower(s) affected"},
		{infra.SchoolsAtRisk, "school(s) at risk"},
	}
	for _, c := range counts {
		if c.n > 0 {
			r.CriticalInfrastructure = append(r.CriticalInfrastructure, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}
	if len(r.CriticalInfrastructure) == 0 {
		r.CriticalInfrastructure = []string{"No critical facilities inside high severity zones"}
	}
	return r
}
