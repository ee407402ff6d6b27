package geo

import "github.com/mr1hm/disaster-sentinel/internal/models"

const maxDamageClass = 3

// SeverityToDamageClass buckets a 0–5 severity class into a 0–3 building damage class.
func SeverityToDamageClass(severityClass int) int {
	if severityClass < 0 {
		return 0
	}
	return min(severityClass/2, maxDamageClass)
}

var riskLevels = map[int]models.RiskLevel{
	0: models.RiskNone,
	1: models.RiskLow,
	2: models.RiskModerate,
	3: models.RiskHigh,
	4: models.RiskCritical,
	5: models.RiskCritical,
}

// SeverityToRiskLevel maps a severity class through the fixed risk table.
// Classes outside 0–5 clamp to the nearest end.
func SeverityToRiskLevel(severityClass int) models.RiskLevel {
	if severityClass < 0 {
		severityClass = 0
	}
	if severityClass > 5 {
		severityClass = 5
	}
	return riskLevels[severityClass]
}
