package models

import "time"

type AlertType string

const (
	AlertTypeNewCriticalEvent     AlertType = "new_critical_event"
	AlertTypeInfrastructureAtRisk AlertType = "infrastructure_at_risk"
	AlertTypeHighDisputeDensity   AlertType = "high_dispute_density"
	AlertTypeSeverityEscalation   AlertType = "severity_escalation"
)

type AlertSeverity string

const (
	AlertSeverityCritical AlertSeverity = "critical"
	AlertSeverityWarning  AlertSeverity = "warning"
)

type Alert struct {
	ID             string         `json:"id"`
	EventID        string         `json:"event_id"`
	EventTitle     string         `json:"event_title,omitempty"` // joined from events on read
	Type           AlertType      `json:"alert_type"`
	Severity       AlertSeverity  `json:"severity"`
	Message        string         `json:"message"`
	Metadata       map[string]any `json:"metadata"`
	DedupKey       string         `json:"-"` // natural identity within (event, type); facility name for infrastructure alerts
	Acknowledged   bool           `json:"acknowledged"`
	AcknowledgedAt *time.Time     `json:"acknowledged_at"`
	CreatedAt      time.Time      `json:"created_at"`
}
