package models

import "time"

type GroundReport struct {
	ID             string    `json:"id"`
	EventID        string    `json:"event_id"`
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lon"`
	DamageClass    int       `json:"damage_class"`
	DamageLabel    string    `json:"damage_label"`
	AIConfidence   float64   `json:"ai_confidence"`
	Description    string    `json:"description"`
	PhotoURL       string    `json:"photo_url"`
	SatelliteClass *int      `json:"satellite_class"` // nil until an analysis covers the location
	Agreement      *bool     `json:"agreement"`       // nil when there is nothing to compare against
	Disputed       bool      `json:"disputed"`
	SubmitterHash  string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}
