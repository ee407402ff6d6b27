package models

import (
	"strings"
	"time"
)

type EventType string

const (
	EventTypeEarthquake EventType = "EQ"
	EventTypeFlood      EventType = "FL"
	EventTypeCyclone    EventType = "TC"
	EventTypeWildfire   EventType = "WF"
	EventTypeVolcano    EventType = "VO"
	EventTypeLandslide  EventType = "LS"
	EventTypeOther      EventType = "OTHER"
)

// ParseEventType maps a feed code or a loose name ("earthquake", "fire") to an EventType.
func ParseEventType(s string) EventType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "eq", "earthquake":
		return EventTypeEarthquake
	case "fl", "flood":
		return EventTypeFlood
	case "tc", "cyclone", "tropical cyclone":
		return EventTypeCyclone
	case "wf", "wildfire", "fire":
		return EventTypeWildfire
	case "vo", "volcano":
		return EventTypeVolcano
	case "ls", "landslide":
		return EventTypeLandslide
	default:
		return EventTypeOther
	}
}

type Severity string

const (
	SeverityRed    Severity = "red"
	SeverityOrange Severity = "orange"
	SeverityGreen  Severity = "green"
)

// Persisted reports whether events of this severity are stored. Green is never tracked.
func (s Severity) Persisted() bool {
	return s == SeverityRed || s == SeverityOrange
}

const (
	SourceGDACS = "gdacs"
	SourceUSGS  = "usgs"
	SourceEONET = "eonet"
)

type Event struct {
	ID                 string    `json:"id"`
	GDACSID            string    `json:"gdacs_id,omitempty"` // at most one of the three external ids is set
	USGSID             string    `json:"usgs_id,omitempty"`
	EONETID            string    `json:"eonet_id,omitempty"`
	Title              string    `json:"title"`
	Type               EventType `json:"event_type"`
	Severity           Severity  `json:"severity"`
	Latitude           float64   `json:"lat"`
	Longitude          float64   `json:"lon"`
	EventDate          time.Time `json:"event_date"`
	Country            string    `json:"country"`
	AffectedPopulation int64     `json:"affected_population"`
	Active             bool      `json:"active"`
	PipelineTriggered  bool      `json:"pipeline_triggered"`
	LastSeenInFeed     time.Time `json:"last_seen_in_feed"`
	CreatedAt          time.Time `json:"created_at"`
}

// Source returns the feed the event was first sighted in.
func (e *Event) Source() string {
	switch {
	case e.GDACSID != "":
		return SourceGDACS
	case e.USGSID != "":
		return SourceUSGS
	case e.EONETID != "":
		return SourceEONET
	default:
		return ""
	}
}

func (e *Event) ExternalID() string {
	switch e.Source() {
	case SourceGDACS:
		return e.GDACSID
	case SourceUSGS:
		return e.USGSID
	case SourceEONET:
		return e.EONETID
	default:
		return ""
	}
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

func (e *Event) Coordinates() Coordinates {
	return Coordinates{
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
	}
}
