package model

import (
	"strings"
	"time"
)

// Severity is the enumerated incident/event severity
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Score thresholds for each severity band, highest first
var severityThresholds = []struct {
	severity Severity
	minScore int
}{
	{SeverityCritical, 90},
	{SeverityHigh, 60},
	{SeverityMedium, 30},
	{SeverityLow, 0},
}

var severityLevels = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// SeverityForScore maps a total score to its severity band
func SeverityForScore(score int) Severity {
	for _, t := range severityThresholds {
		if score >= t.minScore {
			return t.severity
		}
	}
	return SeverityLow
}

// ParseSeverity parses a severity name, case-insensitively
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	_, ok := severityLevels[sev]
	return sev, ok
}

// Level returns the ordinal of the severity (0 for unknown values)
func (s Severity) Level() int {
	return severityLevels[s]
}

// AtLeast reports whether s is the same or more severe than other
func (s Severity) AtLeast(other Severity) bool {
	return s.Level() >= other.Level() && s.Level() > 0
}

// IncidentStatus is the lifecycle state of an incident
type IncidentStatus string

const (
	IncidentActive   IncidentStatus = "active"
	IncidentResolved IncidentStatus = "resolved"
)

// Incident is a correlated cluster of high-score events from one source
type Incident struct {
	ID              uint64         `json:"incident_id"`
	SourceID        string         `json:"source_id"`
	Severity        Severity       `json:"severity"`
	EventCount      int            `json:"event_count"`
	CreatedAt       int64          `json:"timestamp"`
	Events          []Event        `json:"events"`
	Status          IncidentStatus `json:"status"`
	MLDetectedCount int            `json:"ml_detected_count"`
	ResolvedAt      int64          `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
}

// IsActive reports whether the incident has not been resolved yet
func (i *Incident) IsActive() bool {
	return i.Status == IncidentActive
}

// EventIDs returns the ids of the member events in order
func (i *Incident) EventIDs() []string {
	ids := make([]string, 0, len(i.Events))
	for _, ev := range i.Events {
		ids = append(ids, ev.ID)
	}
	return ids
}

// Age returns how long ago the incident was created
func (i *Incident) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(i.CreatedAt, 0))
}

// Signal kinds emitted by the response gate
const (
	SignalMLAdvisory  = "ml_advisory"
	SignalAlert       = "alert"
	SignalContainment = "containment"
)

// ResponseSignal is an advisory output telling an external response
// subsystem that it should consider acting on an incident
type ResponseSignal struct {
	Kind       string   `json:"kind"`
	IncidentID uint64   `json:"incident_id"`
	SourceID   string   `json:"source_id"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
}
