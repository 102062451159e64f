package model

import (
	"time"
)

// Known event types reported by endpoint agents
const (
	EventTypeProcessStart      = "process_start"
	EventTypeFileWrite         = "file_write"
	EventTypeNetworkConnection = "network_connection"
)

// Event represents one behavior reported by an endpoint agent, plus the
// annotations added by the scoring pipeline
type Event struct {
	ID         string                 `json:"event_id"`
	SourceID   string                 `json:"source_id"`
	EventType  string                 `json:"event_type"`
	Timestamp  int64                  `json:"timestamp"` // seconds since epoch
	Attributes map[string]interface{} `json:"attributes"`

	// Pipeline annotations
	RuleScore    int     `json:"rule_score"`
	AnomalyScore float64 `json:"anomaly_score"`
	AnomalyFlag  bool    `json:"anomaly_flag"`
	TotalScore   int     `json:"total_score"`
}

// Attribute returns the string form of an attribute, or "" when it is missing
// or not a string
func (e *Event) Attribute(key string) string {
	if e.Attributes == nil {
		return ""
	}
	if v, ok := e.Attributes[key].(string); ok {
		return v
	}
	return ""
}

// Time returns the event timestamp as a time.Time
func (e *Event) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// Severity returns the severity band for the event's total score
func (e *Event) Severity() Severity {
	return SeverityForScore(e.TotalScore)
}

// AnomalyResult is the outcome of scoring one event against a source baseline
type AnomalyResult struct {
	IsAnomaly    bool    `json:"is_anomaly"`
	AnomalyScore float64 `json:"anomaly_score"`
	Method       string  `json:"method"` // untrained, isolation_forest, error
	Reasoning    string  `json:"reasoning,omitempty"`
}

// Anomaly scoring methods
const (
	MethodUntrained       = "untrained"
	MethodIsolationForest = "isolation_forest"
	MethodError           = "error"
)

// Model status values reported by DetectionStats
const (
	ModelStatusTrained   = "trained"
	ModelStatusUntrained = "untrained"
)

// DetectionStats summarises the anomaly detection history
type DetectionStats struct {
	EventsAnalyzed       int     `json:"events_analyzed"`
	AnomaliesDetected    int     `json:"anomalies_detected"`
	DetectionRatePercent float64 `json:"detection_rate_percent"`
	MeanAnomalyScore     float64 `json:"mean_anomaly_score"`
	ModelStatus          string  `json:"model_status"`
}
