package scoring

import (
	"math"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// AnomalyWeight scales an anomaly score into rule-score points
const AnomalyWeight = 30

// MaxScore is the upper bound of rule and total scores
const MaxScore = 100

// RuleScorer assigns deterministic scores from an indicator table
type RuleScorer interface {
	Score(ev *model.Event) int
}

// AnomalyScorer scores an event against its source baseline
type AnomalyScorer interface {
	Score(sourceID string, ev *model.Event) model.AnomalyResult
}

// ThreatScorer fuses rule and anomaly output into one bounded score
type ThreatScorer struct {
	rules   RuleScorer
	anomaly AnomalyScorer
}

// NewThreatScorer creates a new threat scorer
func NewThreatScorer(rules RuleScorer, anomaly AnomalyScorer) *ThreatScorer {
	return &ThreatScorer{rules: rules, anomaly: anomaly}
}

// Score returns an enriched copy of the event. The input is not modified; its
// total_score is read as prior context by the anomaly features.
func (s *ThreatScorer) Score(ev model.Event) model.Event {
	out := ev

	ruleScore := s.rules.Score(&ev)
	result := s.anomaly.Score(ev.SourceID, &ev)

	out.AnomalyScore = result.AnomalyScore
	out.AnomalyFlag = result.IsAnomaly

	total := ruleScore
	if result.IsAnomaly {
		total += Contribution(result.AnomalyScore)
	}

	out.RuleScore = clamp(ruleScore)
	out.TotalScore = clamp(total)
	return out
}

// Contribution converts an anomaly score into the points it adds. It never
// subtracts.
func Contribution(anomalyScore float64) int {
	if anomalyScore <= 0 || math.IsNaN(anomalyScore) || math.IsInf(anomalyScore, 0) {
		return 0
	}
	return int(math.Round(anomalyScore * AnomalyWeight))
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
