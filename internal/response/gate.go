package response

import (
	"fmt"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// Gate turns new incidents into advisory response signals. It never acts on
// them itself.
type Gate struct {
	minSeverity model.Severity
}

// NewGate creates a gate that signals incidents at or above minSeverity
func NewGate(minSeverity model.Severity) *Gate {
	if minSeverity.Level() == 0 {
		minSeverity = model.SeverityHigh
	}
	return &Gate{minSeverity: minSeverity}
}

// Evaluate returns the signals for one incident, in emission order: the
// anomaly advisory (only when members were flagged), the alert and the
// containment request.
func (g *Gate) Evaluate(inc *model.Incident) []model.ResponseSignal {
	if inc == nil || !inc.Severity.AtLeast(g.minSeverity) {
		return nil
	}

	signal := func(kind, msg string) model.ResponseSignal {
		return model.ResponseSignal{
			Kind:       kind,
			IncidentID: inc.ID,
			SourceID:   inc.SourceID,
			Severity:   inc.Severity,
			Message:    msg,
		}
	}

	var signals []model.ResponseSignal
	if inc.MLDetectedCount > 0 {
		signals = append(signals, signal(model.SignalMLAdvisory,
			fmt.Sprintf("ML ALERT: %d events flagged as anomalies", inc.MLDetectedCount)))
	}
	signals = append(signals,
		signal(model.SignalAlert, fmt.Sprintf("ALERT: High-severity incident %d", inc.ID)),
		signal(model.SignalContainment, "ACTION: Agent quarantine initiated"),
	)
	return signals
}
