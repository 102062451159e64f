package rules

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// processAttributes are the attributes searched for indicators, besides the
// event type
var processAttributes = []string{"process", "command_line", "cmdline", "command"}

type indicator struct {
	keyword string
	weight  int
}

// Scorer assigns deterministic rule scores from an indicator weight table.
// The table can be swapped at runtime without blocking scoring.
type Scorer struct {
	table atomic.Pointer[[]indicator]
}

// NewScorer creates a scorer for the given weight table. An invalid table is
// a configuration error.
func NewScorer(weights map[string]int) (*Scorer, error) {
	s := &Scorer{}
	if err := s.Update(weights); err != nil {
		return nil, err
	}
	return s, nil
}

// Update validates and installs a new weight table
func (s *Scorer) Update(weights map[string]int) error {
	if err := ValidateWeights(weights); err != nil {
		return err
	}

	table := make([]indicator, 0, len(weights))
	for k, w := range weights {
		table = append(table, indicator{keyword: strings.ToLower(strings.TrimSpace(k)), weight: w})
	}
	// Sorted for stable iteration
	sort.Slice(table, func(i, j int) bool { return table[i].keyword < table[j].keyword })

	s.table.Store(&table)
	return nil
}

// Weights returns a copy of the table currently in effect
func (s *Scorer) Weights() map[string]int {
	out := make(map[string]int)
	for _, ind := range *s.table.Load() {
		out[ind.keyword] = ind.weight
	}
	return out
}

// Score sums the weights of every indicator found in the event's process or
// command attributes or in its event type. The sum is not clamped.
func (s *Scorer) Score(ev *model.Event) int {
	if ev == nil {
		return 0
	}

	process := processText(ev)
	eventType := strings.ToLower(ev.EventType)

	score := 0
	for _, ind := range *s.table.Load() {
		if strings.Contains(process, ind.keyword) || strings.Contains(eventType, ind.keyword) {
			score += ind.weight
		}
	}
	return score
}

// processText joins the process-describing attributes of an event
func processText(ev *model.Event) string {
	var parts []string
	for _, key := range processAttributes {
		if v := ev.Attribute(key); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}
