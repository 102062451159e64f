package features

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sgerhart/aegisflux/backend/triage/internal/model"
)

// Vector layout. Indices are append-only: trained baselines depend on the
// positional meaning of every existing slot.
const (
	IdxProcessStart = iota
	IdxFileWrite
	IdxNetworkConnection
	IdxPriorScore
	IdxCurl
	IdxBash
	IdxWget
	IdxPowershell

	Dimensions
)

// eventTypeSlots maps known event types to their one-hot index
var eventTypeSlots = map[string]int{
	model.EventTypeProcessStart:      IdxProcessStart,
	model.EventTypeFileWrite:         IdxFileWrite,
	model.EventTypeNetworkConnection: IdxNetworkConnection,
}

// indicatorSlots maps high-signal substrings to their index
var indicatorSlots = []struct {
	needle string
	idx    int
}{
	{"curl", IdxCurl},
	{"bash", IdxBash},
	{"wget", IdxWget},
	{"powershell", IdxPowershell},
}

// Extractor maps events into fixed-length numeric vectors
type Extractor struct{}

// New creates a new feature extractor
func New() *Extractor {
	return &Extractor{}
}

// Extract returns the feature vector for an event. It never fails: missing
// or unknown attributes contribute zeros.
func (x *Extractor) Extract(ev *model.Event) []float64 {
	vec := make([]float64, Dimensions)
	if ev == nil {
		return vec
	}

	if idx, ok := eventTypeSlots[ev.EventType]; ok {
		vec[idx] = 1.0
	}

	score := ev.TotalScore
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	vec[IdxPriorScore] = float64(score) / 100.0

	flat := StringifyAttributes(ev.Attributes)
	for _, ind := range indicatorSlots {
		if strings.Contains(flat, ind.needle) {
			vec[ind.idx] = 1.0
		}
	}

	return vec
}

// StringifyAttributes renders an attribute map into a lowercase string with
// keys in sorted order, so the same attributes always render identically
func StringifyAttributes(attrs map[string]interface{}) string {
	if len(attrs) == 0 {
		return ""
	}

	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%v;", k, attrs[k])
	}
	return strings.ToLower(b.String())
}
