package rules

import (
	"fmt"
	"strings"
)

// DefaultWeights is the indicator table used when no rule files are configured
var DefaultWeights = map[string]int{
	"curl":               80,
	"bash":               50,
	"network_connection": 40,
	"file_write":         30,
}

// WeightMetadata contains metadata about a weight table file
type WeightMetadata struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
}

// WeightSpec contains the indicator weights
type WeightSpec struct {
	Enabled bool           `yaml:"enabled" json:"enabled"`
	Weights map[string]int `yaml:"weights" json:"weights"`
}

// WeightFile represents one weight table document
type WeightFile struct {
	APIVersion string         `yaml:"apiVersion" json:"apiVersion"`
	Kind       string         `yaml:"kind" json:"kind"`
	Metadata   WeightMetadata `yaml:"metadata" json:"metadata"`
	Spec       WeightSpec     `yaml:"spec" json:"spec"`
	SourceFile string         `yaml:"-" json:"source_file"`
}

// WeightSnapshot is the merged indicator table currently in effect
type WeightSnapshot struct {
	Weights map[string]int
	Files   []FileSummary
	Version int64 // Timestamp when snapshot was created
}

// FileSummary represents a summary of a loaded weight file
type FileSummary struct {
	Filename   string `json:"filename"`
	Name       string `json:"name"`
	Indicators int    `json:"indicators"`
	Enabled    bool   `json:"enabled"`
}

// Validate checks if a weight file is valid
func (f *WeightFile) Validate() error {
	if f.Metadata.Name == "" {
		return &ValidationError{Field: "metadata.name", Message: "weight table name is required"}
	}
	if f.Kind != "" && f.Kind != "WeightTable" {
		return &ValidationError{Field: "kind", Message: "kind must be WeightTable"}
	}
	return ValidateWeights(f.Spec.Weights)
}

// ValidateWeights checks an indicator table: indicators must be non-empty,
// distinct once lowercased and trimmed, and weights must be non-negative
func ValidateWeights(weights map[string]int) error {
	if len(weights) == 0 {
		return &ValidationError{Field: "spec.weights", Message: "at least one indicator weight is required"}
	}
	seen := make(map[string]string, len(weights))
	for indicator, weight := range weights {
		key := strings.ToLower(strings.TrimSpace(indicator))
		if key == "" {
			return &ValidationError{Field: "spec.weights", Message: "indicator must not be empty"}
		}
		if other, dup := seen[key]; dup {
			return &ValidationError{
				Field:   "spec.weights." + indicator,
				Message: fmt.Sprintf("indicator collides with %q", other),
			}
		}
		seen[key] = indicator
		if weight < 0 {
			return &ValidationError{
				Field:   "spec.weights." + indicator,
				Message: fmt.Sprintf("weight must be non-negative, got %d", weight),
			}
		}
	}
	return nil
}

// ValidationError represents a weight table validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
