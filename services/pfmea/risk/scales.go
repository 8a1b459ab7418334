package risk

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed scales.yaml
var defaultScalesYAML []byte

// SeverityCriteria is the scale text for one severity rating.
type SeverityCriteria struct {
	ProductPerformance   string `yaml:"product_performance" json:"product_performance"`
	ManufacturingProcess string `yaml:"manufacturing_process" json:"manufacturing_process"`
}

// OccurrenceCriteria is the scale text for one occurrence rating.
type OccurrenceCriteria struct {
	Qualitative  string `yaml:"qualitative" json:"qualitative"`
	Quantitative string `yaml:"quantitative" json:"quantitative"`
}

// Scales holds the rating-scale definitions keyed by rating value.
// Loaded once at startup and treated as immutable afterwards; a hot
// reload produces a fresh instance.
type Scales struct {
	Severity   map[int]SeverityCriteria   `yaml:"severity" json:"severity"`
	Occurrence map[int]OccurrenceCriteria `yaml:"occurrence" json:"occurrence"`
}

var (
	defaultScales     *Scales
	defaultScalesOnce sync.Once
)

// DefaultScales returns the embedded rating scales. The embedded file
// is part of the build, so a parse failure here is a programming error.
func DefaultScales() *Scales {
	defaultScalesOnce.Do(func() {
		s, err := ParseScales(defaultScalesYAML)
		if err != nil {
			panic(fmt.Sprintf("embedded scales.yaml is invalid: %v", err))
		}
		defaultScales = s
	})
	return defaultScales
}

// ParseScales parses YAML rating-scale definitions.
func ParseScales(data []byte) (*Scales, error) {
	var s Scales
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse rating scales: %w", err)
	}
	for r := 1; r <= 5; r++ {
		if _, ok := s.Severity[r]; !ok {
			return nil, fmt.Errorf("rating scales: missing severity criteria for %d", r)
		}
		if _, ok := s.Occurrence[r]; !ok {
			return nil, fmt.Errorf("rating scales: missing occurrence criteria for %d", r)
		}
	}
	return &s, nil
}

// LoadScales reads rating scales from a YAML file.
func LoadScales(path string) (*Scales, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rating scales %s: %w", path, err)
	}
	return ParseScales(data)
}

// SeverityCriterion returns the criteria text for a severity rating,
// preferring the product-performance wording. Empty for out-of-range
// ratings.
func (s *Scales) SeverityCriterion(rating int) string {
	c, ok := s.Severity[rating]
	if !ok {
		return ""
	}
	if c.ProductPerformance != "" {
		return c.ProductPerformance
	}
	return c.ManufacturingProcess
}

// OccurrenceCriterion returns the criteria text for an occurrence
// rating. Empty for out-of-range ratings.
func (s *Scales) OccurrenceCriterion(rating int) string {
	c, ok := s.Occurrence[rating]
	if !ok {
		return ""
	}
	return c.Qualitative
}

// Criterion dispatches by rating kind ("severity" or "occurrence").
func (s *Scales) Criterion(kind string, rating int) string {
	if kind == "severity" {
		return s.SeverityCriterion(rating)
	}
	return s.OccurrenceCriterion(rating)
}

// PromptText renders the full scales as indented JSON for inclusion in
// detailed-mode system prompts.
func (s *Scales) PromptText() string {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}

// FormatJustification appends the matching scale criteria to a
// model-generated justification. When no criteria text exists the
// justification is returned unchanged.
func (s *Scales) FormatJustification(kind string, rating int, justification string) string {
	criteria := s.Criterion(kind, rating)
	if criteria == "" {
		return justification
	}
	return fmt.Sprintf("%s\n\nCriteria for %s=%d: %s",
		justification, strings.ToUpper(kind), rating, criteria)
}
