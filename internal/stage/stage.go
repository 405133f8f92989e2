// Package stage defines the research workflow stages, their typed result
// payloads, and the bounded in-memory cache that holds recent stage data.
package stage

import "fmt"

// Stage identifies one step of the multi-step research workflow.
type Stage string

const (
	SiteAnalysis Stage = "site-analysis"
	Scraping     Stage = "scraping"
	Validation   Stage = "validation"
	Enrichment   Stage = "enrichment"
	Generation   Stage = "generation"
	DataReview   Stage = "data-review"
)

// ordered is the fixed workflow order.
var ordered = []Stage{SiteAnalysis, Scraping, Validation, Enrichment, Generation, DataReview}

// All returns the stages in workflow order.
func All() []Stage {
	out := make([]Stage, len(ordered))
	copy(out, ordered)
	return out
}

// Parse validates a stage identifier.
func Parse(s string) (Stage, error) {
	for _, st := range ordered {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage: %q", s)
}

// Ordinal returns the stage's position in the workflow, or -1 if unknown.
func (s Stage) Ordinal() int {
	for i, st := range ordered {
		if st == s {
			return i
		}
	}
	return -1
}

// Next returns the following stage and true, or false at the end of the workflow.
func (s Stage) Next() (Stage, bool) {
	i := s.Ordinal()
	if i < 0 || i+1 >= len(ordered) {
		return "", false
	}
	return ordered[i+1], true
}

// Previous returns the preceding stage and true, or false at the start.
func (s Stage) Previous() (Stage, bool) {
	i := s.Ordinal()
	if i <= 0 {
		return "", false
	}
	return ordered[i-1], true
}

func (s Stage) String() string { return string(s) }
