package config

// This file loads the YAML pipeline definition. Values support
// environment variable overrides via ${VAR} or $VAR syntax.

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pipeline is the top-level definition loaded from pipeline.yaml.
// It fixes which backend endpoint each research phase invokes and
// whether the response is streamed.
type Pipeline struct {
	Phases []PhaseDef `yaml:"phases"`

	// Scraper limits; zero values fall back to env config.
	Scraper ScraperDef `yaml:"scraper"`
}

// PhaseDef describes one phase of the research workflow.
type PhaseDef struct {
	Name      string  `yaml:"name"`
	Endpoint  string  `yaml:"endpoint"`
	Streaming bool    `yaml:"streaming"`
	// EstimatedCostUSD triggers a cost confirmation when > 0.
	EstimatedCostUSD float64 `yaml:"estimated_cost_usd"`
}

// ScraperDef holds scraper limits forwarded to the backend.
type ScraperDef struct {
	MaxPages       int    `yaml:"max_pages"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	ScraperType    string `yaml:"scraper_type"`
}

// DefaultPipeline returns the built-in phase definitions used when no
// pipeline file is configured.
func DefaultPipeline() *Pipeline {
	return &Pipeline{
		Phases: []PhaseDef{
			{Name: "site-analysis", Endpoint: "/analyze", Streaming: false},
			{Name: "scraping", Endpoint: "/scrape", Streaming: true},
			{Name: "validation", Endpoint: "/validate", Streaming: false},
			{Name: "enrichment", Endpoint: "/enrich", Streaming: false, EstimatedCostUSD: 0.5},
			{Name: "generation", Endpoint: "/generate", Streaming: false, EstimatedCostUSD: 2.0},
		},
		Scraper: ScraperDef{MaxPages: 50, TimeoutSeconds: 60, ScraperType: "auto"},
	}
}

// Phase returns the definition for a named phase, or nil when unknown.
func (p *Pipeline) Phase(name string) *PhaseDef {
	for i := range p.Phases {
		if p.Phases[i].Name == name {
			return &p.Phases[i]
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{(\w+)\}|\$(\w+)`)

// expandEnv replaces ${VAR} and $VAR references with environment values.
func expandEnv(raw []byte) []byte {
	return envVarPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := strings.Trim(string(match), "${}")
		return []byte(os.Getenv(name))
	})
}

// LoadPipeline reads a pipeline definition from the given YAML file.
// An empty path returns the default pipeline.
func LoadPipeline(path string) (*Pipeline, error) {
	if path == "" {
		return DefaultPipeline(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(expandEnv(raw), &p); err != nil {
		return nil, fmt.Errorf("parsing pipeline file: %w", err)
	}

	if len(p.Phases) == 0 {
		return nil, fmt.Errorf("pipeline file %s defines no phases", path)
	}
	for _, ph := range p.Phases {
		if ph.Name == "" || ph.Endpoint == "" {
			return nil, fmt.Errorf("pipeline phase missing name or endpoint")
		}
	}

	def := DefaultPipeline()
	if p.Scraper.MaxPages == 0 {
		p.Scraper.MaxPages = def.Scraper.MaxPages
	}
	if p.Scraper.TimeoutSeconds == 0 {
		p.Scraper.TimeoutSeconds = def.Scraper.TimeoutSeconds
	}
	if p.Scraper.ScraperType == "" {
		p.Scraper.ScraperType = def.Scraper.ScraperType
	}

	return &p, nil
}
