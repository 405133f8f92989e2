package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/rs/zerolog"

	"github.com/veridian-labs/prospector/internal/config"
	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/stage"
	"github.com/veridian-labs/prospector/internal/stream"
)

// Callbacks carry the per-invocation notification hooks.
type Callbacks struct {
	OnProgress func(ev stream.ProgressEvent)
	OnComplete func(result json.RawMessage)
}

// Phases layers stage-specific precondition checks on top of the generic
// executor, pulling prior stage data from the cache.
type Phases struct {
	exec   *Executor
	cache  *stage.Cache
	pl     *config.Pipeline
	logger zerolog.Logger
}

// NewPhases creates the concrete phase wrappers.
func NewPhases(exec *Executor, cache *stage.Cache, pl *config.Pipeline, logger zerolog.Logger) *Phases {
	return &Phases{
		exec:   exec,
		cache:  cache,
		pl:     pl,
		logger: logger.With().Str("component", "phases").Logger(),
	}
}

// Executor exposes the underlying executor (processing flag, tests).
func (p *Phases) Executor() *Executor { return p.exec }

// Processing reports whether a phase is currently in flight.
func (p *Phases) Processing() bool { return p.exec.Processing() }

func (p *Phases) def(name string) (*config.PhaseDef, error) {
	d := p.pl.Phase(name)
	if d == nil {
		return nil, perrors.NewValidation("phase not defined in pipeline: " + name)
	}
	return d, nil
}

func confirmPrompt(d *config.PhaseDef) string {
	if d.EstimatedCostUSD <= 0 {
		return ""
	}
	return fmt.Sprintf("Run %s for an estimated $%.2f?", d.Name, d.EstimatedCostUSD)
}

// Run dispatches one workflow stage to its wrapper.
func (p *Phases) Run(ctx context.Context, st stage.Stage, sessionID, domain string, cb Callbacks) (*Result, error) {
	switch st {
	case stage.SiteAnalysis:
		return p.Analyze(ctx, sessionID, domain, cb)
	case stage.Scraping:
		return p.Scrape(ctx, sessionID, domain, cb)
	case stage.Validation:
		return p.Extract(ctx, sessionID, cb)
	case stage.Enrichment:
		return p.Enrich(ctx, sessionID, cb)
	case stage.Generation:
		return p.Generate(ctx, sessionID, cb)
	default:
		return nil, perrors.NewValidation("stage has no remote phase: " + st.String())
	}
}

// Analyze runs the site-analysis phase for a domain.
func (p *Phases) Analyze(ctx context.Context, sessionID, domain string, cb Callbacks) (*Result, error) {
	d, err := p.def("site-analysis")
	if err != nil {
		return nil, err
	}
	return p.exec.Run(ctx, Invocation{
		Phase:     d.Name,
		Endpoint:  d.Endpoint,
		Streaming: d.Streaming,
		Payload: map[string]any{
			"sessionId": sessionID,
			"domain":    domain,
		},
		ValidateInput: func() error {
			if domain == "" {
				return perrors.NewFieldValidation("domain", "must not be empty")
			}
			return nil
		},
		ConfirmCost:  confirmPrompt(d),
		EstimatedUSD: d.EstimatedCostUSD,
		OnProgress:   cb.OnProgress,
		OnComplete:   cb.OnComplete,
	})
}

// Scrape runs the scraping phase. Preconditions: a non-empty candidate page
// list from site analysis and a resolvable domain, taken from the argument
// or, as a fallback, parsed out of the first candidate page URL's host.
// A scrape that completes with zero pages is silently incomplete: the
// result is returned for diagnostics but the completion callback never
// fires, so downstream phases cannot advance on empty data.
func (p *Phases) Scrape(ctx context.Context, sessionID, domain string, cb Callbacks) (*Result, error) {
	d, err := p.def("scraping")
	if err != nil {
		return nil, err
	}

	var pages []stage.Page
	if prior, ok := p.cache.Get(stage.SiteAnalysis); ok {
		if ar, ok := prior.(stage.AnalysisResult); ok {
			pages = ar.CandidatePages
		}
	}

	target := domain
	if target == "" && len(pages) > 0 {
		if u, err := url.Parse(pages[0].URL); err == nil {
			target = u.Hostname()
		}
	}

	return p.exec.Run(ctx, Invocation{
		Phase:     d.Name,
		Endpoint:  d.Endpoint,
		Streaming: d.Streaming,
		Payload: map[string]any{
			"sessionId":   sessionID,
			"domain":      target,
			"scraperType": p.pl.Scraper.ScraperType,
			"pages":       pages,
			"config": map[string]any{
				"maxPages": p.pl.Scraper.MaxPages,
				"timeout":  p.pl.Scraper.TimeoutSeconds,
			},
		},
		ValidateInput: func() error {
			if len(pages) == 0 {
				return perrors.NewFieldValidation("pages", "site analysis produced no candidate pages")
			}
			if target == "" {
				return perrors.NewFieldValidation("domain", "no resolvable domain for scraping")
			}
			return nil
		},
		GateResult: func(result json.RawMessage) bool {
			sr, err := stage.Decode(stage.Scraping, result)
			if err != nil {
				p.logger.Warn().Err(err).Msg("scrape result failed payload decode")
				return false
			}
			return len(sr.(stage.ScrapeResult).Pages) > 0
		},
		ConfirmCost:  confirmPrompt(d),
		EstimatedUSD: d.EstimatedCostUSD,
		OnProgress:   cb.OnProgress,
		OnComplete:   cb.OnComplete,
	})
}

// Extract runs the validation phase: extracting and validating structured
// data from the scraped pages.
func (p *Phases) Extract(ctx context.Context, sessionID string, cb Callbacks) (*Result, error) {
	d, err := p.def("validation")
	if err != nil {
		return nil, err
	}

	var pages []stage.Page
	if prior, ok := p.cache.Get(stage.Scraping); ok {
		if sr, ok := prior.(stage.ScrapeResult); ok {
			pages = sr.Pages
		}
	}

	return p.exec.Run(ctx, Invocation{
		Phase:     d.Name,
		Endpoint:  d.Endpoint,
		Streaming: d.Streaming,
		Payload: map[string]any{
			"sessionId": sessionID,
			"pages":     pages,
		},
		ValidateInput: func() error {
			if len(pages) == 0 {
				return perrors.NewFieldValidation("pages", "no scraped pages to extract from")
			}
			return nil
		},
		ConfirmCost:  confirmPrompt(d),
		EstimatedUSD: d.EstimatedCostUSD,
		OnProgress:   cb.OnProgress,
		OnComplete:   cb.OnComplete,
	})
}

// Enrich runs the enrichment phase over the validated data.
func (p *Phases) Enrich(ctx context.Context, sessionID string, cb Callbacks) (*Result, error) {
	d, err := p.def("enrichment")
	if err != nil {
		return nil, err
	}

	prior, ok := p.cache.Get(stage.Validation)
	return p.exec.Run(ctx, Invocation{
		Phase:     d.Name,
		Endpoint:  d.Endpoint,
		Streaming: d.Streaming,
		Payload: map[string]any{
			"sessionId": sessionID,
			"validated": prior,
		},
		ValidateInput: func() error {
			if !ok {
				return perrors.NewFieldValidation("validation", "no validated data for enrichment")
			}
			return nil
		},
		ConfirmCost:  confirmPrompt(d),
		EstimatedUSD: d.EstimatedCostUSD,
		OnProgress:   cb.OnProgress,
		OnComplete:   cb.OnComplete,
	})
}

// Generate runs the report generation phase over the enriched profile.
func (p *Phases) Generate(ctx context.Context, sessionID string, cb Callbacks) (*Result, error) {
	d, err := p.def("generation")
	if err != nil {
		return nil, err
	}

	prior, ok := p.cache.Get(stage.Enrichment)
	return p.exec.Run(ctx, Invocation{
		Phase:     d.Name,
		Endpoint:  d.Endpoint,
		Streaming: d.Streaming,
		Payload: map[string]any{
			"sessionId": sessionID,
			"profile":   prior,
		},
		ValidateInput: func() error {
			if !ok {
				return perrors.NewFieldValidation("enrichment", "no enriched profile for generation")
			}
			return nil
		},
		ConfirmCost:  confirmPrompt(d),
		EstimatedUSD: d.EstimatedCostUSD,
		OnProgress:   cb.OnProgress,
		OnComplete:   cb.OnComplete,
	})
}
