package stage

import (
	"encoding/json"
	"fmt"
)

// Payload is one stage's result snapshot. Each stage has its own variant;
// decoding validates the shape at the cache-write boundary so downstream
// phases never operate on malformed data.
type Payload interface {
	Stage() Stage
}

// Page is one scraped (or candidate) page of the target site.
type Page struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// AnalysisResult is the site-analysis payload: detected platform and the
// candidate pages selected for scraping.
type AnalysisResult struct {
	Platform       string `json:"platform,omitempty"`
	PageCount      int    `json:"pageCount"`
	CandidatePages []Page `json:"candidatePages"`
}

func (AnalysisResult) Stage() Stage { return SiteAnalysis }

// ScrapeResult is the scraping payload: the pages actually retrieved.
type ScrapeResult struct {
	Pages          []Page `json:"pages"`
	PagesCompleted int    `json:"pagesCompleted"`
	PagesTotal     int    `json:"pagesTotal"`
}

func (ScrapeResult) Stage() Stage { return Scraping }

// ValidationResult is the validation payload.
type ValidationResult struct {
	PageCount int      `json:"pageCount"`
	Issues    []string `json:"issues,omitempty"`
}

func (ValidationResult) Stage() Stage { return Validation }

// CompanyProfile is the structured company record built during enrichment.
type CompanyProfile struct {
	Name        string `json:"name"`
	Industry    string `json:"industry,omitempty"`
	Size        string `json:"size,omitempty"`
	Description string `json:"description,omitempty"`
}

// EnrichmentResult is the enrichment payload.
type EnrichmentResult struct {
	Company CompanyProfile `json:"company"`
}

func (EnrichmentResult) Stage() Stage { return Enrichment }

// GenerationResult is the generation payload: the produced report.
type GenerationResult struct {
	Report   string   `json:"report"`
	Sections []string `json:"sections,omitempty"`
}

func (GenerationResult) Stage() Stage { return Generation }

// ReviewSummary is the data-review payload.
type ReviewSummary struct {
	Reviewed bool   `json:"reviewed"`
	Notes    string `json:"notes,omitempty"`
}

func (ReviewSummary) Stage() Stage { return DataReview }

// Decode parses raw JSON into the typed payload for the given stage.
// Unknown stages and malformed JSON are rejected.
func Decode(s Stage, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch s {
	case SiteAnalysis:
		var v AnalysisResult
		err = json.Unmarshal(raw, &v)
		p = v
	case Scraping:
		var v ScrapeResult
		err = json.Unmarshal(raw, &v)
		p = v
	case Validation:
		var v ValidationResult
		err = json.Unmarshal(raw, &v)
		p = v
	case Enrichment:
		var v EnrichmentResult
		err = json.Unmarshal(raw, &v)
		p = v
	case Generation:
		var v GenerationResult
		err = json.Unmarshal(raw, &v)
		p = v
	case DataReview:
		var v ReviewSummary
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown stage: %q", s)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", s, err)
	}
	return p, nil
}

// Encode serializes a payload for persistence.
func Encode(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", p.Stage(), err)
	}
	return raw, nil
}
