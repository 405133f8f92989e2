package phase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/prospector/internal/config"
	perrors "github.com/veridian-labs/prospector/internal/errors"
	"github.com/veridian-labs/prospector/internal/stage"
)

type capturedRequest struct {
	Path string
	Body map[string]any
}

func newTestPhases(t *testing.T, handler http.HandlerFunc, confirmer Confirmer) (*Phases, *stage.Cache, *atomic.Int32, *capturedRequest) {
	t.Helper()
	var calls atomic.Int32
	captured := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		captured.Path = r.URL.Path
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		captured.Body = body
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	exec := NewExecutor(ExecutorConfig{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		Timeout:   5 * time.Second,
		Confirmer: confirmer,
	}, zerolog.Nop())

	cache := stage.NewCache(stage.DefaultWindow, zerolog.Nop())
	phases := NewPhases(exec, cache, config.DefaultPipeline(), zerolog.Nop())
	return phases, cache, &calls, captured
}

func okJSON(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}
}

func TestAnalyze_PostsDomain(t *testing.T) {
	phases, _, _, captured := newTestPhases(t, okJSON(`{"success":true,"result":{"platform":"shopify","pageCount":12,"candidatePages":[{"url":"https://acme.com/about"}]}}`), allowAll{})

	var completions int32
	res, err := phases.Analyze(context.Background(), "sess-1", "acme.com", Callbacks{
		OnComplete: func(json.RawMessage) { atomic.AddInt32(&completions, 1) },
	})

	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Equal(t, int32(1), completions)
	assert.Equal(t, "/analyze", captured.Path)
	assert.Equal(t, "acme.com", captured.Body["domain"])
	assert.Equal(t, "sess-1", captured.Body["sessionId"])
}

func TestAnalyze_EmptyDomain_NoNetworkCall(t *testing.T) {
	phases, _, calls, _ := newTestPhases(t, okJSON(`{"success":true}`), allowAll{})

	_, err := phases.Analyze(context.Background(), "sess-1", "", Callbacks{})
	require.Error(t, err)
	assert.True(t, perrors.IsValidation(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestScrape_NoCandidatePages_NoNetworkCall(t *testing.T) {
	phases, _, calls, _ := newTestPhases(t, okJSON(`{"success":true}`), allowAll{})

	var completions int32
	_, err := phases.Scrape(context.Background(), "sess-1", "acme.com", Callbacks{
		OnComplete: func(json.RawMessage) { atomic.AddInt32(&completions, 1) },
	})

	require.Error(t, err)
	assert.True(t, perrors.IsValidation(err))
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int32(0), completions)
}

func TestScrape_DomainFallbackFromFirstPage(t *testing.T) {
	streamBody := "data: {\"type\":\"complete\",\"result\":{\"pages\":[{\"url\":\"https://acme.com/about\"}],\"pagesCompleted\":1,\"pagesTotal\":1}}\n" +
		"data: [DONE]\n"
	phases, cache, _, captured := newTestPhases(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(streamBody))
	}, allowAll{})

	cache.Set(stage.AnalysisResult{
		PageCount:      1,
		CandidatePages: []stage.Page{{URL: "https://acme.com/about"}},
	})

	res, err := phases.Scrape(context.Background(), "sess-1", "", Callbacks{})
	require.NoError(t, err)
	assert.False(t, res.SilentlyIncomplete)
	assert.Equal(t, "/scrape", captured.Path)
	assert.Equal(t, "acme.com", captured.Body["domain"])

	cfg, ok := captured.Body["config"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(50), cfg["maxPages"])
	assert.Equal(t, float64(60), cfg["timeout"])
}

func TestScrape_ZeroPages_SilentlyIncomplete(t *testing.T) {
	streamBody := "data: {\"type\":\"complete\",\"result\":{\"pages\":[],\"pagesCompleted\":0,\"pagesTotal\":5}}\n" +
		"data: [DONE]\n"
	phases, cache, _, _ := newTestPhases(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(streamBody))
	}, allowAll{})

	cache.Set(stage.AnalysisResult{
		PageCount:      5,
		CandidatePages: []stage.Page{{URL: "https://acme.com/about"}},
	})

	var completions int32
	res, err := phases.Scrape(context.Background(), "sess-1", "acme.com", Callbacks{
		OnComplete: func(json.RawMessage) { atomic.AddInt32(&completions, 1) },
	})

	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.SilentlyIncomplete)
	assert.Equal(t, int32(0), completions)
	assert.NotEmpty(t, res.Payload)
}

func TestExtract_RequiresScrapedPages(t *testing.T) {
	phases, _, calls, _ := newTestPhases(t, okJSON(`{"success":true}`), allowAll{})

	_, err := phases.Extract(context.Background(), "sess-1", Callbacks{})
	require.Error(t, err)
	assert.True(t, perrors.IsValidation(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestExtract_PostsPages(t *testing.T) {
	phases, cache, _, captured := newTestPhases(t, okJSON(`{"success":true,"result":{"pageCount":2}}`), allowAll{})

	cache.Set(stage.ScrapeResult{
		Pages:          []stage.Page{{URL: "https://acme.com/a"}, {URL: "https://acme.com/b"}},
		PagesCompleted: 2,
		PagesTotal:     2,
	})

	res, err := phases.Extract(context.Background(), "sess-1", Callbacks{})
	require.NoError(t, err)
	assert.False(t, res.SilentlyIncomplete)
	assert.Equal(t, "/validate", captured.Path)
	pages, ok := captured.Body["pages"].([]any)
	require.True(t, ok)
	assert.Len(t, pages, 2)
}

func TestEnrich_CostDeclined_SilentCancel(t *testing.T) {
	phases, cache, calls, _ := newTestPhases(t, okJSON(`{"success":true}`), denyAll{})

	cache.Set(stage.ValidationResult{PageCount: 3})

	var completions int32
	res, err := phases.Enrich(context.Background(), "sess-1", Callbacks{
		OnComplete: func(json.RawMessage) { atomic.AddInt32(&completions, 1) },
	})

	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, int32(0), completions)
}

func TestEnrich_RequiresValidatedData(t *testing.T) {
	phases, _, calls, _ := newTestPhases(t, okJSON(`{"success":true}`), allowAll{})

	_, err := phases.Enrich(context.Background(), "sess-1", Callbacks{})
	require.Error(t, err)
	assert.True(t, perrors.IsValidation(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestGenerate_CostConfirmedAboveCeiling(t *testing.T) {
	// Default generation estimate ($2.00) exceeds a $1 ceiling.
	phases, cache, calls, _ := newTestPhases(t, okJSON(`{"success":true}`), CeilingConfirmer{CeilingUSD: 1.0})

	cache.Set(stage.EnrichmentResult{Company: stage.CompanyProfile{Name: "Acme"}})

	res, err := phases.Generate(context.Background(), "sess-1", Callbacks{})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestGenerate_Completes(t *testing.T) {
	phases, cache, _, captured := newTestPhases(t, okJSON(`{"success":true,"result":{"report":"# Acme"}}`), allowAll{})

	cache.Set(stage.EnrichmentResult{Company: stage.CompanyProfile{Name: "Acme"}})

	var completions int32
	res, err := phases.Generate(context.Background(), "sess-1", Callbacks{
		OnComplete: func(json.RawMessage) { atomic.AddInt32(&completions, 1) },
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), completions)
	assert.Equal(t, "/generate", captured.Path)
	assert.JSONEq(t, `{"report":"# Acme"}`, string(res.Payload))
}

func TestRun_DispatchesByStage(t *testing.T) {
	phases, _, _, captured := newTestPhases(t, okJSON(`{"success":true,"result":{}}`), allowAll{})

	_, err := phases.Run(context.Background(), stage.SiteAnalysis, "sess-1", "acme.com", Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "/analyze", captured.Path)

	_, err = phases.Run(context.Background(), stage.DataReview, "sess-1", "acme.com", Callbacks{})
	require.Error(t, err)
	assert.True(t, perrors.IsValidation(err))
}
