package stage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCache(window int) *Cache {
	return NewCache(window, zerolog.Nop())
}

func TestCache_WindowInvariant(t *testing.T) {
	c := testCache(2)

	c.Set(AnalysisResult{PageCount: 3})
	c.Set(ScrapeResult{Pages: []Page{{URL: "https://acme.com"}}})
	evicted := c.Set(ValidationResult{PageCount: 1})

	assert.Equal(t, []Stage{SiteAnalysis}, evicted)
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get(SiteAnalysis)
	assert.False(t, ok, "oldest stage must be evicted")
	_, ok = c.Get(Scraping)
	assert.True(t, ok)
	_, ok = c.Get(Validation)
	assert.True(t, ok)
}

func TestCache_RewriteRefreshesSequence(t *testing.T) {
	c := testCache(2)

	c.Set(AnalysisResult{})
	c.Set(ScrapeResult{})
	// Rewriting site-analysis makes scraping the oldest entry.
	c.Set(AnalysisResult{PageCount: 9})
	evicted := c.Set(ValidationResult{})

	assert.Equal(t, []Stage{Scraping}, evicted)
	p, ok := c.Get(SiteAnalysis)
	require.True(t, ok)
	assert.Equal(t, 9, p.(AnalysisResult).PageCount)
}

func TestCache_StagesOrderedBySequence(t *testing.T) {
	c := testCache(3)
	c.Set(ValidationResult{})
	c.Set(AnalysisResult{})
	c.Set(ScrapeResult{})

	assert.Equal(t, []Stage{Validation, SiteAnalysis, Scraping}, c.Stages())
}

func TestCache_ClearAndClearAll(t *testing.T) {
	c := testCache(2)
	c.Set(AnalysisResult{})
	c.Set(ScrapeResult{})

	c.Clear(Scraping)
	_, ok := c.Get(Scraping)
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.ClearAll()
	assert.Equal(t, 0, c.Len())
}

func TestCache_OnEvictHook(t *testing.T) {
	c := testCache(1)
	var gotEvicted []Stage
	c.OnEvict(func(s Stage) { gotEvicted = append(gotEvicted, s) })

	c.Set(AnalysisResult{})
	c.Set(ScrapeResult{})
	c.Set(ValidationResult{})

	assert.Equal(t, []Stage{SiteAnalysis, Scraping}, gotEvicted)
}

type fakeLoader struct {
	data map[Stage]json.RawMessage
	err  error
}

func (f *fakeLoader) PhaseData(_ context.Context, _ string, only *Stage) (map[Stage]json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	if only == nil {
		return f.data, nil
	}
	out := map[Stage]json.RawMessage{}
	if raw, ok := f.data[*only]; ok {
		out[*only] = raw
	}
	return out, nil
}

func TestCache_LoadFromStore(t *testing.T) {
	c := testCache(2)
	loader := &fakeLoader{data: map[Stage]json.RawMessage{
		SiteAnalysis: json.RawMessage(`{"pageCount":4,"candidatePages":[]}`),
		Scraping:     json.RawMessage(`{"pages":[{"url":"https://acme.com"}]}`),
		Validation:   json.RawMessage(`{"pageCount":1}`),
	}}

	ok := c.LoadFromStore(context.Background(), loader, "sess-1", nil)
	assert.True(t, ok)

	// Window cap applies to restored data too: site-analysis (merged first)
	// was pushed out by the two later stages.
	assert.Equal(t, 2, c.Len())
	_, present := c.Get(SiteAnalysis)
	assert.False(t, present)
	_, present = c.Get(Validation)
	assert.True(t, present)
}

func TestCache_LoadFromStore_SingleStage(t *testing.T) {
	c := testCache(2)
	loader := &fakeLoader{data: map[Stage]json.RawMessage{
		Scraping: json.RawMessage(`{"pages":[]}`),
	}}

	st := Scraping
	ok := c.LoadFromStore(context.Background(), loader, "sess-1", &st)
	assert.True(t, ok)
	_, present := c.Get(Scraping)
	assert.True(t, present)
}

func TestCache_LoadFromStore_BestEffort(t *testing.T) {
	c := testCache(2)

	ok := c.LoadFromStore(context.Background(), &fakeLoader{err: errors.New("boom")}, "sess-1", nil)
	assert.False(t, ok, "transport errors must not panic or propagate")

	// Malformed entries are skipped, valid ones still load.
	loader := &fakeLoader{data: map[Stage]json.RawMessage{
		SiteAnalysis: json.RawMessage(`{broken`),
		Scraping:     json.RawMessage(`{"pages":[]}`),
	}}
	ok = c.LoadFromStore(context.Background(), loader, "sess-1", nil)
	assert.True(t, ok)
	_, present := c.Get(SiteAnalysis)
	assert.False(t, present)
	_, present = c.Get(Scraping)
	assert.True(t, present)
}
