package stage

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	s, err := Parse("scraping")
	require.NoError(t, err)
	assert.Equal(t, Scraping, s)

	_, err = Parse("stage7")
	require.Error(t, err)
}

func TestNavigation(t *testing.T) {
	next, ok := SiteAnalysis.Next()
	require.True(t, ok)
	assert.Equal(t, Scraping, next)

	prev, ok := Scraping.Previous()
	require.True(t, ok)
	assert.Equal(t, SiteAnalysis, prev)

	_, ok = SiteAnalysis.Previous()
	assert.False(t, ok)

	_, ok = DataReview.Next()
	assert.False(t, ok)

	assert.Equal(t, 0, SiteAnalysis.Ordinal())
	assert.Equal(t, 5, DataReview.Ordinal())
	assert.Equal(t, -1, Stage("bogus").Ordinal())
}

func TestDecode_Typed(t *testing.T) {
	raw := json.RawMessage(`{"pages":[{"url":"https://acme.com/about"}],"pagesCompleted":1,"pagesTotal":1}`)
	p, err := Decode(Scraping, raw)
	require.NoError(t, err)

	sr, ok := p.(ScrapeResult)
	require.True(t, ok)
	assert.Len(t, sr.Pages, 1)
	assert.Equal(t, Scraping, sr.Stage())
}

func TestDecode_UnknownStage(t *testing.T) {
	_, err := Decode(Stage("stage99"), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode(Enrichment, json.RawMessage(`{"company":`))
	require.Error(t, err)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	in := EnrichmentResult{Company: CompanyProfile{Name: "Acme", Industry: "manufacturing"}}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(Enrichment, raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
