package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
)

func testCatalog() *Catalog {
	old := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return NewCatalog([]Entry{
		{
			ID:        "frontier-a",
			Providers: []Provider{ProviderOpenAI, ProviderAnthropic},
			Capabilities: Capabilities{Bucket: BucketFrontier},
			Pricing: []Pricing{
				{PromptUSDPerMTok: 3.0, CompletionUSDPerMTok: 12.0, EffectiveFrom: newer},
				{PromptUSDPerMTok: 5.0, CompletionUSDPerMTok: 20.0, EffectiveFrom: old},
			},
		},
		{
			ID:           "standard-b",
			Providers:    []Provider{ProviderMistral},
			Capabilities: Capabilities{Bucket: BucketStandard},
			Pricing:      []Pricing{{PromptUSDPerMTok: 0.5, CompletionUSDPerMTok: 1.5, EffectiveFrom: old}},
		},
		{
			ID:           "lite-c",
			Providers:    []Provider{ProviderCerebras},
			Capabilities: Capabilities{Bucket: BucketLite},
			Pricing:      []Pricing{{PromptUSDPerMTok: 0.1, CompletionUSDPerMTok: 0.1, EffectiveFrom: old}},
		},
	})
}

func TestCatalogGetAndList(t *testing.T) {
	c := testCatalog()
	e, ok := c.Get("frontier-a")
	require.True(t, ok)
	assert.Equal(t, "frontier-a", e.ID)

	_, ok = c.Get("unknown")
	assert.False(t, ok)

	list := c.List()
	require.Len(t, list, 3)
	assert.Equal(t, "frontier-a", list[0].ID)
	assert.Equal(t, "lite-c", list[2].ID)
}

func TestPricingAtPicksRowInEffect(t *testing.T) {
	c := testCatalog()

	// a timestamp before the newer row uses the older rates
	p, err := c.PricingAt("frontier-a", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 5.0, p.PromptUSDPerMTok)

	// a timestamp after the newer row uses the new rates
	p, err = c.PricingAt("frontier-a", time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 3.0, p.PromptUSDPerMTok)
}

func TestPricingAtUnknownModel(t *testing.T) {
	c := testCatalog()
	_, err := c.PricingAt("unknown", time.Now())
	require.Error(t, err)
	assert.Equal(t, apierror.KindUnpriceableRun, apierror.KindOf(err))
}

func TestProviderPreferenceOrder(t *testing.T) {
	c := testCatalog()
	assert.Equal(t, []Provider{ProviderOpenAI, ProviderAnthropic}, c.ProviderPreference("frontier-a"))
	assert.Nil(t, c.ProviderPreference("unknown"))
}

func TestFallbackModelsStayInBucketOrBetter(t *testing.T) {
	c := testCatalog()

	// a standard model can fall back to standard or frontier, never lite
	assert.Equal(t, []string{"frontier-a"}, c.FallbackModels("standard-b"))

	// a lite model can fall back to anything else
	assert.Equal(t, []string{"frontier-a", "standard-b"}, c.FallbackModels("lite-c"))

	// a frontier model only falls back to other frontier models
	assert.Empty(t, c.FallbackModels("frontier-a"))
}

func TestDefaultCatalogIsSelfConsistent(t *testing.T) {
	c := DefaultCatalog()
	for _, e := range c.List() {
		assert.NotEmpty(t, e.Providers, e.ID)
		require.NotEmpty(t, e.Pricing, e.ID)
		for _, p := range e.Providers {
			assert.True(t, KnownProvider(p), e.ID)
		}
		_, err := c.PricingAt(e.ID, time.Now())
		assert.NoError(t, err, e.ID)
	}
	// provider defaults resolve to catalog models
	for _, p := range Providers() {
		id := DefaultModelFor(p)
		require.NotEmpty(t, id, string(p))
		_, ok := c.Get(id)
		assert.True(t, ok, id)
	}
}
