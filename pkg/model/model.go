// Package model holds the static catalog of supported models: the providers
// able to serve each model in preference order, capability metadata used for
// fallback selection, and the pricing table used for cost accounting.
package model

import (
	"time"

	"github.com/modelgateway/relay/pkg/apierror"
)

// Provider identifies a backend LLM provider.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderBedrock   Provider = "bedrock"
	ProviderMistral   Provider = "mistral"
	ProviderGoogle    Provider = "google"
	ProviderXAI       Provider = "xai"
	ProviderCerebras  Provider = "cerebras"
)

// Providers lists every supported provider.
func Providers() []Provider {
	return []Provider{
		ProviderOpenAI, ProviderAnthropic, ProviderBedrock, ProviderMistral,
		ProviderGoogle, ProviderXAI, ProviderCerebras,
	}
}

// KnownProvider reports whether p names a supported provider.
func KnownProvider(p Provider) bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

// Bucket is the coarse capability tier used when picking fallback models.
// Fallback only moves to the same or a better bucket.
type Bucket int

const (
	BucketLite Bucket = iota
	BucketStandard
	BucketFrontier
)

// Capabilities describes what a model accepts and produces.
type Capabilities struct {
	Images           bool
	Audio            bool
	PDF              bool
	StructuredOutput bool
	Reasoning        bool
	Bucket           Bucket
}

// Pricing is one pricing row for a model. Rates are USD per million tokens.
// A model may carry several rows; the row in effect at a completion's
// timestamp is the newest row whose EffectiveFrom is not in the future.
type Pricing struct {
	PromptUSDPerMTok       float64
	CompletionUSDPerMTok   float64
	CachedPromptUSDPerMTok float64
	ReasoningUSDPerMTok    float64
	AudioPromptUSDPerMTok  float64
	EffectiveFrom          time.Time
}

// Entry is one catalog model.
type Entry struct {
	ID           string
	DisplayName  string
	// Providers able to serve this model, in preference order.
	Providers    []Provider
	Capabilities Capabilities
	// Pricing rows, newest first.
	Pricing []Pricing
}

// SupportsProvider reports whether the entry can be served by p.
func (e *Entry) SupportsProvider(p Provider) bool {
	for _, known := range e.Providers {
		if p == known {
			return true
		}
	}
	return false
}

// Catalog is the set of known models.
type Catalog struct {
	entries map[string]*Entry
	order   []string
}

// NewCatalog builds a catalog from entries, preserving order.
func NewCatalog(entries []Entry) *Catalog {
	c := &Catalog{entries: make(map[string]*Entry, len(entries))}
	for i := range entries {
		e := entries[i]
		c.entries[e.ID] = &e
		c.order = append(c.order, e.ID)
	}
	return c
}

// Get looks up a model by id.
func (c *Catalog) Get(id string) (*Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// List returns all entries in catalog order.
func (c *Catalog) List() []*Entry {
	out := make([]*Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

// PricingAt returns the pricing row in effect for the model at t.
func (c *Catalog) PricingAt(id string, t time.Time) (*Pricing, error) {
	e, ok := c.entries[id]
	if !ok || len(e.Pricing) == 0 {
		return nil, apierror.Newf(apierror.KindUnpriceableRun, "no pricing for model %q", id)
	}
	for i := range e.Pricing {
		if !e.Pricing[i].EffectiveFrom.After(t) {
			return &e.Pricing[i], nil
		}
	}
	// All rows are in the future relative to t; use the oldest.
	return &e.Pricing[len(e.Pricing)-1], nil
}

// ProviderPreference returns the providers able to serve the model, in
// preference order.
func (c *Catalog) ProviderPreference(id string) []Provider {
	if e, ok := c.entries[id]; ok {
		return e.Providers
	}
	return nil
}

// FallbackModels returns catalog models in the same or a better bucket than
// the given model, excluding it, in catalog order.
func (c *Catalog) FallbackModels(id string) []string {
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	var out []string
	for _, candidate := range c.order {
		if candidate == id {
			continue
		}
		if c.entries[candidate].Capabilities.Bucket >= e.Capabilities.Bucket {
			out = append(out, candidate)
		}
	}
	return out
}

// DefaultModelFor returns the provider's default model.
func DefaultModelFor(p Provider) string {
	switch p {
	case ProviderOpenAI:
		return "gpt-4o"
	case ProviderAnthropic, ProviderBedrock:
		return "claude-3-5-sonnet-20241022"
	case ProviderMistral:
		return "mistral-large-latest"
	case ProviderGoogle:
		return "gemini-2.0-flash"
	case ProviderXAI:
		return "grok-2-latest"
	case ProviderCerebras:
		return "llama-3.3-70b"
	default:
		return ""
	}
}
