package model

import "time"

var pricingEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultCatalog returns the built-in model catalog. Rates are USD per
// million tokens.
func DefaultCatalog() *Catalog {
	return NewCatalog([]Entry{
		{
			ID:          "gpt-4o",
			DisplayName: "GPT-4o",
			Providers:   []Provider{ProviderOpenAI},
			Capabilities: Capabilities{
				Images: true, Audio: true, StructuredOutput: true, Bucket: BucketFrontier,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:       2.50,
				CompletionUSDPerMTok:   10.00,
				CachedPromptUSDPerMTok: 1.25,
				EffectiveFrom:          pricingEpoch,
			}},
		},
		{
			ID:          "gpt-4o-mini",
			DisplayName: "GPT-4o mini",
			Providers:   []Provider{ProviderOpenAI},
			Capabilities: Capabilities{
				Images: true, StructuredOutput: true, Bucket: BucketStandard,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:       0.15,
				CompletionUSDPerMTok:   0.60,
				CachedPromptUSDPerMTok: 0.075,
				EffectiveFrom:          pricingEpoch,
			}},
		},
		{
			ID:          "o3-mini",
			DisplayName: "o3-mini",
			Providers:   []Provider{ProviderOpenAI},
			Capabilities: Capabilities{
				StructuredOutput: true, Reasoning: true, Bucket: BucketFrontier,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:     1.10,
				CompletionUSDPerMTok: 4.40,
				ReasoningUSDPerMTok:  4.40,
				EffectiveFrom:        pricingEpoch,
			}},
		},
		{
			ID:          "claude-3-5-sonnet-20241022",
			DisplayName: "Claude 3.5 Sonnet",
			Providers:   []Provider{ProviderAnthropic, ProviderBedrock},
			Capabilities: Capabilities{
				Images: true, PDF: true, StructuredOutput: true, Reasoning: true,
				Bucket: BucketFrontier,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:       3.00,
				CompletionUSDPerMTok:   15.00,
				CachedPromptUSDPerMTok: 0.30,
				ReasoningUSDPerMTok:    15.00,
				EffectiveFrom:          pricingEpoch,
			}},
		},
		{
			ID:          "claude-3-5-haiku-20241022",
			DisplayName: "Claude 3.5 Haiku",
			Providers:   []Provider{ProviderAnthropic, ProviderBedrock},
			Capabilities: Capabilities{
				Images: true, StructuredOutput: true, Bucket: BucketStandard,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:       0.80,
				CompletionUSDPerMTok:   4.00,
				CachedPromptUSDPerMTok: 0.08,
				EffectiveFrom:          pricingEpoch,
			}},
		},
		{
			ID:          "mistral-large-latest",
			DisplayName: "Mistral Large",
			Providers:   []Provider{ProviderMistral},
			Capabilities: Capabilities{
				StructuredOutput: true, Bucket: BucketFrontier,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:     2.00,
				CompletionUSDPerMTok: 6.00,
				EffectiveFrom:        pricingEpoch,
			}},
		},
		{
			ID:          "mistral-small-latest",
			DisplayName: "Mistral Small",
			Providers:   []Provider{ProviderMistral},
			Capabilities: Capabilities{
				StructuredOutput: true, Bucket: BucketLite,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:     0.10,
				CompletionUSDPerMTok: 0.30,
				EffectiveFrom:        pricingEpoch,
			}},
		},
		{
			ID:          "gemini-2.0-flash",
			DisplayName: "Gemini 2.0 Flash",
			Providers:   []Provider{ProviderGoogle},
			Capabilities: Capabilities{
				Images: true, Audio: true, PDF: true, StructuredOutput: true,
				Bucket: BucketStandard,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:      0.10,
				CompletionUSDPerMTok:  0.40,
				AudioPromptUSDPerMTok: 0.70,
				EffectiveFrom:         pricingEpoch,
			}},
		},
		{
			ID:          "gemini-1.5-pro",
			DisplayName: "Gemini 1.5 Pro",
			Providers:   []Provider{ProviderGoogle},
			Capabilities: Capabilities{
				Images: true, Audio: true, PDF: true, StructuredOutput: true,
				Bucket: BucketFrontier,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:      1.25,
				CompletionUSDPerMTok:  5.00,
				AudioPromptUSDPerMTok: 2.50,
				EffectiveFrom:         pricingEpoch,
			}},
		},
		{
			ID:          "grok-2-latest",
			DisplayName: "Grok 2",
			Providers:   []Provider{ProviderXAI},
			Capabilities: Capabilities{
				Images: true, StructuredOutput: true, Reasoning: true,
				Bucket: BucketFrontier,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:     2.00,
				CompletionUSDPerMTok: 10.00,
				EffectiveFrom:        pricingEpoch,
			}},
		},
		{
			ID:          "llama-3.3-70b",
			DisplayName: "Llama 3.3 70B",
			Providers:   []Provider{ProviderCerebras},
			Capabilities: Capabilities{
				StructuredOutput: true, Bucket: BucketStandard,
			},
			Pricing: []Pricing{{
				PromptUSDPerMTok:     0.85,
				CompletionUSDPerMTok: 1.20,
				EffectiveFrom:        pricingEpoch,
			}},
		},
	})
}
