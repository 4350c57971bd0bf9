package server

import (
	"net/http"

	"github.com/modelgateway/relay/pkg/model"
)

// handleListModels lists the catalog with capability and pricing metadata.
// Pricing is the row currently in effect.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.List()
	data := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"id":           e.ID,
			"object":       "model",
			"display_name": e.DisplayName,
			"providers":    e.Providers,
			"capabilities": map[string]any{
				"images":            e.Capabilities.Images,
				"audio":             e.Capabilities.Audio,
				"pdf":               e.Capabilities.PDF,
				"structured_output": e.Capabilities.StructuredOutput,
				"reasoning":         e.Capabilities.Reasoning,
			},
		}
		if len(e.Pricing) > 0 {
			item["pricing"] = renderPricing(&e.Pricing[0])
		}
		data = append(data, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func renderPricing(p *model.Pricing) map[string]any {
	out := map[string]any{
		"prompt_usd_per_mtok":     p.PromptUSDPerMTok,
		"completion_usd_per_mtok": p.CompletionUSDPerMTok,
	}
	if p.CachedPromptUSDPerMTok > 0 {
		out["cached_prompt_usd_per_mtok"] = p.CachedPromptUSDPerMTok
	}
	if p.ReasoningUSDPerMTok > 0 {
		out["reasoning_usd_per_mtok"] = p.ReasoningUSDPerMTok
	}
	if p.AudioPromptUSDPerMTok > 0 {
		out["audio_prompt_usd_per_mtok"] = p.AudioPromptUSDPerMTok
	}
	return out
}
