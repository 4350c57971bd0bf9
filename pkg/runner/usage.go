package runner

import (
	"github.com/pkoukk/tiktoken-go"

	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
)

const fallbackEncoding = "cl100k_base"

// estimateUsage approximates token counts for providers that omit usage from
// their responses. Estimates use the model's tokenizer when tiktoken knows
// it, otherwise cl100k_base.
func estimateUsage(modelID string, messages []protocol.Message, content string) providers.Usage {
	enc, err := tiktoken.EncodingForModel(modelID)
	if err != nil {
		if enc, err = tiktoken.GetEncoding(fallbackEncoding); err != nil {
			return providers.Usage{}
		}
	}

	prompt := 0
	for i := range messages {
		prompt += len(enc.Encode(messages[i].Text(), nil, nil))
	}
	return providers.Usage{
		PromptTokenCount:     prompt,
		CompletionTokenCount: len(enc.Encode(content, nil, nil)),
	}
}
