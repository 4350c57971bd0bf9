// Package providers implements the adapter layer between the canonical
// message form and each backend LLM provider's wire schema. HTTP providers
// implement the fine-grained Adapter contract and are driven by the shared
// HTTPCaller; providers with SDK transports (Bedrock) implement Caller
// directly.
package providers

import (
	"context"
	"net/http"

	"github.com/modelgateway/relay/pkg/httpclient"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/protocol"
)

// Usage is the token accounting for one provider round-trip.
type Usage struct {
	PromptTokenCount     int `json:"prompt_token_count,omitempty"`
	CompletionTokenCount int `json:"completion_token_count,omitempty"`
	CachedTokenCount     int `json:"cached_token_count,omitempty"`
	ReasoningTokenCount  int `json:"reasoning_token_count,omitempty"`
	AudioTokenCount      int `json:"audio_token_count,omitempty"`
}

// Add accumulates other into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokenCount += other.PromptTokenCount
	u.CompletionTokenCount += other.CompletionTokenCount
	u.CachedTokenCount += other.CachedTokenCount
	u.ReasoningTokenCount += other.ReasoningTokenCount
	u.AudioTokenCount += other.AudioTokenCount
}

// ToolDefinition is a tool exposed to the provider. Names are canonical;
// adapters apply the provider-safe mapping on the wire.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// RequestOptions are the sanitized version properties a single provider
// round-trip is built from.
type RequestOptions struct {
	Model            string
	Temperature      *float64
	TopP             *float64
	PresencePenalty  *float64
	FrequencyPenalty *float64
	MaxTokens        *int
	ToolChoice       string
	ReasoningEffort  string
	Tools            []ToolDefinition

	// OutputSchema, when set together with StructuredOutput, requests
	// schema-guided decoding. When StructuredOutput is false but
	// OutputSchema is present, adapters fall back to a JSON-object response
	// format.
	OutputSchema     map[string]any
	StructuredOutput bool

	Stream bool
}

// ParsedResponse is the provider-neutral form of a buffered completion.
type ParsedResponse struct {
	Content        string
	ReasoningSteps []string
	ToolCalls      []protocol.ToolCallRequest
	Usage          Usage
	FinishReason   string
}

// ToolCallDelta is one streamed fragment of a tool-call request, keyed by
// the provider's stream index.
type ToolCallDelta struct {
	Index         int
	ID            string
	ToolName      string
	InputFragment string
}

// StreamDelta is one unit of adapter-extracted streaming progress.
type StreamDelta struct {
	Content      string
	Reasoning    string
	ToolDeltas   []ToolCallDelta
	Usage        *Usage
	FinishReason string
}

// StreamState carries the per-stream mutable state an adapter needs between
// events (content-block kinds, accumulated usage).
type StreamState struct {
	BlockKinds map[int]string
	Usage      Usage
}

func NewStreamState() *StreamState {
	return &StreamState{BlockKinds: make(map[int]string)}
}

// Result is the outcome of one provider round-trip, streamed or buffered.
type Result struct {
	Content        string
	ReasoningSteps []string
	ToolCalls      []protocol.ToolCallRequest
	Usage          Usage
	FinishReason   string
}

// Adapter is the fine-grained per-provider contract implemented by HTTP
// providers and driven by HTTPCaller.
type Adapter interface {
	Provider() model.Provider
	DefaultModel() string

	// Build translates canonical messages and options into the wire request
	// value, which must marshal to the provider's JSON body.
	Build(messages []protocol.Message, opts RequestOptions) (any, error)

	RequestURL(modelID string, stream bool) string
	RequestHeaders(modelID string) http.Header

	// ParseResponse decodes a buffered 200 response body.
	ParseResponse(body []byte) (*ParsedResponse, error)

	// ExtractStreamDelta decodes one SSE data payload.
	ExtractStreamDelta(data []byte, state *StreamState) (*StreamDelta, error)

	// StandardizeMessages re-parses stored wire messages into canonical form.
	StandardizeMessages(raw []byte) ([]protocol.Message, error)

	// ClassifyError maps a non-2xx response (or a 2xx refusal) to the
	// canonical taxonomy.
	ClassifyError(statusCode int, body []byte, headers http.Header) error

	// RequiresDownloadingFile reports whether a URL-only file must be
	// fetched and inlined before sending.
	RequiresDownloadingFile(file *protocol.File, modelID string) bool

	// HeaderParser extracts rate-limit headers for async reporting.
	HeaderParser() httpclient.RateLimitHeaderParser
}

// StreamHandler receives adapter deltas in arrival order. Returning an error
// aborts the stream.
type StreamHandler func(StreamDelta) error

// Caller is the coarse interface the runner drives. HTTP providers get it
// via HTTPCaller; Bedrock implements it over the AWS SDK.
type Caller interface {
	Provider() model.Provider
	DefaultModel() string
	Complete(ctx context.Context, messages []protocol.Message, opts RequestOptions) (*Result, error)
	Stream(ctx context.Context, messages []protocol.Message, opts RequestOptions, handler StreamHandler) (*Result, error)
	StandardizeMessages(raw []byte) ([]protocol.Message, error)
	RequiresDownloadingFile(file *protocol.File, modelID string) bool
}
