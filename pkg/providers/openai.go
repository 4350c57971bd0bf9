package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/httpclient"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/protocol"
)

type OpenAIRequest struct {
	Model               string                `json:"model"`
	Messages            []OpenAIMessage       `json:"messages"`
	MaxTokens           *int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	Temperature         *float64              `json:"temperature,omitempty"`
	TopP                *float64              `json:"top_p,omitempty"`
	PresencePenalty     *float64              `json:"presence_penalty,omitempty"`
	FrequencyPenalty    *float64              `json:"frequency_penalty,omitempty"`
	Stream              bool                  `json:"stream"`
	StreamOptions       *OpenAIStreamOptions  `json:"stream_options,omitempty"`
	Tools               []OpenAITool          `json:"tools,omitempty"`
	ToolChoice          string                `json:"tool_choice,omitempty"`
	ResponseFormat      *OpenAIResponseFormat `json:"response_format,omitempty"`
	ReasoningEffort     string                `json:"reasoning_effort,omitempty"`
}

type OpenAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type OpenAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []OpenAIContentPart
	ToolCalls  []OpenAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type OpenAIContentPart struct {
	Type       string           `json:"type"`
	Text       string           `json:"text,omitempty"`
	ImageURL   *OpenAIImageURL  `json:"image_url,omitempty"`
	InputAudio *OpenAIAudioPart `json:"input_audio,omitempty"`
	File       *OpenAIFilePart  `json:"file,omitempty"`
}

type OpenAIImageURL struct {
	URL string `json:"url"`
}

type OpenAIAudioPart struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type OpenAIFilePart struct {
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
}

type OpenAITool struct {
	Type     string             `json:"type"`
	Function OpenAIToolFunction `json:"function"`
}

type OpenAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      *bool          `json:"strict,omitempty"`
}

type OpenAIToolCall struct {
	Index    *int               `json:"index,omitempty"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function OpenAIFunctionCall `json:"function"`
}

type OpenAIFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type OpenAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *OpenAIJSONSchema `json:"json_schema,omitempty"`
}

type OpenAIJSONSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema"`
	Strict      bool           `json:"strict,omitempty"`
}

type OpenAIResponse struct {
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
	Error   *OpenAIError   `json:"error,omitempty"`
}

type OpenAIChoice struct {
	Message      OpenAIResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type OpenAIResponseMessage struct {
	Role             string           `json:"role"`
	Content          string           `json:"content"`
	Reasoning        string           `json:"reasoning,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	Refusal          string           `json:"refusal,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIStreamResponse struct {
	Choices []OpenAIStreamChoice `json:"choices"`
	Usage   *OpenAIUsage         `json:"usage,omitempty"`
	Error   *OpenAIError         `json:"error,omitempty"`
}

type OpenAIStreamChoice struct {
	Delta        OpenAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type OpenAIDelta struct {
	Content          string           `json:"content,omitempty"`
	Reasoning        string           `json:"reasoning,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []OpenAIToolCall `json:"tool_calls,omitempty"`
}

type OpenAIUsage struct {
	PromptTokens      int                 `json:"prompt_tokens"`
	CompletionTokens  int                 `json:"completion_tokens"`
	TotalTokens       int                 `json:"total_tokens"`
	PromptDetails     *OpenAIUsageDetails `json:"prompt_tokens_details,omitempty"`
	CompletionDetails *OpenAIUsageDetails `json:"completion_tokens_details,omitempty"`
}

type OpenAIUsageDetails struct {
	CachedTokens    int `json:"cached_tokens,omitempty"`
	ReasoningTokens int `json:"reasoning_tokens,omitempty"`
	AudioTokens     int `json:"audio_tokens,omitempty"`
}

type OpenAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code,omitempty"`
}

// OpenAIAdapter speaks the OpenAI chat-completions wire format. xAI, Mistral
// and Cerebras reuse it with their own endpoints and quirks.
type OpenAIAdapter struct {
	provider     model.Provider
	apiKey       string
	baseURL      string
	defaultModel string
	headerParser httpclient.RateLimitHeaderParser

	// supportsSchema gates the json_schema response format; providers
	// without it fall back to json_object.
	supportsSchema bool
	// supportsStreamUsage gates stream_options.include_usage.
	supportsStreamUsage bool
}

// NewOpenAIAdapter builds the adapter for api.openai.com.
func NewOpenAIAdapter(apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		provider:            model.ProviderOpenAI,
		apiKey:              apiKey,
		baseURL:             "https://api.openai.com/v1",
		defaultModel:        model.DefaultModelFor(model.ProviderOpenAI),
		headerParser:        httpclient.ParseOpenAIHeaders,
		supportsSchema:      true,
		supportsStreamUsage: true,
	}
}

// NewXAIAdapter builds the adapter for api.x.ai, which is wire-compatible
// with OpenAI and exposes reasoning via reasoning_content.
func NewXAIAdapter(apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		provider:            model.ProviderXAI,
		apiKey:              apiKey,
		baseURL:             "https://api.x.ai/v1",
		defaultModel:        model.DefaultModelFor(model.ProviderXAI),
		headerParser:        httpclient.ParseOpenAIHeaders,
		supportsSchema:      true,
		supportsStreamUsage: true,
	}
}

// NewMistralAdapter builds the adapter for api.mistral.ai.
func NewMistralAdapter(apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		provider:            model.ProviderMistral,
		apiKey:              apiKey,
		baseURL:             "https://api.mistral.ai/v1",
		defaultModel:        model.DefaultModelFor(model.ProviderMistral),
		headerParser:        httpclient.ParseOpenAIHeaders,
		supportsSchema:      true,
		supportsStreamUsage: false,
	}
}

// NewCerebrasAdapter builds the adapter for api.cerebras.ai. Cerebras does
// not accept json_schema response formats.
func NewCerebrasAdapter(apiKey string) *OpenAIAdapter {
	return &OpenAIAdapter{
		provider:            model.ProviderCerebras,
		apiKey:              apiKey,
		baseURL:             "https://api.cerebras.ai/v1",
		defaultModel:        model.DefaultModelFor(model.ProviderCerebras),
		headerParser:        httpclient.ParseOpenAIHeaders,
		supportsSchema:      false,
		supportsStreamUsage: false,
	}
}

// WithBaseURL overrides the endpoint, for proxies and tests.
func (a *OpenAIAdapter) WithBaseURL(url string) *OpenAIAdapter {
	a.baseURL = strings.TrimRight(url, "/")
	return a
}

func (a *OpenAIAdapter) Provider() model.Provider { return a.provider }
func (a *OpenAIAdapter) DefaultModel() string     { return a.defaultModel }

func (a *OpenAIAdapter) RequestURL(modelID string, stream bool) string {
	return a.baseURL + "/chat/completions"
}

func (a *OpenAIAdapter) RequestHeaders(modelID string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.apiKey)
	return h
}

func (a *OpenAIAdapter) HeaderParser() httpclient.RateLimitHeaderParser {
	return a.headerParser
}

// RequiresDownloadingFile reports false: the OpenAI family accepts remote
// image URLs directly, and non-image files must already be inline.
func (a *OpenAIAdapter) RequiresDownloadingFile(file *protocol.File, modelID string) bool {
	return file.Format() != protocol.FileFormatImage && file.Data == ""
}

// isReasoningModel reports whether modelID needs max_completion_tokens and a
// pinned temperature (o-series and gpt-5 family).
func isReasoningModel(modelID string) bool {
	lower := strings.ToLower(modelID)
	for _, exact := range []string{"o1", "o3", "o4", "gpt-5"} {
		if lower == exact {
			return true
		}
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (a *OpenAIAdapter) Build(messages []protocol.Message, opts RequestOptions) (any, error) {
	wireMessages, err := a.buildMessages(messages)
	if err != nil {
		return nil, err
	}

	req := OpenAIRequest{
		Model:            opts.Model,
		Messages:         wireMessages,
		TopP:             opts.TopP,
		PresencePenalty:  opts.PresencePenalty,
		FrequencyPenalty: opts.FrequencyPenalty,
		Stream:           opts.Stream,
	}

	reasoning := a.provider == model.ProviderOpenAI && isReasoningModel(opts.Model)
	if reasoning {
		req.MaxCompletionTokens = opts.MaxTokens
		if opts.ReasoningEffort != "" {
			req.ReasoningEffort = opts.ReasoningEffort
		}
	} else {
		req.MaxTokens = opts.MaxTokens
		req.Temperature = opts.Temperature
	}

	if opts.Stream && a.supportsStreamUsage {
		req.StreamOptions = &OpenAIStreamOptions{IncludeUsage: true}
	}

	if len(opts.Tools) > 0 {
		req.Tools = make([]OpenAITool, len(opts.Tools))
		for i, tool := range opts.Tools {
			req.Tools[i] = OpenAITool{
				Type: "function",
				Function: OpenAIToolFunction{
					Name:        protocol.ProviderSafeToolName(tool.Name),
					Description: tool.Description,
					Parameters:  tool.InputSchema,
				},
			}
		}
		if opts.ToolChoice != "" {
			req.ToolChoice = opts.ToolChoice
		} else {
			req.ToolChoice = "auto"
		}
	}

	if opts.OutputSchema != nil {
		if opts.StructuredOutput && a.supportsSchema {
			req.ResponseFormat = &OpenAIResponseFormat{
				Type: "json_schema",
				JSONSchema: &OpenAIJSONSchema{
					Name:   "response",
					Schema: opts.OutputSchema,
					Strict: true,
				},
			}
		} else {
			req.ResponseFormat = &OpenAIResponseFormat{Type: "json_object"}
		}
	}

	return req, nil
}

func (a *OpenAIAdapter) buildMessages(messages []protocol.Message) ([]OpenAIMessage, error) {
	out := make([]OpenAIMessage, 0, len(messages))
	for _, msg := range messages {
		// tool results become dedicated "tool" role messages
		emittedToolResult := false
		for _, block := range msg.Content {
			if block.Kind != protocol.ContentToolCallResult || block.ToolResult == nil {
				continue
			}
			emittedToolResult = true
			out = append(out, OpenAIMessage{
				Role:       "tool",
				Content:    toolResultText(block.ToolResult),
				ToolCallID: block.ToolResult.ID,
			})
		}

		var parts []OpenAIContentPart
		var toolCalls []OpenAIToolCall
		for _, block := range msg.Content {
			switch block.Kind {
			case protocol.ContentText:
				parts = append(parts, OpenAIContentPart{Type: "text", Text: block.Text})
			case protocol.ContentFile:
				part, err := a.buildFilePart(block.File)
				if err != nil {
					return nil, err
				}
				parts = append(parts, part)
			case protocol.ContentToolCallRequest:
				if block.ToolRequest == nil {
					continue
				}
				args, _ := json.Marshal(block.ToolRequest.Input)
				toolCalls = append(toolCalls, OpenAIToolCall{
					ID:   block.ToolRequest.ID,
					Type: "function",
					Function: OpenAIFunctionCall{
						Name:      protocol.ProviderSafeToolName(block.ToolRequest.ToolName),
						Arguments: string(args),
					},
				})
			}
			// reasoning blocks are not replayed on the OpenAI wire
		}

		if len(parts) == 0 && len(toolCalls) == 0 {
			if emittedToolResult {
				continue
			}
			parts = []OpenAIContentPart{}
		}

		wireMsg := OpenAIMessage{
			Role:      openAIRole(msg.Role),
			Content:   parts,
			ToolCalls: toolCalls,
		}
		out = append(out, wireMsg)
	}
	return out, nil
}

func (a *OpenAIAdapter) buildFilePart(file *protocol.File) (OpenAIContentPart, error) {
	switch file.Format() {
	case protocol.FileFormatImage:
		url := file.URL
		if url == "" {
			url = fmt.Sprintf("data:%s;base64,%s", file.ContentType, file.Data)
		}
		return OpenAIContentPart{
			Type:     "image_url",
			ImageURL: &OpenAIImageURL{URL: url},
		}, nil
	case protocol.FileFormatAudio:
		format := strings.TrimPrefix(file.ContentType, "audio/")
		return OpenAIContentPart{
			Type:       "input_audio",
			InputAudio: &OpenAIAudioPart{Data: file.Data, Format: format},
		}, nil
	case protocol.FileFormatPDF:
		return OpenAIContentPart{
			Type: "file",
			File: &OpenAIFilePart{
				Filename: "document.pdf",
				FileData: fmt.Sprintf("data:%s;base64,%s", file.ContentType, file.Data),
			},
		}, nil
	default:
		return OpenAIContentPart{}, apierror.Newf(apierror.KindModelDoesNotSupportMode,
			"%s does not accept %s content", a.provider, file.ContentType)
	}
}

func (a *OpenAIAdapter) ParseResponse(body []byte) (*ParsedResponse, error) {
	var resp OpenAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierror.Wrap(err, apierror.KindProviderInternal, "unparseable provider response")
	}
	if resp.Error != nil {
		return nil, apierror.Newf(apierror.KindProviderInternal, "%s: %s", a.provider, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, apierror.Newf(apierror.KindProviderInternal, "%s returned no choices", a.provider)
	}

	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return nil, apierror.New(apierror.KindContentModeration, choice.Message.Refusal)
	}
	if choice.FinishReason == "length" {
		return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
	}

	parsed := &ParsedResponse{
		Content:      choice.Message.Content,
		Usage:        openAIUsage(resp.Usage),
		FinishReason: choice.FinishReason,
	}
	if r := firstNonEmpty(choice.Message.Reasoning, choice.Message.ReasoningContent); r != "" {
		parsed.ReasoningSteps = []string{r}
	}
	for _, tc := range choice.Message.ToolCalls {
		input, ok := parseToolInput(tc.Function.Arguments)
		if !ok {
			return nil, apierror.Newf(apierror.KindFailedGeneration,
				"tool call %q carried unparseable arguments", tc.Function.Name)
		}
		parsed.ToolCalls = append(parsed.ToolCalls, protocol.ToolCallRequest{
			ID:       tc.ID,
			ToolName: protocol.CanonicalToolName(tc.Function.Name),
			Input:    input,
		})
	}
	return parsed, nil
}

func (a *OpenAIAdapter) ExtractStreamDelta(data []byte, state *StreamState) (*StreamDelta, error) {
	var event OpenAIStreamResponse
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, apierror.Wrap(err, apierror.KindProviderInternal, "unparseable stream event")
	}
	if event.Error != nil {
		return nil, apierror.Newf(apierror.KindProviderInternal, "%s: %s", a.provider, event.Error.Message)
	}

	delta := &StreamDelta{}
	if event.Usage != nil {
		u := openAIUsage(*event.Usage)
		delta.Usage = &u
		state.Usage = u
	}
	if len(event.Choices) == 0 {
		if delta.Usage == nil {
			return nil, nil
		}
		return delta, nil
	}

	choice := event.Choices[0]
	delta.Content = choice.Delta.Content
	delta.Reasoning = firstNonEmpty(choice.Delta.Reasoning, choice.Delta.ReasoningContent)
	delta.FinishReason = choice.FinishReason
	if choice.FinishReason == "length" {
		return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
	}

	for _, tc := range choice.Delta.ToolCalls {
		index := 0
		if tc.Index != nil {
			index = *tc.Index
		}
		delta.ToolDeltas = append(delta.ToolDeltas, ToolCallDelta{
			Index:         index,
			ID:            tc.ID,
			ToolName:      tc.Function.Name,
			InputFragment: tc.Function.Arguments,
		})
	}
	return delta, nil
}

// StandardizeMessages re-parses stored OpenAI wire messages into canonical
// form. Image data URIs are split back into content type and data.
func (a *OpenAIAdapter) StandardizeMessages(raw []byte) ([]protocol.Message, error) {
	var wire []OpenAIMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apierror.Wrap(err, apierror.KindBadRequest, "unparseable stored messages")
	}

	var out []protocol.Message
	for _, wm := range wire {
		if wm.Role == "tool" {
			text, _ := wm.Content.(string)
			out = append(out, protocol.Message{
				Role: protocol.RoleUser,
				Content: []protocol.Content{{
					Kind: protocol.ContentToolCallResult,
					ToolResult: &protocol.ToolCallResult{
						ID:     wm.ToolCallID,
						Result: text,
					},
				}},
			})
			continue
		}

		msg := protocol.Message{Role: canonicalRole(wm.Role)}
		switch content := wm.Content.(type) {
		case string:
			if content != "" {
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentText, Text: content,
				})
			}
		case []any:
			for _, p := range content {
				pm, ok := p.(map[string]any)
				if !ok {
					continue
				}
				switch pm["type"] {
				case "text":
					text, _ := pm["text"].(string)
					msg.Content = append(msg.Content, protocol.Content{
						Kind: protocol.ContentText, Text: text,
					})
				case "image_url":
					urlMap, _ := pm["image_url"].(map[string]any)
					url, _ := urlMap["url"].(string)
					msg.Content = append(msg.Content, protocol.Content{
						Kind: protocol.ContentFile,
						File: fileFromDataURI(url),
					})
				}
			}
		}
		for _, tc := range wm.ToolCalls {
			input, _ := parseToolInput(tc.Function.Arguments)
			msg.Content = append(msg.Content, protocol.Content{
				Kind: protocol.ContentToolCallRequest,
				ToolRequest: &protocol.ToolCallRequest{
					ID:       tc.ID,
					ToolName: protocol.CanonicalToolName(tc.Function.Name),
					Input:    input,
				},
			})
		}
		if len(msg.Content) > 0 {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *OpenAIAdapter) ClassifyError(statusCode int, body []byte, headers http.Header) error {
	message := string(body)
	var wrapper struct {
		Error *OpenAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		message = wrapper.Error.Message
	}
	return classifyHTTPError(a.provider, statusCode, message, headers)
}

func openAIRole(role protocol.Role) string {
	switch role {
	case protocol.RoleSystem:
		return "system"
	case protocol.RoleAssistant:
		return "assistant"
	default:
		return "user"
	}
}

func canonicalRole(role string) protocol.Role {
	switch role {
	case "system", "developer":
		return protocol.RoleSystem
	case "assistant":
		return protocol.RoleAssistant
	default:
		return protocol.RoleUser
	}
}

func openAIUsage(u OpenAIUsage) Usage {
	out := Usage{
		PromptTokenCount:     u.PromptTokens,
		CompletionTokenCount: u.CompletionTokens,
	}
	if u.PromptDetails != nil {
		out.CachedTokenCount = u.PromptDetails.CachedTokens
		out.AudioTokenCount = u.PromptDetails.AudioTokens
	}
	if u.CompletionDetails != nil {
		out.ReasoningTokenCount = u.CompletionDetails.ReasoningTokens
	}
	return out
}

func toolResultText(result *protocol.ToolCallResult) string {
	if result.Error != "" {
		return result.Error
	}
	switch v := result.Result.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func fileFromDataURI(url string) *protocol.File {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		if idx := strings.Index(rest, ";base64,"); idx >= 0 {
			return &protocol.File{
				ContentType: rest[:idx],
				Data:        rest[idx+len(";base64,"):],
			}
		}
	}
	return &protocol.File{URL: url}
}
