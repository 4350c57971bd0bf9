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

const anthropicVersion = "2023-06-01"

type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []AnthropicTool    `json:"tools,omitempty"`
	ToolChoice  *AnthropicChoice   `json:"tool_choice,omitempty"`
	Thinking    *AnthropicThinking `json:"thinking,omitempty"`
}

type AnthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type AnthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type AnthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type AnthropicMessage struct {
	Role    string             `json:"role"`
	Content []AnthropicContent `json:"content"`
}

type AnthropicContent struct {
	Type      string            `json:"type"`
	Text      string            `json:"text,omitempty"`
	Thinking  string            `json:"thinking,omitempty"`
	Source    *AnthropicSource  `json:"source,omitempty"`
	ID        string            `json:"id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Input     *map[string]any   `json:"input,omitempty"`
	ToolUseID string            `json:"tool_use_id,omitempty"`
	Content   any               `json:"content,omitempty"`
	IsError   bool              `json:"is_error,omitempty"`
	CacheCtrl *AnthropicCacheCt `json:"cache_control,omitempty"`
}

type AnthropicCacheCt struct {
	Type string `json:"type"`
}

type AnthropicSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      AnthropicUsage     `json:"usage"`
	Error      *AnthropicError    `json:"error,omitempty"`
}

type AnthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *AnthropicDelta    `json:"delta,omitempty"`
	ContentBlock *AnthropicContent  `json:"content_block,omitempty"`
	Message      *AnthropicResponse `json:"message,omitempty"`
	Usage        *AnthropicUsage    `json:"usage,omitempty"`
	Error        *AnthropicError    `json:"error,omitempty"`
}

type AnthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type AnthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

type AnthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// AnthropicAdapter speaks the Anthropic messages wire format.
type AnthropicAdapter struct {
	apiKey       string
	baseURL      string
	defaultModel string
}

func NewAnthropicAdapter(apiKey string) *AnthropicAdapter {
	return &AnthropicAdapter{
		apiKey:       apiKey,
		baseURL:      "https://api.anthropic.com",
		defaultModel: model.DefaultModelFor(model.ProviderAnthropic),
	}
}

func (a *AnthropicAdapter) WithBaseURL(url string) *AnthropicAdapter {
	a.baseURL = strings.TrimRight(url, "/")
	return a
}

func (a *AnthropicAdapter) Provider() model.Provider { return model.ProviderAnthropic }
func (a *AnthropicAdapter) DefaultModel() string     { return a.defaultModel }

func (a *AnthropicAdapter) RequestURL(modelID string, stream bool) string {
	return a.baseURL + "/v1/messages"
}

func (a *AnthropicAdapter) RequestHeaders(modelID string) http.Header {
	h := http.Header{}
	h.Set("x-api-key", a.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h
}

func (a *AnthropicAdapter) HeaderParser() httpclient.RateLimitHeaderParser {
	return httpclient.ParseAnthropicHeaders
}

// RequiresDownloadingFile reports true for URL-only non-image files: the
// messages API accepts url sources only for images and PDFs.
func (a *AnthropicAdapter) RequiresDownloadingFile(file *protocol.File, modelID string) bool {
	if file.Data != "" {
		return false
	}
	format := file.Format()
	return format != protocol.FileFormatImage && format != protocol.FileFormatPDF
}

const anthropicDefaultMaxTokens = 8192

func (a *AnthropicAdapter) Build(messages []protocol.Message, opts RequestOptions) (any, error) {
	req := AnthropicRequest{
		Model:       opts.Model,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: opts.Temperature,
		TopP:        opts.TopP,
		Stream:      opts.Stream,
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.ReasoningEffort != "" {
		req.Thinking = &AnthropicThinking{
			Type:         "enabled",
			BudgetTokens: thinkingBudget(opts.ReasoningEffort),
		}
		// thinking requires the default temperature
		req.Temperature = nil
	}

	for _, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += msg.Text()
			continue
		}
		wireMsg, err := a.buildMessage(msg)
		if err != nil {
			return nil, err
		}
		if len(wireMsg.Content) > 0 {
			req.Messages = append(req.Messages, wireMsg)
		}
	}

	for _, tool := range opts.Tools {
		schema := tool.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		req.Tools = append(req.Tools, AnthropicTool{
			Name:        protocol.ProviderSafeToolName(tool.Name),
			Description: tool.Description,
			InputSchema: schema,
		})
	}
	if len(req.Tools) > 0 && opts.ToolChoice != "" {
		req.ToolChoice = &AnthropicChoice{Type: opts.ToolChoice}
	}

	// No schema-guided decoding on this API; structured output rides on the
	// prompt and is validated downstream.
	return req, nil
}

func thinkingBudget(effort string) int {
	switch effort {
	case "low":
		return 2048
	case "high":
		return 16384
	default:
		return 8192
	}
}

func (a *AnthropicAdapter) buildMessage(msg protocol.Message) (AnthropicMessage, error) {
	wire := AnthropicMessage{Role: anthropicRole(msg.Role)}
	for _, block := range msg.Content {
		switch block.Kind {
		case protocol.ContentText:
			wire.Content = append(wire.Content, AnthropicContent{Type: "text", Text: block.Text})
		case protocol.ContentFile:
			content, err := a.buildFileContent(block.File)
			if err != nil {
				return AnthropicMessage{}, err
			}
			wire.Content = append(wire.Content, content)
		case protocol.ContentToolCallRequest:
			if block.ToolRequest == nil {
				continue
			}
			input := block.ToolRequest.Input
			if input == nil {
				input = map[string]any{}
			}
			wire.Content = append(wire.Content, AnthropicContent{
				Type:  "tool_use",
				ID:    block.ToolRequest.ID,
				Name:  protocol.ProviderSafeToolName(block.ToolRequest.ToolName),
				Input: &input,
			})
		case protocol.ContentToolCallResult:
			if block.ToolResult == nil {
				continue
			}
			wire.Content = append(wire.Content, AnthropicContent{
				Type:      "tool_result",
				ToolUseID: block.ToolResult.ID,
				Content:   toolResultText(block.ToolResult),
				IsError:   block.ToolResult.Error != "",
			})
		case protocol.ContentReasoning:
			// replayed thinking is dropped; the API re-derives it
		}
	}
	return wire, nil
}

func (a *AnthropicAdapter) buildFileContent(file *protocol.File) (AnthropicContent, error) {
	var blockType string
	switch file.Format() {
	case protocol.FileFormatImage:
		blockType = "image"
	case protocol.FileFormatPDF:
		blockType = "document"
	default:
		return AnthropicContent{}, apierror.Newf(apierror.KindModelDoesNotSupportMode,
			"anthropic does not accept %s content", file.ContentType)
	}
	source := &AnthropicSource{}
	if file.Data != "" {
		source.Type = "base64"
		source.MediaType = file.ContentType
		source.Data = file.Data
	} else {
		source.Type = "url"
		source.URL = file.URL
	}
	return AnthropicContent{Type: blockType, Source: source}, nil
}

func (a *AnthropicAdapter) ParseResponse(body []byte) (*ParsedResponse, error) {
	var resp AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierror.Wrap(err, apierror.KindProviderInternal, "unparseable provider response")
	}
	if resp.Error != nil {
		return nil, apierror.Newf(apierror.KindProviderInternal, "anthropic: %s", resp.Error.Message)
	}
	if resp.StopReason == "max_tokens" {
		return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
	}

	parsed := &ParsedResponse{
		Usage:        anthropicUsage(resp.Usage),
		FinishReason: resp.StopReason,
	}
	for _, content := range resp.Content {
		switch content.Type {
		case "text":
			parsed.Content += content.Text
		case "thinking":
			parsed.ReasoningSteps = append(parsed.ReasoningSteps, content.Thinking)
		case "tool_use":
			var input map[string]any
			if content.Input != nil {
				input = *content.Input
			}
			parsed.ToolCalls = append(parsed.ToolCalls, protocol.ToolCallRequest{
				ID:       content.ID,
				ToolName: protocol.CanonicalToolName(content.Name),
				Input:    input,
			})
		}
	}
	return parsed, nil
}

// ExtractStreamDelta handles the typed event stream: content_block_start
// records each block's kind and carries tool identity; deltas are routed by
// the recorded kind; message_delta carries the stop reason and final usage.
func (a *AnthropicAdapter) ExtractStreamDelta(data []byte, state *StreamState) (*StreamDelta, error) {
	var event AnthropicStreamResponse
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, apierror.Wrap(err, apierror.KindProviderInternal, "unparseable stream event")
	}

	switch event.Type {
	case "error":
		message := "stream error"
		if event.Error != nil {
			message = event.Error.Message
		}
		return nil, apierror.Newf(apierror.KindProviderInternal, "anthropic: %s", message)

	case "message_start":
		if event.Message != nil {
			state.Usage = anthropicUsage(event.Message.Usage)
		}
		return nil, nil

	case "content_block_start":
		if event.ContentBlock == nil {
			return nil, nil
		}
		state.BlockKinds[event.Index] = event.ContentBlock.Type
		if event.ContentBlock.Type == "tool_use" {
			return &StreamDelta{ToolDeltas: []ToolCallDelta{{
				Index:    event.Index,
				ID:       event.ContentBlock.ID,
				ToolName: event.ContentBlock.Name,
			}}}, nil
		}
		return nil, nil

	case "content_block_delta":
		if event.Delta == nil {
			return nil, nil
		}
		switch event.Delta.Type {
		case "text_delta":
			return &StreamDelta{Content: event.Delta.Text}, nil
		case "thinking_delta":
			return &StreamDelta{Reasoning: event.Delta.Thinking}, nil
		case "input_json_delta":
			return &StreamDelta{ToolDeltas: []ToolCallDelta{{
				Index:         event.Index,
				InputFragment: event.Delta.PartialJSON,
			}}}, nil
		}
		return nil, nil

	case "message_delta":
		delta := &StreamDelta{}
		if event.Usage != nil {
			state.Usage.CompletionTokenCount = event.Usage.OutputTokens
			u := state.Usage
			delta.Usage = &u
		}
		if event.Delta != nil && event.Delta.StopReason != "" {
			if event.Delta.StopReason == "max_tokens" {
				return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
			}
			delta.FinishReason = event.Delta.StopReason
		}
		return delta, nil
	}
	// ping, content_block_stop, message_stop
	return nil, nil
}

func (a *AnthropicAdapter) StandardizeMessages(raw []byte) ([]protocol.Message, error) {
	var wire []AnthropicMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apierror.Wrap(err, apierror.KindBadRequest, "unparseable stored messages")
	}

	var out []protocol.Message
	for _, wm := range wire {
		msg := protocol.Message{Role: canonicalRole(wm.Role)}
		for _, content := range wm.Content {
			switch content.Type {
			case "text":
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentText, Text: content.Text,
				})
			case "thinking":
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentReasoning, Reasoning: content.Thinking,
				})
			case "image", "document":
				file := &protocol.File{}
				if content.Source != nil {
					file.ContentType = content.Source.MediaType
					file.Data = content.Source.Data
					file.URL = content.Source.URL
				}
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentFile, File: file,
				})
			case "tool_use":
				var input map[string]any
				if content.Input != nil {
					input = *content.Input
				}
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentToolCallRequest,
					ToolRequest: &protocol.ToolCallRequest{
						ID:       content.ID,
						ToolName: protocol.CanonicalToolName(content.Name),
						Input:    input,
					},
				})
			case "tool_result":
				result := &protocol.ToolCallResult{ID: content.ToolUseID}
				if text, ok := content.Content.(string); ok {
					if content.IsError {
						result.Error = text
					} else {
						result.Result = text
					}
				} else {
					result.Result = content.Content
				}
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentToolCallResult, ToolResult: result,
				})
			}
		}
		if len(msg.Content) > 0 {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *AnthropicAdapter) ClassifyError(statusCode int, body []byte, headers http.Header) error {
	message := string(body)
	var wrapper struct {
		Error *AnthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		message = wrapper.Error.Message
		if wrapper.Error.Type == "overloaded_error" {
			return apierror.New(apierror.KindProviderInternal,
				fmt.Sprintf("anthropic: %s", message))
		}
	}
	return classifyHTTPError(model.ProviderAnthropic, statusCode, message, headers)
}

func anthropicRole(role protocol.Role) string {
	if role == protocol.RoleAssistant {
		return "assistant"
	}
	return "user"
}

func anthropicUsage(u AnthropicUsage) Usage {
	return Usage{
		PromptTokenCount:     u.InputTokens,
		CompletionTokenCount: u.OutputTokens,
		CachedTokenCount:     u.CacheReadInputTokens,
	}
}
