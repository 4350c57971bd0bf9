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

type GeminiRequest struct {
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []GeminiToolSet         `json:"tools,omitempty"`
}

type GeminiGenerationConfig struct {
	Temperature      *float64       `json:"temperature,omitempty"`
	TopP             *float64       `json:"topP,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type GeminiContent struct {
	Role  string       `json:"role,omitempty"` // "user" or "model"
	Parts []GeminiPart `json:"parts"`
}

type GeminiPart struct {
	Text             string                  `json:"text,omitempty"`
	Thought          bool                    `json:"thought,omitempty"`
	InlineData       *GeminiBlob             `json:"inlineData,omitempty"`
	FileData         *GeminiFileData         `json:"fileData,omitempty"`
	FunctionCall     *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *GeminiFunctionResponse `json:"functionResponse,omitempty"`
}

type GeminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type GeminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type GeminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type GeminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type GeminiToolSet struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type GeminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	Error         *GeminiError         `json:"error,omitempty"`
}

type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type GeminiUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount"`
}

type GeminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// GoogleAdapter speaks the Gemini generateContent wire format.
type GoogleAdapter struct {
	apiKey       string
	baseURL      string
	defaultModel string
}

func NewGoogleAdapter(apiKey string) *GoogleAdapter {
	return &GoogleAdapter{
		apiKey:       apiKey,
		baseURL:      "https://generativelanguage.googleapis.com",
		defaultModel: model.DefaultModelFor(model.ProviderGoogle),
	}
}

func (a *GoogleAdapter) WithBaseURL(url string) *GoogleAdapter {
	a.baseURL = strings.TrimRight(url, "/")
	return a
}

func (a *GoogleAdapter) Provider() model.Provider { return model.ProviderGoogle }
func (a *GoogleAdapter) DefaultModel() string     { return a.defaultModel }

func (a *GoogleAdapter) RequestURL(modelID string, stream bool) string {
	if stream {
		return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse",
			a.baseURL, modelID, a.apiKey)
	}
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		a.baseURL, modelID, a.apiKey)
}

func (a *GoogleAdapter) RequestHeaders(modelID string) http.Header {
	// the key rides on the query string
	return http.Header{}
}

func (a *GoogleAdapter) HeaderParser() httpclient.RateLimitHeaderParser {
	return httpclient.ParseGoogleHeaders
}

// RequiresDownloadingFile reports true for URL files outside the Files API:
// fileData URIs must be Google-hosted, so arbitrary URLs are inlined.
func (a *GoogleAdapter) RequiresDownloadingFile(file *protocol.File, modelID string) bool {
	if file.Data != "" {
		return false
	}
	return !strings.Contains(file.URL, "generativelanguage.googleapis.com")
}

func (a *GoogleAdapter) Build(messages []protocol.Message, opts RequestOptions) (any, error) {
	req := GeminiRequest{
		GenerationConfig: &GeminiGenerationConfig{
			Temperature: opts.Temperature,
			TopP:        opts.TopP,
		},
	}
	if opts.MaxTokens != nil {
		req.GenerationConfig.MaxOutputTokens = *opts.MaxTokens
	}

	if opts.OutputSchema != nil {
		req.GenerationConfig.ResponseMimeType = "application/json"
		if opts.StructuredOutput {
			req.GenerationConfig.ResponseSchema = geminiSchema(opts.OutputSchema)
		}
	}

	for _, msg := range messages {
		if msg.Role == protocol.RoleSystem {
			if req.SystemInstruction == nil {
				req.SystemInstruction = &GeminiContent{}
			}
			req.SystemInstruction.Parts = append(req.SystemInstruction.Parts,
				GeminiPart{Text: msg.Text()})
			continue
		}
		content, err := a.buildContent(msg)
		if err != nil {
			return nil, err
		}
		if len(content.Parts) > 0 {
			req.Contents = append(req.Contents, content)
		}
	}

	if len(opts.Tools) > 0 {
		set := GeminiToolSet{}
		for _, tool := range opts.Tools {
			set.FunctionDeclarations = append(set.FunctionDeclarations, GeminiFunctionDeclaration{
				Name:        protocol.ProviderSafeToolName(tool.Name),
				Description: tool.Description,
				Parameters:  geminiSchema(tool.InputSchema),
			})
		}
		req.Tools = []GeminiToolSet{set}
	}

	return req, nil
}

// geminiSchema strips schema keywords the generateContent API rejects.
func geminiSchema(schemaMap map[string]any) map[string]any {
	if schemaMap == nil {
		return nil
	}
	out := make(map[string]any, len(schemaMap))
	for key, value := range schemaMap {
		switch key {
		case "$schema", "$defs", "$id", "additionalProperties", "title", "default":
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			out[key] = geminiSchema(v)
		case []any:
			cleaned := make([]any, 0, len(v))
			for _, item := range v {
				if m, ok := item.(map[string]any); ok {
					cleaned = append(cleaned, geminiSchema(m))
				} else {
					cleaned = append(cleaned, item)
				}
			}
			out[key] = cleaned
		default:
			out[key] = value
		}
	}
	return out
}

func (a *GoogleAdapter) buildContent(msg protocol.Message) (GeminiContent, error) {
	content := GeminiContent{Role: geminiRole(msg.Role)}
	for _, block := range msg.Content {
		switch block.Kind {
		case protocol.ContentText:
			content.Parts = append(content.Parts, GeminiPart{Text: block.Text})
		case protocol.ContentFile:
			file := block.File
			if file == nil {
				continue
			}
			if file.Data != "" {
				content.Parts = append(content.Parts, GeminiPart{
					InlineData: &GeminiBlob{MimeType: file.ContentType, Data: file.Data},
				})
			} else {
				content.Parts = append(content.Parts, GeminiPart{
					FileData: &GeminiFileData{MimeType: file.ContentType, FileURI: file.URL},
				})
			}
		case protocol.ContentToolCallRequest:
			if block.ToolRequest == nil {
				continue
			}
			content.Parts = append(content.Parts, GeminiPart{
				FunctionCall: &GeminiFunctionCall{
					Name: protocol.ProviderSafeToolName(block.ToolRequest.ToolName),
					Args: block.ToolRequest.Input,
				},
			})
		case protocol.ContentToolCallResult:
			if block.ToolResult == nil {
				continue
			}
			response := map[string]any{"output": block.ToolResult.Result}
			if block.ToolResult.Error != "" {
				response = map[string]any{"error": block.ToolResult.Error}
			}
			content.Parts = append(content.Parts, GeminiPart{
				FunctionResponse: &GeminiFunctionResponse{
					Name:     protocol.ProviderSafeToolName(block.ToolResult.ToolName),
					Response: response,
				},
			})
		}
	}
	return content, nil
}

func (a *GoogleAdapter) ParseResponse(body []byte) (*ParsedResponse, error) {
	var resp GeminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apierror.Wrap(err, apierror.KindProviderInternal, "unparseable provider response")
	}
	if resp.Error != nil {
		return nil, apierror.Newf(apierror.KindProviderInternal, "google: %s", resp.Error.Message)
	}
	if len(resp.Candidates) == 0 {
		return nil, apierror.New(apierror.KindContentModeration, "google returned no candidates")
	}

	candidate := resp.Candidates[0]
	switch candidate.FinishReason {
	case "MAX_TOKENS":
		return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return nil, apierror.New(apierror.KindContentModeration, "provider refused the generation")
	}

	parsed := &ParsedResponse{FinishReason: candidate.FinishReason}
	if resp.UsageMetadata != nil {
		parsed.Usage = geminiUsage(resp.UsageMetadata)
	}
	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := fmt.Sprintf("call_%d", len(parsed.ToolCalls))
			parsed.ToolCalls = append(parsed.ToolCalls, protocol.ToolCallRequest{
				ID:       id,
				ToolName: protocol.CanonicalToolName(part.FunctionCall.Name),
				Input:    part.FunctionCall.Args,
			})
		case part.Thought:
			parsed.ReasoningSteps = append(parsed.ReasoningSteps, part.Text)
		case part.Text != "":
			parsed.Content += part.Text
		}
	}
	return parsed, nil
}

// ExtractStreamDelta decodes one streamGenerateContent SSE payload, which is
// a full GeminiResponse carrying incremental parts.
func (a *GoogleAdapter) ExtractStreamDelta(data []byte, state *StreamState) (*StreamDelta, error) {
	var event GeminiResponse
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, apierror.Wrap(err, apierror.KindProviderInternal, "unparseable stream event")
	}
	if event.Error != nil {
		return nil, apierror.Newf(apierror.KindProviderInternal, "google: %s", event.Error.Message)
	}

	delta := &StreamDelta{}
	if event.UsageMetadata != nil {
		u := geminiUsage(event.UsageMetadata)
		delta.Usage = &u
		state.Usage = u
	}
	if len(event.Candidates) == 0 {
		if delta.Usage == nil {
			return nil, nil
		}
		return delta, nil
	}

	candidate := event.Candidates[0]
	switch candidate.FinishReason {
	case "MAX_TOKENS":
		return nil, apierror.New(apierror.KindMaxTokensExceeded, "provider truncated the completion")
	case "SAFETY", "PROHIBITED_CONTENT", "BLOCKLIST":
		return nil, apierror.New(apierror.KindContentModeration, "provider refused the generation")
	}
	delta.FinishReason = candidate.FinishReason

	for _, part := range candidate.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			// function calls arrive whole; index by arrival order
			index := len(state.BlockKinds)
			state.BlockKinds[index] = "tool_use"
			args, _ := json.Marshal(part.FunctionCall.Args)
			delta.ToolDeltas = append(delta.ToolDeltas, ToolCallDelta{
				Index:         index,
				ID:            fmt.Sprintf("call_%d", index),
				ToolName:      part.FunctionCall.Name,
				InputFragment: string(args),
			})
		case part.Thought:
			delta.Reasoning += part.Text
		case part.Text != "":
			delta.Content += part.Text
		}
	}
	return delta, nil
}

func (a *GoogleAdapter) StandardizeMessages(raw []byte) ([]protocol.Message, error) {
	var wire []GeminiContent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apierror.Wrap(err, apierror.KindBadRequest, "unparseable stored messages")
	}

	var out []protocol.Message
	for _, wc := range wire {
		role := protocol.RoleUser
		if wc.Role == "model" {
			role = protocol.RoleAssistant
		}
		msg := protocol.Message{Role: role}
		for _, part := range wc.Parts {
			switch {
			case part.FunctionCall != nil:
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentToolCallRequest,
					ToolRequest: &protocol.ToolCallRequest{
						ToolName: protocol.CanonicalToolName(part.FunctionCall.Name),
						Input:    part.FunctionCall.Args,
					},
				})
			case part.FunctionResponse != nil:
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentToolCallResult,
					ToolResult: &protocol.ToolCallResult{
						ToolName: protocol.CanonicalToolName(part.FunctionResponse.Name),
						Result:   part.FunctionResponse.Response,
					},
				})
			case part.InlineData != nil:
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentFile,
					File: &protocol.File{
						ContentType: part.InlineData.MimeType,
						Data:        part.InlineData.Data,
					},
				})
			case part.FileData != nil:
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentFile,
					File: &protocol.File{
						ContentType: part.FileData.MimeType,
						URL:         part.FileData.FileURI,
					},
				})
			case part.Thought:
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentReasoning, Reasoning: part.Text,
				})
			case part.Text != "":
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentText, Text: part.Text,
				})
			}
		}
		if len(msg.Content) > 0 {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *GoogleAdapter) ClassifyError(statusCode int, body []byte, headers http.Header) error {
	message := string(body)
	var wrapper struct {
		Error *GeminiError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		message = wrapper.Error.Message
	}
	return classifyHTTPError(model.ProviderGoogle, statusCode, message, headers)
}

func geminiRole(role protocol.Role) string {
	if role == protocol.RoleAssistant {
		return "model"
	}
	return "user"
}

func geminiUsage(u *GeminiUsageMetadata) Usage {
	return Usage{
		PromptTokenCount:     u.PromptTokenCount,
		CompletionTokenCount: u.CandidatesTokenCount,
		CachedTokenCount:     u.CachedContentTokenCount,
		ReasoningTokenCount:  u.ThoughtsTokenCount,
	}
}
