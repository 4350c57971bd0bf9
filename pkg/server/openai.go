package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/modelgateway/relay/pkg/agent"
	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/cache"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/runner"
	"github.com/modelgateway/relay/pkg/schema"
	"github.com/modelgateway/relay/pkg/tenant"
	"github.com/modelgateway/relay/pkg/version"
)

// defaultAgentID names the agent that chat completions without an explicit
// agent are filed under.
const defaultAgentID = "default"

type chatCompletionRequest struct {
	Model            string           `json:"model"`
	Messages         []openaiMessage  `json:"messages"`
	Stream           bool             `json:"stream"`
	StreamOptions    *streamOptions   `json:"stream_options"`
	ResponseFormat   *responseFormat  `json:"response_format"`
	Tools            []openaiTool     `json:"tools"`
	ToolChoice       any              `json:"tool_choice"`
	Temperature      *float64         `json:"temperature"`
	TopP             *float64         `json:"top_p"`
	PresencePenalty  *float64         `json:"presence_penalty"`
	FrequencyPenalty *float64         `json:"frequency_penalty"`
	MaxTokens        *int             `json:"max_tokens"`
	ReasoningEffort  string           `json:"reasoning_effort"`
	N                *int             `json:"n"`

	// extensions
	Input          map[string]any `json:"input"`
	UseCache       string         `json:"use_cache"`
	UseFallback    any            `json:"use_fallback"`
	Provider       string         `json:"provider"`
	AgentID        string         `json:"agent_id"`
	ConversationID string         `json:"conversation_id"`
	Metadata       map[string]any `json:"metadata"`
	PrivateFields  []string       `json:"private_fields"`
}

type streamOptions struct {
	IncludeUsage    bool `json:"include_usage"`
	ValidJSONChunks bool `json:"valid_json_chunks"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema"`
}

type jsonSchemaFormat struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict *bool          `json:"strict"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
	InputAudio *struct {
		Data   string `json:"data"`
		Format string `json:"format"`
	} `json:"input_audio,omitempty"`
	File *struct {
		FileData string `json:"file_data"`
		Filename string `json:"filename"`
	} `json:"file,omitempty"`
}

type openaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	t, _ := tenant.FromContext(r.Context())

	var req chatCompletionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.N != nil && *req.N != 1 {
		writeError(w, apierror.New(apierror.KindInvalidGenerationRequest, "only n=1 is supported"))
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, apierror.New(apierror.KindBadRequest, "messages must not be empty"))
		return
	}

	runReq, agentID, err := s.buildRunRequest(r, t, &req)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		s.streamChatCompletion(w, r, t, &req, runReq, agentID)
		return
	}

	rec, err := s.engine.Execute(r.Context(), t, runReq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.renderCompletion(t, agentID, rec))
}

// buildRunRequest translates the OpenAI request into an engine request,
// provisioning the agent and its schema on first use.
func (s *Server) buildRunRequest(r *http.Request, t *tenant.Tenant, req *chatCompletionRequest) (*runner.RunRequest, string, error) {
	parsed, err := parseModelString(req.Model)
	if err != nil {
		return nil, "", err
	}
	agentID := parsed.agentID
	if agentID == "" {
		agentID = req.AgentID
	}
	if agentID == "" {
		agentID = defaultAgentID
	}

	cacheMode, ok := cache.ParseMode(req.UseCache)
	if !ok {
		return nil, "", apierror.Newf(apierror.KindInvalidRunOptions, "invalid use_cache %q", req.UseCache)
	}
	fallback, err := runner.ParseFallback(req.UseFallback)
	if err != nil {
		return nil, "", err
	}
	externalTools, err := convertTools(req.Tools)
	if err != nil {
		return nil, "", err
	}

	runReq := &runner.RunRequest{
		CacheMode:      cacheMode,
		Fallback:       fallback,
		ExternalTools:  externalTools,
		Metadata:       req.Metadata,
		ConversationID: req.ConversationID,
		PrivateFields:  req.PrivateFields,
		Stream:         req.Stream,
	}

	if parsed.environment != "" {
		// deployment reference: the saved version's prompt drives the run
		a, err := s.store.GetAgent(r.Context(), t.UID, agentID)
		if err != nil {
			return nil, "", err
		}
		if a == nil {
			return nil, "", apierror.Newf(apierror.KindAgentNotFound, "unknown agent %q", agentID)
		}
		sc := a.FindSchema(parsed.schemaID)
		if sc == nil {
			return nil, "", apierror.Newf(apierror.KindVersionNotFound,
				"agent %q has no schema #%d", agentID, parsed.schemaID)
		}
		input := req.Input
		if input == nil {
			input = map[string]any{}
		}
		raw, merr := json.Marshal(input)
		if merr != nil {
			return nil, "", apierror.Wrap(merr, apierror.KindBadRequest, "unencodable input")
		}
		runReq.Agent = a
		runReq.Schema = sc
		runReq.Ref = version.Reference{Environment: parsed.environment}
		runReq.Input = raw
		return runReq, agentID, nil
	}

	props := &version.Properties{
		Model:            parsed.modelID,
		Provider:         req.Provider,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		PresencePenalty:  req.PresencePenalty,
		FrequencyPenalty: req.FrequencyPenalty,
		MaxTokens:        req.MaxTokens,
		ReasoningEffort:  req.ReasoningEffort,
		ToolChoice:       toolChoiceString(req.ToolChoice),
	}

	outputSchema := outputSchemaFor(req.ResponseFormat)
	var (
		inputSchema map[string]any
		rawInput    json.RawMessage
	)
	if req.Input != nil {
		// templated mode: messages are the prompt, input carries the variables
		inputSchema = map[string]any{"type": "object"}
		props.Messages = messageTemplates(req.Messages)
		raw, merr := json.Marshal(req.Input)
		if merr != nil {
			return nil, "", apierror.Wrap(merr, apierror.KindBadRequest, "unencodable input")
		}
		rawInput = raw
	} else {
		inputSchema = map[string]any{"format": schema.RawMessagesFormat}
		messages, cerr := convertMessages(req.Messages)
		if cerr != nil {
			return nil, "", cerr
		}
		raw, merr := json.Marshal(map[string]any{"messages": messages})
		if merr != nil {
			return nil, "", apierror.Wrap(merr, apierror.KindBadRequest, "unencodable messages")
		}
		rawInput = raw
	}

	pair, err := agent.Streamline(inputSchema, outputSchema)
	if err != nil {
		return nil, "", err
	}
	a, sc, err := s.ensureAgent(r, t, agentID, pair)
	if err != nil {
		return nil, "", err
	}
	props.OutputSchema = sc.OutputSchema
	if req.ResponseFormat != nil && req.ResponseFormat.JSONSchema != nil && req.ResponseFormat.JSONSchema.Strict != nil {
		props.StructuredOutput = req.ResponseFormat.JSONSchema.Strict
	}

	runReq.Agent = a
	runReq.Schema = sc
	runReq.Ref = version.Reference{Properties: props}
	runReq.Input = rawInput
	return runReq, agentID, nil
}

// parsedModel is the decomposed model string.
type parsedModel struct {
	agentID     string
	schemaID    int
	modelID     string
	environment version.Environment
}

// parseModelString accepts "<model>", "<agent>/<model>",
// "<agent>/#<schema>/<env>" and "#<schema>/<env>".
func parseModelString(s string) (parsedModel, error) {
	if s == "" {
		return parsedModel{}, apierror.New(apierror.KindBadRequest, "model is required")
	}
	parts := strings.Split(s, "/")

	schemaRef := func(agentID string, parts []string) (parsedModel, error) {
		if len(parts) != 2 {
			return parsedModel{}, apierror.Newf(apierror.KindBadRequest,
				"invalid model %q: expected #<schema_id>/<environment>", s)
		}
		id, err := strconv.Atoi(strings.TrimPrefix(parts[0], "#"))
		if err != nil || id <= 0 {
			return parsedModel{}, apierror.Newf(apierror.KindBadRequest,
				"invalid schema id in model %q", s)
		}
		return parsedModel{
			agentID:     agentID,
			schemaID:    id,
			environment: version.Environment(parts[1]),
		}, nil
	}

	switch {
	case strings.HasPrefix(parts[0], "#"):
		return schemaRef("", parts)
	case len(parts) == 1:
		return parsedModel{modelID: parts[0]}, nil
	case strings.HasPrefix(parts[1], "#"):
		return schemaRef(parts[0], parts[1:])
	default:
		// model ids may themselves contain slashes
		return parsedModel{agentID: parts[0], modelID: strings.Join(parts[1:], "/")}, nil
	}
}

// ensureAgent finds the agent and the schema entry for the pair, creating
// both on first use.
func (s *Server) ensureAgent(r *http.Request, t *tenant.Tenant, agentID string, pair *agent.Schema) (*agent.Agent, *agent.Schema, error) {
	ctx := r.Context()
	now := time.Now().UTC()

	a, err := s.store.GetAgent(ctx, t.UID, agentID)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		if err := agent.ValidateID(agentID); err != nil {
			return nil, nil, err
		}
		uid, err := s.store.NextAgentUID(ctx)
		if err != nil {
			return nil, nil, err
		}
		a = &agent.Agent{ID: agentID, UID: uid, TenantUID: t.UID, CreatedAt: now, UpdatedAt: now}
		sc := a.AdoptSchema(pair, now)
		if err := s.store.PutAgent(ctx, t.UID, a, time.Time{}); err != nil {
			// lost the creation race; pick up the winner
			if apierror.KindOf(err) != apierror.KindConcurrentModification {
				return nil, nil, err
			}
			return s.adoptOnExisting(r, t, agentID, pair)
		}
		s.logger.Info("agent provisioned", "agent_id", agentID, "agent_uid", uid, "schema_id", sc.SchemaID)
		return a, sc, nil
	}

	prevUpdated := a.UpdatedAt
	sc := a.AdoptSchema(pair, now)
	if a.UpdatedAt.Equal(prevUpdated) {
		return a, sc, nil
	}
	if err := s.store.PutAgent(ctx, t.UID, a, prevUpdated); err != nil {
		if apierror.KindOf(err) != apierror.KindConcurrentModification {
			return nil, nil, err
		}
		return s.adoptOnExisting(r, t, agentID, pair)
	}
	return a, sc, nil
}

func (s *Server) adoptOnExisting(r *http.Request, t *tenant.Tenant, agentID string, pair *agent.Schema) (*agent.Agent, *agent.Schema, error) {
	a, err := s.store.GetAgent(r.Context(), t.UID, agentID)
	if err != nil {
		return nil, nil, err
	}
	if a == nil {
		return nil, nil, apierror.Newf(apierror.KindConcurrentModification,
			"agent %q is being modified concurrently", agentID)
	}
	prevUpdated := a.UpdatedAt
	sc := a.AdoptSchema(pair, time.Now().UTC())
	if !a.UpdatedAt.Equal(prevUpdated) {
		if err := s.store.PutAgent(r.Context(), t.UID, a, prevUpdated); err != nil {
			return nil, nil, err
		}
	}
	return a, sc, nil
}

// outputSchemaFor maps response_format to the agent output schema.
func outputSchemaFor(rf *responseFormat) map[string]any {
	switch {
	case rf == nil, rf.Type == "", rf.Type == "text":
		return map[string]any{"format": schema.RawMessageFormat}
	case rf.Type == "json_object":
		return map[string]any{"type": "object"}
	case rf.Type == "json_schema" && rf.JSONSchema != nil && rf.JSONSchema.Schema != nil:
		return rf.JSONSchema.Schema
	default:
		return map[string]any{"format": schema.RawMessageFormat}
	}
}

func toolChoiceString(v any) string {
	s, _ := v.(string)
	switch s {
	case "auto", "none", "required", "any":
		return s
	}
	return ""
}

// messageTemplates keeps the text of each request message as a version
// prompt template.
func messageTemplates(messages []openaiMessage) []version.MessageTemplate {
	out := make([]version.MessageTemplate, 0, len(messages))
	for _, m := range messages {
		out = append(out, version.MessageTemplate{Role: m.Role, Content: contentText(m.Content)})
	}
	return out
}

// contentText extracts the plain text of an OpenAI content value.
func contentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	var parts []openaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		if p.Type == "text" {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// convertMessages maps OpenAI messages to canonical form.
func convertMessages(messages []openaiMessage) ([]protocol.Message, error) {
	out := make([]protocol.Message, 0, len(messages))
	for _, m := range messages {
		msg := protocol.Message{Role: protocol.Role(m.Role)}
		switch m.Role {
		case "system", "user", "assistant", "developer":
			if m.Role == "developer" {
				msg.Role = protocol.RoleSystem
			}
			blocks, err := convertContent(m.Content)
			if err != nil {
				return nil, err
			}
			msg.Content = blocks
			for _, tc := range m.ToolCalls {
				input := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
						return nil, apierror.Newf(apierror.KindBadRequest,
							"tool call %q carries invalid arguments", tc.ID)
					}
				}
				msg.Content = append(msg.Content, protocol.Content{
					Kind: protocol.ContentToolCallRequest,
					ToolRequest: &protocol.ToolCallRequest{
						ID:       tc.ID,
						ToolName: protocol.CanonicalToolName(tc.Function.Name),
						Input:    input,
					},
				})
			}
		case "tool":
			msg.Role = protocol.RoleTool
			msg.Content = []protocol.Content{{
				Kind: protocol.ContentToolCallResult,
				ToolResult: &protocol.ToolCallResult{
					ID:     m.ToolCallID,
					Result: contentText(m.Content),
				},
			}}
		default:
			return nil, apierror.Newf(apierror.KindBadRequest, "unknown message role %q", m.Role)
		}
		out = append(out, msg)
	}
	return out, nil
}

func convertContent(raw json.RawMessage) ([]protocol.Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if text == "" {
			return nil, nil
		}
		return []protocol.Content{{Kind: protocol.ContentText, Text: text}}, nil
	}

	var parts []openaiContentPart
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, apierror.New(apierror.KindBadRequest, "message content must be a string or part list")
	}
	var blocks []protocol.Content
	for _, p := range parts {
		switch p.Type {
		case "text":
			blocks = append(blocks, protocol.Content{Kind: protocol.ContentText, Text: p.Text})
		case "image_url":
			if p.ImageURL == nil {
				return nil, apierror.New(apierror.KindBadRequest, "image_url part without url")
			}
			blocks = append(blocks, protocol.Content{Kind: protocol.ContentFile, File: fileFromURL(p.ImageURL.URL)})
		case "input_audio":
			if p.InputAudio == nil {
				return nil, apierror.New(apierror.KindBadRequest, "input_audio part without data")
			}
			blocks = append(blocks, protocol.Content{Kind: protocol.ContentFile, File: &protocol.File{
				Data:        p.InputAudio.Data,
				ContentType: "audio/" + p.InputAudio.Format,
			}})
		case "file":
			if p.File == nil {
				return nil, apierror.New(apierror.KindBadRequest, "file part without payload")
			}
			blocks = append(blocks, protocol.Content{Kind: protocol.ContentFile, File: fileFromURL(p.File.FileData)})
		default:
			return nil, apierror.Newf(apierror.KindBadRequest, "unsupported content part %q", p.Type)
		}
	}
	return blocks, nil
}

// fileFromURL splits data URLs into inline payloads and keeps plain URLs.
func fileFromURL(url string) *protocol.File {
	if after, ok := strings.CutPrefix(url, "data:"); ok {
		contentType, data, found := strings.Cut(after, ";base64,")
		if found {
			return &protocol.File{Data: data, ContentType: contentType}
		}
	}
	return &protocol.File{URL: url}
}

func convertTools(tools []openaiTool) ([]providers.ToolDefinition, error) {
	out := make([]providers.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if t.Type != "function" {
			return nil, apierror.Newf(apierror.KindBadRequest, "unsupported tool type %q", t.Type)
		}
		if t.Function.Name == "" {
			return nil, apierror.New(apierror.KindBadRequest, "tool function name is required")
		}
		out = append(out, providers.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return out, nil
}

// renderCompletion builds the buffered OpenAI response for a finished run.
func (s *Server) renderCompletion(t *tenant.Tenant, agentID string, rec *run.Run) map[string]any {
	message := map[string]any{"role": "assistant"}
	if content := outputContent(rec.TaskOutput); content != "" {
		message["content"] = content
	}
	if len(rec.ToolRequests) > 0 {
		message["tool_calls"] = renderToolCalls(rec.ToolRequests)
	}

	usage := sumUsage(rec)
	body := map[string]any{
		"id":      agentID + "/" + rec.ID,
		"object":  "chat.completion",
		"created": rec.CreatedAt.Unix(),
		"model":   lastModel(rec),
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": finishReason(rec),
			"message":       message,
		}},
		"usage": map[string]any{
			"prompt_tokens":     usage.PromptTokenCount,
			"completion_tokens": usage.CompletionTokenCount,
			"total_tokens":      usage.PromptTokenCount + usage.CompletionTokenCount,
		},
		"cost_usd":         rec.CostUSD,
		"duration_seconds": rec.DurationSeconds,
	}
	if s.feedback != nil && rec.Status == run.StatusSuccess {
		if token, err := s.feedback.Sign(rec.ID, t.UID); err == nil {
			body["feedback_token"] = token
		}
	}
	if s.baseURL != "" {
		body["url"] = s.baseURL + "/v1/" + t.Name + "/agents/" + agentID + "/runs/" + rec.ID
	}
	return body
}

// outputContent renders the task output as the assistant content string.
func outputContent(output any) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

func renderToolCalls(reqs []protocol.ToolCallRequest) []map[string]any {
	out := make([]map[string]any, 0, len(reqs))
	for _, tc := range reqs {
		args, err := json.Marshal(tc.Input)
		if err != nil {
			args = []byte("{}")
		}
		out = append(out, map[string]any{
			"id":   tc.ID,
			"type": "function",
			"function": map[string]any{
				"name":      tc.ToolName,
				"arguments": string(args),
			},
		})
	}
	return out
}

func sumUsage(rec *run.Run) providers.Usage {
	var total providers.Usage
	for i := range rec.Completions {
		total.Add(rec.Completions[i].Usage)
	}
	return total
}

func lastModel(rec *run.Run) string {
	if len(rec.Completions) == 0 {
		return ""
	}
	return rec.Completions[len(rec.Completions)-1].Model
}

func finishReason(rec *run.Run) string {
	if len(rec.ToolRequests) > 0 {
		return "tool_calls"
	}
	last := ""
	if len(rec.Completions) > 0 {
		last = rec.Completions[len(rec.Completions)-1].FinishReason
	}
	switch last {
	case "length", "max_tokens":
		return "length"
	case "content_filter":
		return "content_filter"
	default:
		return "stop"
	}
}
