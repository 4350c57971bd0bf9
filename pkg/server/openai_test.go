package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/version"
)

func TestParseModelString(t *testing.T) {
	cases := []struct {
		in   string
		want parsedModel
	}{
		{"gpt-4o", parsedModel{modelID: "gpt-4o"}},
		{"support/gpt-4o", parsedModel{agentID: "support", modelID: "gpt-4o"}},
		{"support/#2/production", parsedModel{agentID: "support", schemaID: 2, environment: version.EnvProduction}},
		{"#3/staging", parsedModel{schemaID: 3, environment: version.EnvStaging}},
		// model ids may carry slashes of their own
		{"router/meta/llama-3", parsedModel{agentID: "router", modelID: "meta/llama-3"}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := parseModelString(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, in := range []string{"", "#x/production", "#0/production", "support/#1"} {
		_, err := parseModelString(in)
		assert.Error(t, err, in)
	}
}

func TestConvertMessages(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}

	messages, err := convertMessages([]openaiMessage{
		{Role: "developer", Content: raw("be terse")},
		{Role: "user", Content: raw([]map[string]any{
			{"type": "text", "text": "what is this?"},
			{"type": "image_url", "image_url": map[string]any{"url": "https://x/p.png"}},
		})},
		{Role: "tool", ToolCallID: "t1", Content: raw("42")},
	})
	require.NoError(t, err)
	require.Len(t, messages, 3)

	// developer collapses onto system
	assert.Equal(t, protocol.RoleSystem, messages[0].Role)
	assert.Equal(t, "be terse", messages[0].Text())

	require.Len(t, messages[1].Content, 2)
	assert.Equal(t, protocol.ContentFile, messages[1].Content[1].Kind)
	assert.Equal(t, "https://x/p.png", messages[1].Content[1].File.URL)

	assert.Equal(t, protocol.RoleTool, messages[2].Role)
	assert.Equal(t, "t1", messages[2].Content[0].ToolResult.ID)
}

func TestConvertMessagesToolCalls(t *testing.T) {
	call := openaiToolCall{ID: "t1", Type: "function"}
	call.Function.Name = "lookup_order"
	call.Function.Arguments = `{"order_id": "42"}`

	messages, err := convertMessages([]openaiMessage{
		{Role: "assistant", ToolCalls: []openaiToolCall{call}},
	})
	require.NoError(t, err)
	reqs := messages[0].ToolRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "lookup_order", reqs[0].ToolName)
	assert.Equal(t, map[string]any{"order_id": "42"}, reqs[0].Input)

	call.Function.Arguments = "{broken"
	_, err = convertMessages([]openaiMessage{
		{Role: "assistant", ToolCalls: []openaiToolCall{call}},
	})
	assert.Error(t, err)
}

func TestFileFromURL(t *testing.T) {
	f := fileFromURL("data:image/png;base64,aGVsbG8=")
	assert.Equal(t, "aGVsbG8=", f.Data)
	assert.Equal(t, "image/png", f.ContentType)
	assert.Empty(t, f.URL)

	f = fileFromURL("https://x/p.png")
	assert.Equal(t, "https://x/p.png", f.URL)
	assert.Empty(t, f.Data)
}

func TestChatCompletions(t *testing.T) {
	e := newEnv(t)

	w := e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"model": "gpt-4o",
		"messages": []map[string]any{
			{"role": "user", "content": "Hi"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "chat.completion", body["object"])
	assert.Equal(t, "gpt-4o", body["model"])
	assert.True(t, strings.HasPrefix(body["id"].(string), "default/"))

	choices := body["choices"].([]any)
	require.Len(t, choices, 1)
	choice := choices[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	message := choice["message"].(map[string]any)
	assert.Equal(t, "assistant", message["role"])
	assert.Equal(t, "Hello!", message["content"])

	usage := body["usage"].(map[string]any)
	assert.Equal(t, float64(12), usage["prompt_tokens"])
	assert.Equal(t, float64(7), usage["completion_tokens"])
	assert.Equal(t, float64(19), usage["total_tokens"])
}

func TestChatCompletionsValidation(t *testing.T) {
	e := newEnv(t)

	w := e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]any{{"role": "user", "content": "Hi"}},
		"n":        2,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_generation_request", errorCode(t, w))

	w = e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]any{},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"messages": []map[string]any{{"role": "user", "content": "Hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatCompletionsAgentPrefix(t *testing.T) {
	e := newEnv(t)

	w := e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"model":    "support/gpt-4o",
		"messages": []map[string]any{{"role": "user", "content": "Hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(decodeBody(t, w)["id"].(string), "support/"))

	// the agent was provisioned on first use
	a, err := e.store.GetAgent(t.Context(), 1, "support")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Len(t, a.Schemas, 1)
}

func TestChatCompletionsExternalTools(t *testing.T) {
	e := newEnv(t)
	e.caller.tool = &protocol.ToolCallRequest{
		ID:       "t1",
		ToolName: "lookup_order",
		Input:    map[string]any{"order_id": "42"},
	}

	w := e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]any{{"role": "user", "content": "where is my order?"}},
		"tools": []map[string]any{{
			"type": "function",
			"function": map[string]any{
				"name":       "lookup_order",
				"parameters": map[string]any{"type": "object"},
			},
		}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	choice := body["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_calls", choice["finish_reason"])

	calls := choice["message"].(map[string]any)["tool_calls"].([]any)
	require.Len(t, calls, 1)
	fn := calls[0].(map[string]any)["function"].(map[string]any)
	assert.Equal(t, "lookup_order", fn["name"])
	assert.JSONEq(t, `{"order_id": "42"}`, fn["arguments"].(string))
}

func TestChatCompletionsStructuredOutput(t *testing.T) {
	e := newEnv(t)
	e.caller.content = `{"answer": "42"}`

	w := e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]any{{"role": "user", "content": "the answer?"}},
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name": "answer",
				"schema": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"answer": map[string]any{"type": "string"},
					},
					"required": []any{"answer"},
				},
				"strict": true,
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	choice := decodeBody(t, w)["choices"].([]any)[0].(map[string]any)
	content := choice["message"].(map[string]any)["content"].(string)
	assert.JSONEq(t, `{"answer": "42"}`, content)
}

func TestChatCompletionsStreaming(t *testing.T) {
	e := newEnv(t)

	w := e.do("POST", "/v1/chat/completions", "sk-acme", map[string]any{
		"model":    "gpt-4o",
		"messages": []map[string]any{{"role": "user", "content": "Hi"}},
		"stream":   true,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	raw := w.Body.String()
	assert.True(t, strings.HasSuffix(raw, "data: [DONE]\n\n"), raw)

	var events []map[string]any
	for _, line := range strings.Split(raw, "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok || payload == "[DONE]" {
			continue
		}
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(payload), &event))
		events = append(events, event)
	}
	require.GreaterOrEqual(t, len(events), 2)

	first := events[0]
	assert.Equal(t, "chat.completion.chunk", first["object"])
	delta := first["choices"].([]any)[0].(map[string]any)["delta"].(map[string]any)
	assert.Equal(t, "Hello!", delta["content"])

	closing := events[len(events)-1]
	closingChoice := closing["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "stop", closingChoice["finish_reason"])
	assert.Contains(t, closing, "usage")
	assert.Contains(t, closing, "cost_usd")
}

func TestOutputSchemaFor(t *testing.T) {
	assert.Equal(t, map[string]any{"format": "message"}, outputSchemaFor(nil))
	assert.Equal(t, map[string]any{"format": "message"}, outputSchemaFor(&responseFormat{Type: "text"}))
	assert.Equal(t, map[string]any{"type": "object"}, outputSchemaFor(&responseFormat{Type: "json_object"}))

	custom := map[string]any{"type": "object", "properties": map[string]any{}}
	got := outputSchemaFor(&responseFormat{Type: "json_schema", JSONSchema: &jsonSchemaFormat{Schema: custom}})
	assert.Equal(t, custom, got)
}
