package input

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/version"
)

var objectSchema = map[string]any{"type": "object"}

func TestBuildTemplatedInput(t *testing.T) {
	props := &version.Properties{
		Messages: []version.MessageTemplate{
			{Role: "user", Content: "Hello {{ name }}!"},
		},
	}
	built, err := Build(objectSchema, props, json.RawMessage(`{"name":"John"}`))
	require.NoError(t, err)

	require.Len(t, built.Messages, 1)
	assert.Equal(t, protocol.RoleUser, built.Messages[0].Role)
	assert.Equal(t, "Hello John!", built.Messages[0].Text())
	assert.True(t, built.UsedVariables["name"])
}

func TestBuildInstructionsBecomeSystemMessage(t *testing.T) {
	props := &version.Properties{
		Instructions: "You help {{ company }} customers.",
		Messages: []version.MessageTemplate{
			{Role: "user", Content: "{{ question }}"},
		},
	}
	built, err := Build(objectSchema, props, json.RawMessage(`{"company":"Acme","question":"Where is my order?"}`))
	require.NoError(t, err)

	require.Len(t, built.Messages, 2)
	assert.Equal(t, protocol.RoleSystem, built.Messages[0].Role)
	assert.Equal(t, "You help Acme customers.", built.Messages[0].Text())
	assert.Equal(t, "Where is my order?", built.Messages[1].Text())
}

func TestBuildLeftoverVariablesTrailingMessage(t *testing.T) {
	props := &version.Properties{
		Messages: []version.MessageTemplate{
			{Role: "user", Content: "Summarize {{ topic }}"},
		},
	}
	built, err := Build(objectSchema, props, json.RawMessage(`{"topic":"cats","tone":"formal","length":3}`))
	require.NoError(t, err)

	require.Len(t, built.Messages, 2)
	trailing := built.Messages[1]
	assert.Equal(t, protocol.RoleUser, trailing.Role)
	// leftover keys sorted, template-consumed keys excluded
	assert.Equal(t, "length: 3\n\ntone: formal", trailing.Text())
}

func TestBuildValidatesAgainstSchema(t *testing.T) {
	sc := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	}
	_, err := Build(sc, &version.Properties{}, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))
}

func TestBuildUndefinedTemplateVariable(t *testing.T) {
	props := &version.Properties{
		Messages: []version.MessageTemplate{{Role: "user", Content: "Hi {{ name }}"}},
	}
	_, err := Build(objectSchema, props, json.RawMessage(`{"other":1}`))
	require.Error(t, err)
	assert.Equal(t, apierror.KindInvalidTemplate, apierror.KindOf(err))
}

func TestBuildExtractsFiles(t *testing.T) {
	raw := json.RawMessage(`{
		"photo": {"url": "https://example.com/cat.png", "content_type": "image/png"},
		"note": "look at this"
	}`)
	built, err := Build(objectSchema, &version.Properties{}, raw)
	require.NoError(t, err)

	require.Len(t, built.Files, 1)
	assert.Equal(t, "https://example.com/cat.png", built.Files[0].URL)

	// the canonical input holds a placeholder, not the file object
	canonical := built.CanonicalInput.(map[string]any)
	assert.Equal(t, "<file:0>", canonical["photo"])
	assert.Equal(t, "look at this", canonical["note"])

	// files ride along on the trailing user message
	require.Len(t, built.Messages, 1)
	assert.Len(t, built.Messages[0].Files(), 1)
}

func TestBuildFilePlaceholdersDeterministic(t *testing.T) {
	// walk order is sorted keys, so placeholders are position-stable
	raw := json.RawMessage(`{
		"b": {"url": "https://example.com/b.png"},
		"a": {"url": "https://example.com/a.png"}
	}`)
	built, err := Build(objectSchema, &version.Properties{}, raw)
	require.NoError(t, err)

	require.Len(t, built.Files, 2)
	assert.Equal(t, "https://example.com/a.png", built.Files[0].URL)
	canonical := built.CanonicalInput.(map[string]any)
	assert.Equal(t, "<file:0>", canonical["a"])
	assert.Equal(t, "<file:1>", canonical["b"])
}

func TestBuildRawMessages(t *testing.T) {
	sc := map[string]any{"format": "messages"}
	raw := json.RawMessage(`{"messages":[{"role":"user","content":[{"kind":"text","text":"Hello, world!"}]}]}`)

	built, err := Build(sc, &version.Properties{}, raw)
	require.NoError(t, err)
	require.Len(t, built.Messages, 1)
	assert.Equal(t, "Hello, world!", built.Messages[0].Text())

	canonical := built.CanonicalInput.(map[string]any)
	msgs, ok := canonical["messages"].([]protocol.Message)
	require.True(t, ok)
	assert.Len(t, msgs, 1)
}

func TestBuildRawMessagesBareArray(t *testing.T) {
	sc := map[string]any{"format": "messages"}
	raw := json.RawMessage(`[{"role":"user","content":[{"kind":"text","text":"hi"}]}]`)

	built, err := Build(sc, &version.Properties{}, raw)
	require.NoError(t, err)
	assert.Len(t, built.Messages, 1)
}

func TestBuildRawMessagesPrependsPrompt(t *testing.T) {
	sc := map[string]any{"format": "messages"}
	props := &version.Properties{Instructions: "Be terse."}
	raw := json.RawMessage(`{"messages":[{"role":"user","content":[{"kind":"text","text":"hi"}]}]}`)

	built, err := Build(sc, props, raw)
	require.NoError(t, err)
	require.Len(t, built.Messages, 2)
	assert.Equal(t, protocol.RoleSystem, built.Messages[0].Role)
	assert.Equal(t, "hi", built.Messages[1].Text())
}

func TestBuildRawMessagesEmpty(t *testing.T) {
	sc := map[string]any{"format": "messages"}
	_, err := Build(sc, &version.Properties{}, json.RawMessage(`{"messages":[]}`))
	require.Error(t, err)
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))
}

func TestHashExcludesRawFileBytes(t *testing.T) {
	withData := func(data string) *Built {
		raw := json.RawMessage(`{"photo": {"data": "` + data + `", "content_type": "image/png"}}`)
		built, err := Build(objectSchema, &version.Properties{}, raw)
		require.NoError(t, err)
		return built
	}

	a := withData("cGl4ZWxz") // "pixels"
	b := withData("cGl4ZWxz")
	c := withData("b3RoZXI=") // "other"

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestHashStable(t *testing.T) {
	build := func() *Built {
		built, err := Build(objectSchema, &version.Properties{}, json.RawMessage(`{"b":2,"a":1}`))
		require.NoError(t, err)
		return built
	}
	assert.Equal(t, build().Hash(), build().Hash())
	assert.Len(t, build().Hash(), 32)
}
