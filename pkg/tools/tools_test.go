package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/protocol"
)

type echoTool struct {
	name    string
	timeout time.Duration
	err     error
	slow    time.Duration
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its input" }

func (t *echoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
		"required":             []any{"text"},
		"additionalProperties": false,
	}
}

func (t *echoTool) Timeout() time.Duration { return t.timeout }

func (t *echoTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	if t.slow > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.slow):
		}
	}
	if t.err != nil {
		return nil, t.err
	}
	return input["text"], nil
}

func TestRegisterRequiresHostedName(t *testing.T) {
	r := NewRegistry(nil)
	assert.Error(t, r.Register(&echoTool{name: "echo"}))
	require.NoError(t, r.Register(&echoTool{name: "@echo"}))
	// duplicate names are rejected
	assert.Error(t, r.Register(&echoTool{name: "@echo"}))
	assert.True(t, r.Has("@echo"))
}

func TestListIsSorted(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "@zulu"}))
	require.NoError(t, r.Register(&echoTool{name: "@alpha"}))

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "@alpha", list[0].Name())
	assert.Equal(t, "@zulu", list[1].Name())
}

func TestDefinitionsSkipsUnknownNames(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "@echo"}))

	defs := r.Definitions([]string{"@echo", "@ghost", "lookup_order"})
	require.Len(t, defs, 1)
	assert.Equal(t, "@echo", defs[0].Name)
	assert.Equal(t, "echoes its input", defs[0].Description)
	assert.NotNil(t, defs[0].InputSchema)
}

func TestInvokeSuccess(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "@echo"}))

	call := r.Invoke(context.Background(), protocol.ToolCallRequest{
		ID: "t1", ToolName: "@echo", Input: map[string]any{"text": "hi"},
	})
	assert.Equal(t, "t1", call.ID)
	assert.Empty(t, call.Error)
	assert.Equal(t, "hi", call.Result)
	assert.GreaterOrEqual(t, call.DurationSeconds, 0.0)
}

func TestInvokeUnknownTool(t *testing.T) {
	r := NewRegistry(nil)
	call := r.Invoke(context.Background(), protocol.ToolCallRequest{ToolName: "@ghost"})
	assert.Contains(t, call.Error, "unknown tool")
}

func TestInvokeValidatesInput(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "@echo"}))

	call := r.Invoke(context.Background(), protocol.ToolCallRequest{
		ToolName: "@echo", Input: map[string]any{"wrong": true},
	})
	assert.Contains(t, call.Error, "invalid input")
}

func TestInvokeToolErrorLandsInCall(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "@echo", err: errors.New("upstream unreachable")}))

	call := r.Invoke(context.Background(), protocol.ToolCallRequest{
		ToolName: "@echo", Input: map[string]any{"text": "hi"},
	})
	assert.Equal(t, "upstream unreachable", call.Error)
	assert.Nil(t, call.Result)
}

func TestInvokeTimesOut(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&echoTool{name: "@echo", timeout: 10 * time.Millisecond, slow: time.Second}))

	call := r.Invoke(context.Background(), protocol.ToolCallRequest{
		ToolName: "@echo", Input: map[string]any{"text": "hi"},
	})
	assert.Contains(t, call.Error, "context deadline exceeded")
}

func TestNewHostedRegistry(t *testing.T) {
	r, err := NewHostedRegistry(HostedConfig{}, nil)
	require.NoError(t, err)
	assert.True(t, r.Has("@browser-text"))
	assert.False(t, r.Has("@search-google"))
	assert.False(t, r.Has("@perplexity-sonar-pro"))

	r, err = NewHostedRegistry(HostedConfig{
		GoogleSearchAPIKey:   "k",
		GoogleSearchEngineID: "cx",
		PerplexityAPIKey:     "p",
	}, nil)
	require.NoError(t, err)
	assert.True(t, r.Has("@search-google"))
	assert.True(t, r.Has("@perplexity-sonar-pro"))
}

func TestReflectedSchemas(t *testing.T) {
	for _, tool := range []Tool{
		NewBrowserTextTool(),
		NewGoogleSearchTool("k", "cx"),
		NewPerplexityTool("p"),
	} {
		s := tool.InputSchema()
		require.NotNil(t, s, tool.Name())
		assert.Equal(t, "object", s["type"], tool.Name())
		assert.NotContains(t, s, "$schema", tool.Name())
	}
}
