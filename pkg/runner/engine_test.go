package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/agent"
	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/cache"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
	"github.com/modelgateway/relay/pkg/run"
	"github.com/modelgateway/relay/pkg/store"
	"github.com/modelgateway/relay/pkg/tenant"
	"github.com/modelgateway/relay/pkg/version"
)

func greeterFixture() (*agent.Agent, *agent.Schema) {
	a := &agent.Agent{ID: "greeter", UID: 1, TenantUID: 1}
	s := &agent.Schema{
		SchemaID: 1,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
			"required": []any{"name"},
		},
	}
	return a, s
}

func greeterProperties() *version.Properties {
	return &version.Properties{
		Model: "gpt-4o",
		Messages: []version.MessageTemplate{
			{Role: "user", Content: "Say hello to {{ name }}"},
		},
	}
}

func newTestEngine(st store.Store, caller providers.Caller, opts ...EngineOption) *Engine {
	r := newTestRunner(nil, []providers.Caller{caller})
	return NewEngine(st, testCatalog(), r, opts...)
}

func TestEngineExecuteSuccess(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{textResult("Hello John!")}}
	engine := newTestEngine(st, caller)

	a, s := greeterFixture()
	rec, err := engine.Execute(ctx, &tenant.Tenant{Name: "acme", UID: 1}, &RunRequest{
		Agent:  a,
		Schema: s,
		Ref:    version.Reference{Properties: greeterProperties()},
		Input:  json.RawMessage(`{"name": "John"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, run.StatusSuccess, rec.Status)
	assert.Equal(t, "Hello John!", rec.TaskOutput)
	assert.Len(t, rec.VersionID, 32)
	assert.Len(t, rec.TaskInputHash, 32)
	assert.NotEmpty(t, rec.InputPreview)
	assert.Equal(t, "Assistant: Hello John!", rec.OutputPreview)
	assert.Greater(t, rec.CostUSD, 0.0)
	assert.False(t, rec.FinishedAt.IsZero())

	// the terminal run is persisted
	stored, err := st.GetRun(ctx, 1, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, run.StatusSuccess, stored.Status)

	// the inline version is stored so the run can reference it
	v, err := st.GetVersion(ctx, 1, 1, rec.VersionID)
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "gpt-4o", v.Properties.Model)

	// the template rendered the structured input into the prompt
	require.Equal(t, 1, caller.callCount())
	require.NotEmpty(t, caller.messages[0])
	assert.Equal(t, "Say hello to John", caller.messages[0][0].Text())
}

func TestEngineExecuteCacheHit(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{textResult("Hello John!")}}
	engine := newTestEngine(st, caller, WithCache(cache.NewMemory(), time.Hour))

	a, s := greeterFixture()
	req := func() *RunRequest {
		return &RunRequest{
			Agent:  a,
			Schema: s,
			Ref:    version.Reference{Properties: greeterProperties()},
			Input:  json.RawMessage(`{"name": "John"}`),
		}
	}
	tn := &tenant.Tenant{Name: "acme", UID: 1}

	first, err := engine.Execute(ctx, tn, req())
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := engine.Execute(ctx, tn, req())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, caller.callCount())

	// a different input misses
	third, err := engine.Execute(ctx, tn, &RunRequest{
		Agent:  a,
		Schema: s,
		Ref:    version.Reference{Properties: greeterProperties()},
		Input:  json.RawMessage(`{"name": "Jane"}`),
	})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, caller.callCount())
}

func TestEngineExecuteCacheModeNever(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{textResult("Hello John!")}}
	engine := newTestEngine(st, caller, WithCache(cache.NewMemory(), time.Hour))

	a, s := greeterFixture()
	tn := &tenant.Tenant{Name: "acme", UID: 1}
	for i := 0; i < 2; i++ {
		_, err := engine.Execute(ctx, tn, &RunRequest{
			Agent:     a,
			Schema:    s,
			Ref:       version.Reference{Properties: greeterProperties()},
			Input:     json.RawMessage(`{"name": "John"}`),
			CacheMode: cache.ModeNever,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, caller.callCount())
}

func TestEngineExecuteHistoryBypassesCache(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{textResult("Hello again!")}}
	engine := newTestEngine(st, caller, WithCache(cache.NewMemory(), time.Hour))

	a, s := greeterFixture()
	tn := &tenant.Tenant{Name: "acme", UID: 1}
	for i := 0; i < 2; i++ {
		rec, err := engine.Execute(ctx, tn, &RunRequest{
			Agent:  a,
			Schema: s,
			Ref:    version.Reference{Properties: greeterProperties()},
			Input:  json.RawMessage(`{"name": "John"}`),
			History: []protocol.Message{
				protocol.TextMessage(protocol.RoleUser, "one more time"),
			},
		})
		require.NoError(t, err)
		assert.False(t, rec.Cached)
	}
	assert.Equal(t, 2, caller.callCount())

	// the history rides at the end of the built messages
	last := caller.messages[0]
	assert.Equal(t, "one more time", last[len(last)-1].Text())
}

func TestEngineExecuteFailurePersistsRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{
		{err: apierror.New(apierror.KindBadRequest, "bad tool schema")},
	}}
	engine := newTestEngine(st, caller)

	a, s := greeterFixture()
	rec, err := engine.Execute(ctx, &tenant.Tenant{Name: "acme", UID: 1}, &RunRequest{
		Agent:  a,
		Schema: s,
		Ref:    version.Reference{Properties: greeterProperties()},
		Input:  json.RawMessage(`{"name": "John"}`),
	})
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, run.StatusFailure, rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, apierror.KindBadRequest, rec.Error.Code)

	// the error carries the run id so callers can fetch the record
	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, rec.ID, ae.RunID)

	stored, err := st.GetRun(ctx, 1, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, run.StatusFailure, stored.Status)
}

func TestEngineExecuteValidationFailureLeavesNoRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{textResult("unused")}}
	engine := newTestEngine(st, caller)

	a, s := greeterFixture()
	rec, err := engine.Execute(ctx, &tenant.Tenant{Name: "acme", UID: 1}, &RunRequest{
		Agent:  a,
		Schema: s,
		Ref:    version.Reference{Properties: greeterProperties()},
		Input:  json.RawMessage(`{"name": 42}`),
	})
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, 0, caller.callCount())

	runs, err := st.SearchRuns(ctx, 1, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestEngineCredits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	ledger := tenant.NewMemoryLedger()
	credits := tenant.NewCredits(ledger, 0, nil)
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{textResult("Hello John!")}}
	engine := newTestEngine(st, caller, WithCredits(credits))

	a, s := greeterFixture()
	tn := &tenant.Tenant{Name: "acme", UID: 1}
	req := &RunRequest{
		Agent:  a,
		Schema: s,
		Ref:    version.Reference{Properties: greeterProperties()},
		Input:  json.RawMessage(`{"name": "John"}`),
	}

	// an empty balance blocks execution before any provider call
	_, err := engine.Execute(ctx, tn, req)
	require.Error(t, err)
	assert.Equal(t, apierror.KindInsufficientCredits, apierror.KindOf(err))
	assert.Equal(t, 0, caller.callCount())

	_, err = ledger.Credit(ctx, 1, 5.0)
	require.NoError(t, err)
	rec, err := engine.Execute(ctx, tn, req)
	require.NoError(t, err)
	require.Greater(t, rec.CostUSD, 0.0)

	balance, err := ledger.Balance(ctx, 1)
	require.NoError(t, err)
	assert.InDelta(t, 5.0-rec.CostUSD, balance, 1e-9)
}

func TestEngineStripsPrivateFields(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{textResult("Hello John!")}}
	engine := newTestEngine(st, caller)

	a, s := greeterFixture()
	rec, err := engine.Execute(ctx, &tenant.Tenant{Name: "acme", UID: 1}, &RunRequest{
		Agent:         a,
		Schema:        s,
		Ref:           version.Reference{Properties: greeterProperties()},
		Input:         json.RawMessage(`{"name": "John"}`),
		PrivateFields: []string{"task_input.name"},
	})
	require.NoError(t, err)

	payload, ok := rec.TaskInput.(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, payload, "name")
}

func TestEngineStructuredOutputFromAgentSchema(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	caller := &fakeCaller{name: model.ProviderOpenAI, script: []scripted{
		textResult(`{"greeting": "Hello John!"}`),
	}}
	engine := newTestEngine(st, caller)

	a, s := greeterFixture()
	s.OutputSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"greeting": map[string]any{"type": "string"},
		},
		"required": []any{"greeting"},
	}
	rec, err := engine.Execute(ctx, &tenant.Tenant{Name: "acme", UID: 1}, &RunRequest{
		Agent:  a,
		Schema: s,
		Ref:    version.Reference{Properties: greeterProperties()},
		Input:  json.RawMessage(`{"name": "John"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greeting": "Hello John!"}, rec.TaskOutput)
}
