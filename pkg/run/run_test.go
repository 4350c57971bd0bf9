package run

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/model"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
)

func TestNewIDIsTimeOrdered(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
	// UUIDv7 sorts by creation time
	assert.LessOrEqual(t, a, b)
}

func TestSetError(t *testing.T) {
	r := &Run{}
	r.SetError(apierror.New(apierror.KindRateLimit, "too fast").WithDetail("provider", "openai"))

	assert.Equal(t, StatusFailure, r.Status)
	require.NotNil(t, r.Error)
	assert.Equal(t, apierror.KindRateLimit, r.Error.Code)
	assert.Equal(t, "too fast", r.Error.Message)
	assert.Equal(t, "openai", r.Error.Details["provider"])
}

func TestComputeCostSumsCompletions(t *testing.T) {
	catalog := model.DefaultCatalog()
	now := time.Now().UTC()
	r := &Run{Completions: []Completion{
		{
			Model:     "gpt-4o",
			StartedAt: now,
			Usage:     providers.Usage{PromptTokenCount: 1_000_000, CompletionTokenCount: 1_000_000},
		},
		{
			Model:     "gpt-4o-mini",
			StartedAt: now,
			Usage:     providers.Usage{PromptTokenCount: 2_000_000},
		},
	}}

	require.NoError(t, r.ComputeCost(catalog))
	assert.InDelta(t, 12.50, r.Completions[0].CostUSD, 1e-9)
	assert.InDelta(t, 0.30, r.Completions[1].CostUSD, 1e-9)
	assert.InDelta(t, 12.80, r.CostUSD, 1e-9)
}

func TestComputeCostUnknownModel(t *testing.T) {
	r := &Run{Completions: []Completion{{Model: "made-up", StartedAt: time.Now()}}}
	err := r.ComputeCost(model.DefaultCatalog())
	require.Error(t, err)
	assert.Equal(t, apierror.KindUnpriceableRun, apierror.KindOf(err))
}

func TestCompletionCostCachedTokens(t *testing.T) {
	pricing := &model.Pricing{
		PromptUSDPerMTok:       2.0,
		CompletionUSDPerMTok:   8.0,
		CachedPromptUSDPerMTok: 1.0,
	}
	cost := CompletionCost(pricing, providers.Usage{
		PromptTokenCount: 1_000_000,
		CachedTokenCount: 500_000,
	})
	// half the prompt at the full rate, half at the cached rate
	assert.InDelta(t, 1.5, cost, 1e-9)
}

func TestComputeHashes(t *testing.T) {
	r := &Run{
		TaskInput:  map[string]any{"name": "John"},
		TaskOutput: "Hello John!",
	}
	r.ComputeHashes()
	assert.Len(t, r.TaskInputHash, 32)
	assert.Len(t, r.TaskOutputHash, 32)

	// an explicitly set input hash is kept
	r2 := &Run{TaskInput: map[string]any{"x": 1}, TaskInputHash: "preset"}
	r2.ComputeHashes()
	assert.Equal(t, "preset", r2.TaskInputHash)
}

func TestComputePreviewsMessages(t *testing.T) {
	r := &Run{
		TaskInput: map[string]any{
			"messages": []protocol.Message{
				protocol.TextMessage(protocol.RoleUser, "Hello, world!"),
			},
		},
		TaskOutput: "Hello James!",
	}
	r.ComputePreviews()
	assert.Equal(t, "User: Hello, world!", r.InputPreview)
	assert.Equal(t, "Assistant: Hello James!", r.OutputPreview)
}

func TestComputePreviewsStructured(t *testing.T) {
	r := &Run{
		TaskInput:  map[string]any{"name": "John", "age": float64(30)},
		TaskOutput: map[string]any{"greeting": "Hello John!"},
	}
	r.ComputePreviews()
	assert.Equal(t, "age: 30, name: John", r.InputPreview)
	assert.Equal(t, "greeting: Hello John!", r.OutputPreview)
}

func TestPreviewFiles(t *testing.T) {
	assert.Equal(t, "[img:https://x/p.png]", Preview(map[string]any{
		"url": "https://x/p.png", "content_type": "image/png",
	}))
	assert.Equal(t, "[audio:https://x/a.wav]", Preview(map[string]any{
		"url": "https://x/a.wav", "content_type": "audio/wav",
	}))
	assert.Equal(t, "[file:https://x/d.pdf]", Preview(map[string]any{
		"url": "https://x/d.pdf", "content_type": "application/pdf",
	}))
}

func TestPreviewTruncates(t *testing.T) {
	long := strings.Repeat("a", 500)
	p := Preview(long)
	assert.Len(t, []rune(p), 201)
	assert.True(t, strings.HasSuffix(p, "…"))
}

func TestStripPrivateFields(t *testing.T) {
	r := &Run{
		TaskInput: map[string]any{
			"name": "John",
			"payment": map[string]any{
				"card":   "4242",
				"amount": 10,
			},
		},
		TaskOutput: map[string]any{"greeting": "hi", "ssn": "123"},
	}
	r.StripPrivateFields([]string{"task_input.payment.card", "task_output.ssn"})

	payment := r.TaskInput.(map[string]any)["payment"].(map[string]any)
	assert.NotContains(t, payment, "card")
	assert.Contains(t, payment, "amount")
	assert.NotContains(t, r.TaskOutput.(map[string]any), "ssn")

	r.StripPrivateFields([]string{"task_output"})
	assert.Nil(t, r.TaskOutput)
}
