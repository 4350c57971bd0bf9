package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
)

func TestRenderSubstitutes(t *testing.T) {
	out, used, err := Render("Hello, {{ name }}! You are {{ age }}.", map[string]any{
		"name": "John",
		"age":  float64(30),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello, John! You are 30.", out)
	assert.True(t, used["name"])
	assert.True(t, used["age"])
}

func TestRenderDottedPaths(t *testing.T) {
	out, used, err := Render("City: {{ user.address.city }}", map[string]any{
		"user": map[string]any{
			"address": map[string]any{"city": "Berlin"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "City: Berlin", out)
	// the top-level key is what counts as consumed
	assert.True(t, used["user"])
	assert.False(t, used["user.address.city"])
}

func TestRenderStringifiesValues(t *testing.T) {
	out, _, err := Render("{{ flag }} {{ pi }} {{ items }} {{ gone }}", map[string]any{
		"flag":  true,
		"pi":    3.14,
		"items": []any{"a", "b"},
		"gone":  nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `true 3.14 ["a","b"] `, out)
}

func TestRenderUndefinedVariable(t *testing.T) {
	_, _, err := Render("line one\nHi {{ missing }}", map[string]any{"name": "x"})
	require.Error(t, err)

	ae, ok := apierror.As(err)
	require.True(t, ok)
	assert.Equal(t, apierror.KindInvalidTemplate, ae.Kind)
	assert.Equal(t, 2, ae.Details["line"])
	assert.Equal(t, 4, ae.Details["column"])
	assert.Equal(t, "missing", ae.Details["variable"])
}

func TestRenderUnterminatedPlaceholder(t *testing.T) {
	_, _, err := Render("Hi {{ name", map[string]any{"name": "x"})
	require.Error(t, err)
	assert.Equal(t, apierror.KindInvalidTemplate, apierror.KindOf(err))
}

func TestContains(t *testing.T) {
	assert.True(t, Contains("Hello {{ name }}"))
	assert.False(t, Contains("Hello name"))
}
