package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
)

func TestStreamlineDropsMetadata(t *testing.T) {
	out, err := Streamline(map[string]any{
		"$schema":     "https://json-schema.org/draft/2020-12/schema",
		"$id":         "https://example.com/order",
		"title":       "Order",
		"description": "an order",
		"type":        "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "examples": []any{"x"}},
		},
	})
	require.NoError(t, err)

	assert.NotContains(t, out, "$schema")
	assert.NotContains(t, out, "$id")
	assert.NotContains(t, out, "title")
	assert.Equal(t, "an order", out["description"])
	name := out["properties"].(map[string]any)["name"].(map[string]any)
	assert.NotContains(t, name, "examples")
}

func TestStreamlineInlinesRefs(t *testing.T) {
	out, err := Streamline(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"address": map[string]any{"$ref": "#/$defs/Address"},
		},
		"$defs": map[string]any{
			"Address": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
			},
		},
	})
	require.NoError(t, err)

	assert.NotContains(t, out, "$defs")
	addr := out["properties"].(map[string]any)["address"].(map[string]any)
	assert.Equal(t, "object", addr["type"])
	assert.Contains(t, addr["properties"], "city")
}

func TestStreamlineKeepsCyclicRefs(t *testing.T) {
	out, err := Streamline(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tree": map[string]any{"$ref": "#/$defs/Node"},
		},
		"$defs": map[string]any{
			"Node": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"child": map[string]any{"$ref": "#/$defs/Node"},
				},
			},
		},
	})
	require.NoError(t, err)

	tree := out["properties"].(map[string]any)["tree"].(map[string]any)
	child := tree["properties"].(map[string]any)["child"].(map[string]any)
	assert.Equal(t, "#/$defs/Node", child["$ref"])
}

func TestStreamlineCanonicalFileDefs(t *testing.T) {
	out, err := Streamline(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"photo": map[string]any{"$ref": "#/$defs/Image", "description": "a photo"},
		},
	})
	require.NoError(t, err)

	photo := out["properties"].(map[string]any)["photo"].(map[string]any)
	assert.Equal(t, "image", photo["format"])
	assert.Equal(t, "a photo", photo["description"])
	assert.Contains(t, photo["properties"], "url")
}

func TestStreamlineUnknownRef(t *testing.T) {
	_, err := Streamline(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"x": map[string]any{"$ref": "#/$defs/Missing"},
		},
	})
	require.Error(t, err)
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))
}

func TestStreamlineNormalizesNullability(t *testing.T) {
	out, err := Streamline(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"note": map[string]any{"type": []any{"string", "null"}},
		},
	})
	require.NoError(t, err)

	note := out["properties"].(map[string]any)["note"].(map[string]any)
	variants, ok := note["anyOf"].([]any)
	require.True(t, ok)
	require.Len(t, variants, 2)
	assert.Equal(t, "string", variants[0].(map[string]any)["type"])
	assert.Equal(t, "null", variants[1].(map[string]any)["type"])
}

func TestFormatMarkers(t *testing.T) {
	assert.True(t, IsRawMessagesInput(map[string]any{"format": "messages"}))
	assert.False(t, IsRawMessagesInput(map[string]any{"type": "object"}))
	assert.False(t, IsRawMessagesInput(nil))

	assert.True(t, IsRawMessageOutput(nil))
	assert.True(t, IsRawMessageOutput(map[string]any{"format": "message"}))
	assert.False(t, IsRawMessageOutput(map[string]any{"type": "object"}))
}

func TestIDStableForEquivalentSchemas(t *testing.T) {
	in := map[string]any{"type": "object"}
	out := map[string]any{"format": "message"}

	id1, err := ID(in, out)
	require.NoError(t, err)
	id2, err := ID(map[string]any{"type": "object"}, map[string]any{"format": "message"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 32)

	id3, err := ID(in, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestValidateAcceptsAndRejects(t *testing.T) {
	sc := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"age":  map[string]any{"type": "integer"},
		},
	}
	assert.NoError(t, Validate(sc, map[string]any{"name": "James", "age": float64(30)}))

	err := Validate(sc, map[string]any{"age": float64(30)})
	require.Error(t, err)
	assert.Equal(t, apierror.KindBadRequest, apierror.KindOf(err))

	// nil schema accepts anything
	assert.NoError(t, Validate(nil, map[string]any{"whatever": true}))
}

func TestForStructuredGeneration(t *testing.T) {
	sc := map[string]any{
		"type":     "object",
		"required": []any{"name"},
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
			"note": map[string]any{"type": "string"},
		},
	}
	strict := ForStructuredGeneration(sc)

	assert.Equal(t, false, strict["additionalProperties"])
	assert.Equal(t, []any{"name", "note"}, strict["required"])

	// the optional property became nullable so the decoder can always emit it
	note := strict["properties"].(map[string]any)["note"].(map[string]any)
	variants, ok := note["anyOf"].([]any)
	require.True(t, ok)
	assert.Equal(t, "null", variants[1].(map[string]any)["type"])

	// required property untouched
	name := strict["properties"].(map[string]any)["name"].(map[string]any)
	assert.Equal(t, "string", name["type"])

	// input not mutated
	assert.NotContains(t, sc, "additionalProperties")
}

func TestIsCompatibleWithStructuredGeneration(t *testing.T) {
	assert.True(t, IsCompatibleWithStructuredGeneration(map[string]any{"type": "object"}))
	assert.False(t, IsCompatibleWithStructuredGeneration(nil))
	assert.False(t, IsCompatibleWithStructuredGeneration(map[string]any{"type": "array"}))
	assert.False(t, IsCompatibleWithStructuredGeneration(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"child": map[string]any{"$ref": "#/$defs/Node"},
		},
	}))
}
