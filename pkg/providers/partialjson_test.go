package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePartialJSONComplete(t *testing.T) {
	v, ok := ParsePartialJSON(`{"name": "John", "age": 30}`)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "John", "age": float64(30)}, v)
}

func TestParsePartialJSONEmpty(t *testing.T) {
	_, ok := ParsePartialJSON("")
	assert.False(t, ok)
	_, ok = ParsePartialJSON("   \n")
	assert.False(t, ok)
}

func TestParsePartialJSONTruncated(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want any
	}{
		{
			"open string",
			`{"greeting": "Hello, wor`,
			map[string]any{"greeting": "Hello, wor"},
		},
		{
			"key with no value",
			`{"name": "John", "age":`,
			map[string]any{"name": "John"},
		},
		{
			"open array",
			`{"items": ["a", "b"`,
			map[string]any{"items": []any{"a", "b"}},
		},
		{
			"nested objects",
			`{"outer": {"inner": {"leaf": 1`,
			map[string]any{"outer": map[string]any{"inner": map[string]any{"leaf": float64(1)}}},
		},
		{
			"escaped quote inside open string",
			`{"text": "she said \"hi`,
			map[string]any{"text": `she said "hi`},
		},
		{
			"complete literal",
			`{"done": true`,
			map[string]any{"done": true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, ok := ParsePartialJSON(tc.in)
			require.True(t, ok, "input %q", tc.in)
			assert.Equal(t, tc.want, v)
		})
	}
}

func TestParsePartialJSONUnrecoverable(t *testing.T) {
	for _, in := range []string{"{", "plain prose", "{,"} {
		_, ok := ParsePartialJSON(in)
		assert.False(t, ok, "input %q", in)
	}
}

func TestParseToolInput(t *testing.T) {
	input, ok := parseToolInput("")
	require.True(t, ok)
	assert.Empty(t, input)

	input, ok = parseToolInput(`{"q": "weather"}`)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"q": "weather"}, input)

	_, ok = parseToolInput(`{"q": "wea`)
	assert.False(t, ok)
}
