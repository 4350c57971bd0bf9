package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	a, err := CanonicalJSON(map[string]any{"b": 1, "a": 2, "c": []any{"x", nil}})
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":["x",null]}`, string(a))
}

func TestCanonicalJSONNumbers(t *testing.T) {
	// whole floats render without a fraction so re-decoded JSON stays stable
	raw, err := CanonicalJSON(map[string]any{"n": float64(3), "f": 0.5})
	require.NoError(t, err)
	assert.Equal(t, `{"f":0.5,"n":3}`, string(raw))
}

func TestCanonicalJSONStructs(t *testing.T) {
	type inner struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	a, err := CanonicalJSON(inner{Name: "x", Count: 2})
	require.NoError(t, err)
	b, err := CanonicalJSON(map[string]any{"count": 2, "name": "x"})
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestShortHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := ShortHash(map[string]any{"model": "gpt-4o", "temperature": 0.7})
	require.NoError(t, err)
	h2, err := ShortHash(map[string]any{"temperature": 0.7, "model": "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)
}

func TestShortHashDiffersOnContent(t *testing.T) {
	h1 := MustShortHash(map[string]any{"model": "gpt-4o"})
	h2 := MustShortHash(map[string]any{"model": "gpt-4o-mini"})
	assert.NotEqual(t, h1, h2)
}

func TestMustShortHashPanicsOnUnmarshalable(t *testing.T) {
	assert.Panics(t, func() {
		MustShortHash(map[string]any{"ch": make(chan int)})
	})
}

func TestHashBytes(t *testing.T) {
	h := HashBytes([]byte("hello"))
	assert.Len(t, h, 32)
	assert.Equal(t, h, HashBytes([]byte("hello")))
	assert.NotEqual(t, h, HashBytes([]byte("hello!")))
}
