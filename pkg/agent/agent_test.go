package agent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("support-agent"))
	assert.NoError(t, ValidateID("a"))
	assert.NoError(t, ValidateID("Agent_2"))

	assert.Error(t, ValidateID(""))
	assert.Error(t, ValidateID("-leading-dash"))
	assert.Error(t, ValidateID("has space"))
	assert.Error(t, ValidateID("has/slash"))
}

func TestStreamlineComputesDigest(t *testing.T) {
	in := map[string]any{"type": "object", "title": "Input"}
	out := map[string]any{"format": "message"}

	pair, err := Streamline(in, out)
	require.NoError(t, err)
	assert.Len(t, pair.Digest, 32)
	// title is metadata and must not affect the digest
	pair2, err := Streamline(map[string]any{"type": "object"}, out)
	require.NoError(t, err)
	assert.Equal(t, pair.Digest, pair2.Digest)
}

func TestAdoptSchemaAssignsMonotonicIDs(t *testing.T) {
	a := &Agent{ID: "support", UID: 1}
	now := time.Now().UTC()

	first, err := Streamline(map[string]any{"type": "object"}, nil)
	require.NoError(t, err)
	adopted := a.AdoptSchema(first, now)
	assert.Equal(t, 1, adopted.SchemaID)

	second, err := Streamline(map[string]any{"format": "messages"}, nil)
	require.NoError(t, err)
	adopted2 := a.AdoptSchema(second, now.Add(time.Minute))
	assert.Equal(t, 2, adopted2.SchemaID)
	assert.Len(t, a.Schemas, 2)
}

func TestAdoptSchemaReusesIdenticalPair(t *testing.T) {
	a := &Agent{ID: "support", UID: 1}
	now := time.Now().UTC()

	pair, err := Streamline(map[string]any{"type": "object"}, nil)
	require.NoError(t, err)
	a.AdoptSchema(pair, now)

	again, err := Streamline(map[string]any{"type": "object", "$comment": "same"}, nil)
	require.NoError(t, err)
	adopted := a.AdoptSchema(again, now.Add(time.Hour))
	assert.Equal(t, 1, adopted.SchemaID)
	assert.Len(t, a.Schemas, 1)
}

func TestFindAndLatestSchema(t *testing.T) {
	a := &Agent{Schemas: []Schema{
		{SchemaID: 1, Digest: "d1"},
		{SchemaID: 3, Digest: "d3"},
		{SchemaID: 2, Digest: "d2"},
	}}
	assert.Equal(t, "d2", a.FindSchema(2).Digest)
	assert.Nil(t, a.FindSchema(9))
	assert.Equal(t, 3, a.FindSchemaByDigest("d3").SchemaID)
	assert.Equal(t, 3, a.LatestSchema().SchemaID)

	empty := &Agent{}
	assert.Nil(t, empty.LatestSchema())
}
