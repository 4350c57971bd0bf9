package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	mode, ok := ParseMode("")
	require.True(t, ok)
	assert.Equal(t, ModeAuto, mode)

	for _, s := range []string{"auto", "always", "never"} {
		mode, ok := ParseMode(s)
		require.True(t, ok)
		assert.Equal(t, Mode(s), mode)
	}

	_, ok = ParseMode("sometimes")
	assert.False(t, ok)
}

func TestKeyString(t *testing.T) {
	k := Key{TenantUID: 1, AgentUID: 2, SchemaID: 3, VersionID: "vvv", InputHash: "iii"}
	assert.Equal(t, "runcache:1:2:3:vvv:iii", k.String())
}

func TestMemoryFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	k := Key{TenantUID: 1, VersionID: "v", InputHash: "i"}

	got, err := m.Get(ctx, k)
	require.NoError(t, err)
	assert.Empty(t, got)

	won, err := m.PutIfAbsent(ctx, k, "run-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = m.PutIfAbsent(ctx, k, "run-2", time.Hour)
	require.NoError(t, err)
	assert.False(t, won)

	got, err = m.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	current := time.Now()
	m.now = func() time.Time { return current }

	k := Key{TenantUID: 1, VersionID: "v", InputHash: "i"}
	_, err := m.PutIfAbsent(ctx, k, "run-1", time.Minute)
	require.NoError(t, err)

	current = current.Add(2 * time.Minute)
	got, err := m.Get(ctx, k)
	require.NoError(t, err)
	assert.Empty(t, got)

	// an expired entry can be overwritten
	won, err := m.PutIfAbsent(ctx, k, "run-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestMemoryZeroTTLNeverExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	current := time.Now()
	m.now = func() time.Time { return current }

	k := Key{TenantUID: 1, VersionID: "v", InputHash: "i"}
	_, err := m.PutIfAbsent(ctx, k, "run-1", 0)
	require.NoError(t, err)

	current = current.Add(1000 * time.Hour)
	got, err := m.Get(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, "run-1", got)
}

func TestKeysAreVersionScoped(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	k1 := Key{TenantUID: 1, VersionID: "v1", InputHash: "same"}
	k2 := Key{TenantUID: 1, VersionID: "v2", InputHash: "same"}
	_, err := m.PutIfAbsent(ctx, k1, "run-1", 0)
	require.NoError(t, err)

	got, err := m.Get(ctx, k2)
	require.NoError(t, err)
	assert.Empty(t, got)
}
