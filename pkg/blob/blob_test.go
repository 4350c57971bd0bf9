package blob

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/protocol"
)

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "files/7/abc", ObjectKey(7, "abc"))
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	url, err := m.Put(ctx, "files/1/k", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "memory://files/1/k", url)

	rd, err := m.Get(ctx, "files/1/k")
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = m.Get(ctx, "files/1/missing")
	assert.Error(t, err)
}

func TestOffload(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	inline := &protocol.File{
		Data:        base64.StdEncoding.EncodeToString([]byte("payload")),
		ContentType: "application/pdf",
	}
	byURL := &protocol.File{URL: "https://x/doc.pdf"}
	already := &protocol.File{
		Data:       base64.StdEncoding.EncodeToString([]byte("other")),
		StorageURL: "memory://files/1/existing",
	}

	require.NoError(t, Offload(ctx, m, 1, []*protocol.File{inline, byURL, already}))

	// inline data moves to storage and is dropped from the record
	assert.Empty(t, inline.Data)
	assert.True(t, strings.HasPrefix(inline.StorageURL, "memory://files/1/"), inline.StorageURL)
	rd, err := m.Get(ctx, strings.TrimPrefix(inline.StorageURL, "memory://"))
	require.NoError(t, err)
	data, _ := io.ReadAll(rd)
	assert.Equal(t, "payload", string(data))

	// url-only and already-offloaded files are untouched
	assert.Empty(t, byURL.StorageURL)
	assert.NotEmpty(t, already.Data)
	assert.Equal(t, "memory://files/1/existing", already.StorageURL)
}

func TestOffloadRejectsBadBase64(t *testing.T) {
	err := Offload(context.Background(), NewMemory(), 1, []*protocol.File{
		{Data: "not-base64!!!"},
	})
	require.Error(t, err)
	assert.Equal(t, apierror.KindInvalidFile, apierror.KindOf(err))
}
