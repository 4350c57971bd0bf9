// Package blob offloads inline file payloads to object storage, keyed by
// tenant and content hash so identical uploads dedupe.
package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/modelgateway/relay/pkg/apierror"
	"github.com/modelgateway/relay/pkg/protocol"
)

// Store is the object-storage contract.
type Store interface {
	// Put uploads data under key and returns the storage URL.
	Put(ctx context.Context, key string, contentType string, data io.Reader) (string, error)
	// Get streams the object back.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// ObjectKey addresses a file by tenant and content hash.
func ObjectKey(tenantUID int64, contentHash string) string {
	return fmt.Sprintf("files/%d/%s", tenantUID, contentHash)
}

// Offload uploads every inline file and records its storage URL, dropping
// the inline data from the record. Files without inline data are untouched.
func Offload(ctx context.Context, store Store, tenantUID int64, files []*protocol.File) error {
	for _, file := range files {
		if file.Data == "" || file.StorageURL != "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(file.Data)
		if err != nil {
			return apierror.Wrap(err, apierror.KindInvalidFile, "file data is not valid base64")
		}
		key := ObjectKey(tenantUID, file.ContentHash())
		url, err := store.Put(ctx, key, file.ContentType, bytes.NewReader(raw))
		if err != nil {
			return apierror.Wrap(err, apierror.KindInternal, "offloading file to storage")
		}
		file.StorageURL = url
		file.Data = ""
	}
	return nil
}
