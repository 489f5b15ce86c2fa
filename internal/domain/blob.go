package domain

import (
	"context"
	"io"
)

// BlobWriter uploads data to object storage. Used by the trade journal to
// archive daily fill records.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}
