package domain

import "context"

// BlobWriter uploads a single object to cold storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// BlobReader downloads a single object from cold storage.
type BlobReader interface {
	Get(ctx context.Context, key string) ([]byte, error)
}
