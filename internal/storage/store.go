// Package storage abstracts the object store that owns generated images.
package storage

import (
	"context"
	"time"
)

// Store is the object-storage contract consumed by the materializer: write
// bytes under a key, and turn a key into a retrievable URL. Depending on the
// backend's access policy the URL is either public or signed and
// time-limited.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
