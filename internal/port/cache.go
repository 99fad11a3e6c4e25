package port

import (
	"context"
	"time"
)

// Cache provides SETNX-style one-shot guards backed by a shared cache.
// Correctness never depends on it; it short-circuits concurrent duplicates
// before they reach the database.
type Cache interface {
	// AcquireOnce sets the key if absent, returning false when another
	// caller already holds it.
	AcquireOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release frees a guard early so a failed attempt can be retried
	// without waiting for the TTL.
	Release(ctx context.Context, key string) error
}
