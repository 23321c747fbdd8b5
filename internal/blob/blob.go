// Package blob provides content-addressed access to image bytes by logical
// locator, with S3 and local filesystem implementations.
package blob

import "context"

// Store is the narrow blob access contract the reconciler depends on.
// Implementations must be safe for concurrent use: the store handle is
// shared read-mostly across the worker pool.
type Store interface {
	// Get fetches the bytes at the given locator.
	Get(ctx context.Context, locator string) ([]byte, error)

	// Put uploads bytes to the given locator and returns the public URI of
	// the stored object.
	Put(ctx context.Context, locator string, data []byte, contentType string) (string, error)
}
