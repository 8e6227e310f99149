// Package blobstore moves oversized payloads out of envelopes. An envelope
// whose data_handler header is external carries only a key; the payload
// bytes live in a shared object store both runtimes can reach.
package blobstore

import (
	"context"
)

// Store is the data-plane collaborator for external payloads.
type Store interface {
	// Put stores payload bytes and returns the key to embed in the
	// envelope.
	Put(ctx context.Context, data []byte) (key string, err error)

	// Get resolves a key back to the payload bytes.
	Get(ctx context.Context, key string) ([]byte, error)
}
