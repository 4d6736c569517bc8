// Package blobstore provides pluggable payload storage for documents and
// fragments. Protocol state lives in the relational store; the raw bytes a
// document carries live here, addressed by opaque randomized handles so
// concurrent saves of unrelated payloads never collide.
package blobstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Store is the pluggable backend interface for payload blobs.
//
// Handles are opaque: callers persist them on document/fragment rows and
// hand them back later. Handle assignment is randomized per save, so two
// payloads with identical bytes still get distinct handles.
//
// Thread safety: all implementations must be safe for concurrent use.
// Fragments of the same document are saved and deleted concurrently with
// no cross-fragment coordination.
type Store interface {
	// Save stores payload bytes and returns a fresh handle for them.
	// The hint is folded into the handle for operator-facing readability
	// (bucket listings, debugging); it carries no semantics.
	Save(ctx context.Context, data []byte, hint string) (string, error)

	// Get retrieves the payload bytes for a handle.
	// Returns errors.ErrNotFound if the handle is unknown.
	Get(ctx context.Context, handle string) ([]byte, error)

	// Size returns the stored payload length in bytes without fetching it.
	Size(ctx context.Context, handle string) (int64, error)

	// Delete removes the payload for a handle. Deleting an unknown handle
	// is a no-op (idempotent), matching the at-least-once cleanup paths.
	Delete(ctx context.Context, handle string) error
}

// NewHandle generates a randomized blob handle. An optional hint prefixes
// the handle; slashes keep hierarchical listings usable.
func NewHandle(hint string) string {
	id := uuid.New().String()
	if hint == "" {
		return id
	}
	return fmt.Sprintf("%s/%s", sanitizeHint(hint), id)
}

func sanitizeHint(hint string) string {
	out := make([]rune, 0, len(hint))
	for _, r := range hint {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		case r == '-' || r == '_' || r == '.' || r == '/':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	if len(out) > 128 {
		out = out[:128]
	}
	return string(out)
}
