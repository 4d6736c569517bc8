// Package store persists protocol state: domains, documents, fragments,
// and their confirmation sets. The relational store is the single source
// of truth; no in-memory cache of protocol state survives a restart.
//
// Two implementations exist: Memory for tests and single-process runs,
// and Postgres for production. Both enforce the same invariants:
// get-or-create is race-safe, fragment numbers are unique per document,
// and every fragment save recomputes the received flag from the owning
// document's recipient list.
package store

import (
	"context"
	"time"

	"github.com/c360/docrelay/protocol"
)

// Store is the protocol state repository.
type Store interface {
	// GetOrCreateDomain returns the domain with the given name, creating
	// it if necessary. Safe under concurrent calls for the same name.
	GetOrCreateDomain(ctx context.Context, name string) (protocol.Domain, error)

	// CreateDocument persists a new document and assigns its ID. The
	// sender and recipients must already be persisted domains. Returns
	// errors.ErrDuplicate if a document with the same (fingerprint,
	// sender) already exists.
	CreateDocument(ctx context.Context, d *protocol.Document) error

	// GetDocument fetches a document by ID, recipients included.
	GetDocument(ctx context.Context, id int64) (*protocol.Document, error)

	// GetDocumentByFingerprint fetches the document with the dedup key
	// (fingerprint, sender name). Returns errors.ErrNotFound if absent.
	GetDocumentByFingerprint(ctx context.Context, fingerprint, sender string) (*protocol.Document, error)

	// SaveDocument persists the document's mutable fields and unions its
	// recipient set into the stored one. Recipients are never removed.
	SaveDocument(ctx context.Context, d *protocol.Document) error

	// DeleteDocument removes the document, cascading to its fragments and
	// their confirmation sets. Deleting an unknown ID is a no-op.
	DeleteDocument(ctx context.Context, id int64) error

	// DocumentsToSend returns documents with outbound work pending,
	// ordered by ascending priority. With force, all documents qualify.
	DocumentsToSend(ctx context.Context, force bool) ([]*protocol.Document, error)

	// DocumentsUnbuilt returns documents not yet reassembled.
	DocumentsUnbuilt(ctx context.Context) ([]*protocol.Document, error)

	// DocumentsDeprecatedBefore returns documents whose deprecation is at
	// or before the given instant.
	DocumentsDeprecatedBefore(ctx context.Context, when time.Time) ([]*protocol.Document, error)

	// Outgoing returns documents sent by the named domain.
	Outgoing(ctx context.Context, sender string) ([]*protocol.Document, error)

	// Incoming returns built documents addressed to the named domain.
	Incoming(ctx context.Context, recipient string) ([]*protocol.Document, error)

	// CreateFragment persists a new fragment and assigns its ID. Returns
	// errors.ErrDuplicate if the (document, number) pair already exists,
	// which makes duplicate inbound delivery a detectable no-op.
	CreateFragment(ctx context.Context, f *protocol.Fragment) error

	// FragmentByNumber fetches one fragment of a document. Returns
	// errors.ErrNotFound if absent.
	FragmentByNumber(ctx context.Context, documentID int64, number int) (*protocol.Fragment, error)

	// FragmentsByDocument returns a document's fragments ordered by
	// ascending number, confirmation sets included.
	FragmentsByDocument(ctx context.Context, documentID int64) ([]protocol.Fragment, error)

	// SaveFragment persists the fragment's mutable fields and its
	// confirmation set. The received flag is recomputed from the owning
	// document's recipients before the write, on every save.
	SaveFragment(ctx context.Context, f *protocol.Fragment) error

	// DeleteFragment removes one fragment and its confirmation set.
	// Deleting an unknown ID is a no-op.
	DeleteFragment(ctx context.Context, id int64) error

	// FragmentByControl resolves a control message to its document and
	// fragment: the document is keyed by (fingerprint, sender name) and
	// the fragment by number. Returns errors.ErrNotFound if either is
	// absent.
	FragmentByControl(ctx context.Context, fingerprint, sender string, number int) (*protocol.Document, *protocol.Fragment, error)

	// Close releases the store's resources.
	Close()
}
