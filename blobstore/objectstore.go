package blobstore

import (
	"context"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
)

// ObjectStore persists payload blobs in a NATS JetStream ObjectStore
// bucket. This is the production Store: payload bytes ride the same NATS
// deployment the transport uses, so a relay node needs no extra storage
// infrastructure.
type ObjectStore struct {
	bucket jetstream.ObjectStore
}

// ObjectStoreConfig holds configuration for the ObjectStore blob backend.
type ObjectStoreConfig struct {
	// BucketName is the NATS JetStream ObjectStore bucket name
	BucketName string `json:"bucket_name"`

	// Description shows up in bucket listings
	Description string `json:"description,omitempty"`

	// Replicas for the backing stream (1 for single-node deployments)
	Replicas int `json:"replicas,omitempty"`
}

// DefaultObjectStoreConfig returns the default blob bucket configuration.
func DefaultObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		BucketName:  "XFER_PAYLOADS",
		Description: "Document and fragment payload blobs",
		Replicas:    1,
	}
}

// NewObjectStore creates (or reuses) the payload bucket and returns a Store
// backed by it.
func NewObjectStore(ctx context.Context, client *natsclient.Client, cfg ObjectStoreConfig) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection, "ObjectStore", "NewObjectStore", "nats client cannot be nil")
	}
	if cfg.BucketName == "" {
		cfg.BucketName = DefaultObjectStoreConfig().BucketName
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	bucket, err := client.CreateObjectStoreBucket(ctx, jetstream.ObjectStoreConfig{
		Bucket:      cfg.BucketName,
		Description: cfg.Description,
		Replicas:    cfg.Replicas,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "ObjectStore", "NewObjectStore", "create bucket "+cfg.BucketName)
	}

	return &ObjectStore{bucket: bucket}, nil
}

// Save stores payload bytes under a fresh randomized handle.
func (s *ObjectStore) Save(ctx context.Context, data []byte, hint string) (string, error) {
	handle := NewHandle(hint)

	if _, err := s.bucket.PutBytes(ctx, handle, data); err != nil {
		return "", errors.WrapTransient(err, "ObjectStore", "Save", "put "+handle)
	}
	return handle, nil
}

// Get retrieves the payload bytes for a handle.
func (s *ObjectStore) Get(ctx context.Context, handle string) ([]byte, error) {
	data, err := s.bucket.GetBytes(ctx, handle)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, errors.WrapInvalid(errors.ErrNotFound, "ObjectStore", "Get", "blob "+handle)
		}
		return nil, errors.WrapTransient(err, "ObjectStore", "Get", "get "+handle)
	}
	return data, nil
}

// Size returns the stored payload length without fetching the bytes.
func (s *ObjectStore) Size(ctx context.Context, handle string) (int64, error) {
	info, err := s.bucket.GetInfo(ctx, handle)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return 0, errors.WrapInvalid(errors.ErrNotFound, "ObjectStore", "Size", "blob "+handle)
		}
		return 0, errors.WrapTransient(err, "ObjectStore", "Size", "info "+handle)
	}
	return int64(info.Size), nil
}

// Delete removes the payload for a handle. Unknown handles are a no-op so
// cleanup paths can run under at-least-once delivery.
func (s *ObjectStore) Delete(ctx context.Context, handle string) error {
	if err := s.bucket.Delete(ctx, handle); err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "ObjectStore", "Delete", "delete "+handle)
	}
	return nil
}

var _ Store = (*ObjectStore)(nil)
var _ Store = (*Memory)(nil)
