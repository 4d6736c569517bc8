package blobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
)

func TestObjectStoreRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewObjectStore(ctx, tc.Client, ObjectStoreConfig{
		BucketName: "TEST_PAYLOADS",
	})
	require.NoError(t, err)

	handle, err := store.Save(ctx, []byte("hello over jetstream"), "doc")
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	data, err := store.Get(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello over jetstream"), data)

	size, err := store.Size(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello over jetstream")), size)

	require.NoError(t, store.Delete(ctx, handle))
	require.NoError(t, store.Delete(ctx, handle))

	_, err = store.Get(ctx, handle)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestObjectStoreBucketReuse(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	tc := natsclient.NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := ObjectStoreConfig{BucketName: "TEST_REUSE"}

	first, err := NewObjectStore(ctx, tc.Client, cfg)
	require.NoError(t, err)

	handle, err := first.Save(ctx, []byte("persisted"), "doc")
	require.NoError(t, err)

	// second open of the same bucket sees blobs the first one wrote
	second, err := NewObjectStore(ctx, tc.Client, cfg)
	require.NoError(t, err)

	data, err := second.Get(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

func TestObjectStoreNilClient(t *testing.T) {
	_, err := NewObjectStore(context.Background(), nil, ObjectStoreConfig{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
