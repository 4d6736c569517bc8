package blobstore

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
)

func TestMemorySaveGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	handle, err := m.Save(ctx, []byte("payload bytes"), "doc")
	require.NoError(t, err)
	require.NotEmpty(t, handle)
	assert.True(t, strings.HasPrefix(handle, "doc/"))

	data, err := m.Get(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload bytes"), data)
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	handle, err := m.Save(ctx, []byte("abc"), "doc")
	require.NoError(t, err)

	first, err := m.Get(ctx, handle)
	require.NoError(t, err)
	first[0] = 'X'

	second, err := m.Get(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), second)
}

func TestMemorySize(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	handle, err := m.Save(ctx, []byte("12345"), "frag")
	require.NoError(t, err)

	size, err := m.Size(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)
}

func TestMemoryGetMissing(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Get(ctx, "doc/nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	_, err = m.Size(ctx, "doc/nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	handle, err := m.Save(ctx, []byte("gone soon"), "doc")
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, handle))
	require.NoError(t, m.Delete(ctx, handle))

	_, err = m.Get(ctx, handle)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, 0, m.Len())
}

func TestMemoryEmptyPayload(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	handle, err := m.Save(ctx, nil, "doc")
	require.NoError(t, err)

	data, err := m.Get(ctx, handle)
	require.NoError(t, err)
	assert.Empty(t, data)

	size, err := m.Size(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, int64(0), size)
}

func TestNewHandleSanitizesHint(t *testing.T) {
	handle := NewHandle("My Doc/2024")
	assert.False(t, strings.ContainsAny(strings.SplitN(handle, "/", 2)[0], " /"))

	// distinct calls never collide
	assert.NotEqual(t, NewHandle("doc"), NewHandle("doc"))
}
